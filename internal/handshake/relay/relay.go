// Package relay bridges the wallet callbacks of a browser client onto live handshake flows.
// Sessions live in process memory, so callbacks for a flow must reach the instance that
// started it.
package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/smallbiznis/escrowd/internal/handshake/domain"
	"go.uber.org/zap"
)

type session struct {
	data      domain.PaymentData
	callbacks domain.Callbacks
}

type Relay struct {
	mu       sync.RWMutex
	sessions map[string]session
	log      *zap.Logger
}

func New(log *zap.Logger) *Relay {
	return &Relay{
		sessions: make(map[string]session),
		log:      log.Named("handshake.relay"),
	}
}

func (r *Relay) CreatePayment(_ context.Context, data domain.PaymentData, callbacks domain.Callbacks) error {
	if data.FlowID == "" {
		return fmt.Errorf("%w: flow id is required", domain.ErrInvalidRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[data.FlowID]; exists {
		return fmt.Errorf("%w: flow %s already attached", domain.ErrInvalidRequest, data.FlowID)
	}
	r.sessions[data.FlowID] = session{data: data, callbacks: callbacks}
	return nil
}

func (r *Relay) Detach(flowID string) {
	r.mu.Lock()
	delete(r.sessions, flowID)
	r.mu.Unlock()
}

// Payment returns the payment the client should create for a live flow.
func (r *Relay) Payment(flowID string) (domain.PaymentData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[flowID]
	return s.data, ok
}

func (r *Relay) ReadyForApproval(ctx context.Context, flowID, paymentID string) error {
	s, err := r.lookup(flowID)
	if err != nil {
		return err
	}
	return s.callbacks.ReadyForApproval(ctx, paymentID)
}

func (r *Relay) ReadyForCompletion(ctx context.Context, flowID, paymentID, txid string) error {
	s, err := r.lookup(flowID)
	if err != nil {
		return err
	}
	return s.callbacks.ReadyForCompletion(ctx, paymentID, txid)
}

func (r *Relay) Cancel(ctx context.Context, flowID, paymentID string) error {
	s, err := r.lookup(flowID)
	if err != nil {
		return err
	}
	return s.callbacks.Terminated(ctx, paymentID, domain.ErrUserCancelled)
}

// Fail reports a wallet-side error. kind is one of user_cancelled, consent_denied or network.
func (r *Relay) Fail(ctx context.Context, flowID, paymentID, kind, message string) error {
	cause, ok := domain.ErrorForKind(strings.ToLower(strings.TrimSpace(kind)))
	if !ok {
		return fmt.Errorf("%w: unknown error kind %q", domain.ErrInvalidRequest, kind)
	}
	s, err := r.lookup(flowID)
	if err != nil {
		return err
	}
	if message = strings.TrimSpace(message); message != "" {
		r.log.Info("wallet reported error", zap.String("flow_id", flowID), zap.String("kind", kind), zap.String("message", message))
		cause = fmt.Errorf("%w: %s", cause, message)
	}
	return s.callbacks.Terminated(ctx, paymentID, cause)
}

func (r *Relay) lookup(flowID string) (session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[flowID]
	if !ok {
		return session{}, domain.ErrFlowNotFound
	}
	return s, nil
}
