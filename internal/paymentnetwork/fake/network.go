// Package fake is an in-memory payment network for tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
)

const (
	MethodGet        = "get"
	MethodApprove    = "approve"
	MethodComplete   = "complete"
	MethodCancel     = "cancel"
	MethodCreateA2U  = "create_a2u"
	MethodSubmit     = "submit"
	MethodIncomplete = "incomplete"
	MethodVerifyUser = "verify_user"
)

type Network struct {
	mu       sync.Mutex
	payments map[string]domain.Payment
	order    []string
	calls    map[string]int
	failures map[string][]error
	users    map[string]domain.User
	seq      int

	// BeforeComplete runs inside CompletePayment before the payment is updated.
	BeforeComplete func(paymentID string)
}

var _ domain.Client = (*Network)(nil)

func New() *Network {
	return &Network{
		payments: make(map[string]domain.Payment),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		users:    make(map[string]domain.User),
	}
}

func (n *Network) Put(p domain.Payment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.payments[p.Identifier]; !exists {
		n.order = append(n.order, p.Identifier)
	}
	p.Normalize()
	n.payments[p.Identifier] = p
}

// UserPayment is a user-to-app payment as the wallet would create it.
func (n *Network) UserPayment(id, uid string, amount decimal.Decimal, metadata map[string]any) domain.Payment {
	p := domain.Payment{
		Identifier: id,
		UserUID:    uid,
		Amount:     amount,
		Memo:       "payment " + id,
		Metadata:   metadata,
		Direction:  "user_to_app",
		Network:    "Pi Testnet",
	}
	n.Put(p)
	return n.Payment(id)
}

func (n *Network) Payment(id string) domain.Payment {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.payments[id]
}

func (n *Network) AddUser(token string, user domain.User) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users[token] = user
}

func (n *Network) Count(method, paymentID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method+":"+paymentID]
}

func (n *Network) Total(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// FailNext makes the next call of method return err before any state change.
func (n *Network) FailNext(method string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[method] = append(n.failures[method], err)
}

func (n *Network) enter(method, paymentID string) error {
	n.calls[method]++
	n.calls[method+":"+paymentID]++
	if queue := n.failures[method]; len(queue) > 0 {
		n.failures[method] = queue[1:]
		return queue[0]
	}
	return nil
}

func (n *Network) GetPayment(_ context.Context, paymentID string) (domain.Payment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(MethodGet, paymentID); err != nil {
		return domain.Payment{}, err
	}
	p, ok := n.payments[paymentID]
	if !ok {
		return domain.Payment{}, domain.ErrNotFound
	}
	return p, nil
}

func (n *Network) ApprovePayment(_ context.Context, paymentID string) (domain.Payment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(MethodApprove, paymentID); err != nil {
		return domain.Payment{}, err
	}
	return n.update(paymentID, func(p *domain.Payment) error {
		if p.Lifecycle.Terminal() {
			return fmt.Errorf("%w: payment is %s", domain.ErrUnexpectedPaymentStatus, p.Lifecycle)
		}
		p.Status.DeveloperApproved = true
		return nil
	})
}

func (n *Network) CompletePayment(_ context.Context, paymentID, txid string, expected decimal.NullDecimal) (domain.Payment, error) {
	n.mu.Lock()
	if err := n.enter(MethodComplete, paymentID); err != nil {
		n.mu.Unlock()
		return domain.Payment{}, err
	}
	hook := n.BeforeComplete
	n.mu.Unlock()
	if hook != nil {
		hook(paymentID)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.update(paymentID, func(p *domain.Payment) error {
		if expected.Valid && !p.Amount.Equal(expected.Decimal) {
			return fmt.Errorf("%w: amount mismatch", domain.ErrConflict)
		}
		if p.Lifecycle == domain.LifecycleCompleted {
			if p.TxID() == txid {
				return nil
			}
			return fmt.Errorf("%w: already completed", domain.ErrConflict)
		}
		if p.Status.Cancelled || p.Status.UserCancelled {
			return fmt.Errorf("%w: payment is %s", domain.ErrUnexpectedPaymentStatus, p.Lifecycle)
		}
		p.Status.DeveloperCompleted = true
		p.Status.TransactionVerified = true
		p.Transaction = &domain.Transaction{TxID: txid, Verified: true}
		return nil
	})
}

func (n *Network) CancelPayment(_ context.Context, paymentID string) (domain.Payment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(MethodCancel, paymentID); err != nil {
		return domain.Payment{}, err
	}
	return n.update(paymentID, func(p *domain.Payment) error {
		if p.Lifecycle == domain.LifecycleCompleted {
			return fmt.Errorf("%w: payment is completed", domain.ErrUnexpectedPaymentStatus)
		}
		p.Status.Cancelled = true
		return nil
	})
}

func (n *Network) CreateA2UPayment(_ context.Context, req domain.A2URequest) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(MethodCreateA2U, ""); err != nil {
		return "", err
	}
	if !req.Amount.IsPositive() || req.RecipientUID == "" {
		return "", domain.ErrInvalidRequest
	}
	n.seq++
	id := fmt.Sprintf("a2u_%d", n.seq)
	p := domain.Payment{
		Identifier: id,
		UserUID:    req.RecipientUID,
		Amount:     req.Amount,
		Memo:       req.Memo,
		Metadata:   req.Metadata,
		Direction:  domain.DirectionAppToUser,
		Network:    "Pi Testnet",
		Status:     domain.Status{DeveloperApproved: true},
	}
	p.Normalize()
	n.payments[id] = p
	n.order = append(n.order, id)
	return id, nil
}

func (n *Network) SubmitPayment(_ context.Context, paymentID string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(MethodSubmit, paymentID); err != nil {
		return "", err
	}
	p, err := n.update(paymentID, func(p *domain.Payment) error {
		if p.TxID() != "" {
			return nil
		}
		if p.Lifecycle.Terminal() {
			return fmt.Errorf("%w: payment is %s", domain.ErrUnexpectedPaymentStatus, p.Lifecycle)
		}
		p.Transaction = &domain.Transaction{TxID: "tx_" + paymentID, Verified: true}
		p.Status.TransactionVerified = true
		return nil
	})
	if err != nil {
		return "", err
	}
	return p.TxID(), nil
}

func (n *Network) IncompleteServerPayments(_ context.Context) ([]domain.Payment, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(MethodIncomplete, ""); err != nil {
		return nil, err
	}
	var out []domain.Payment
	for _, id := range n.order {
		p := n.payments[id]
		if p.Direction == domain.DirectionAppToUser && !p.Lifecycle.Terminal() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (n *Network) VerifyUser(_ context.Context, accessToken string) (domain.User, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enter(MethodVerifyUser, ""); err != nil {
		return domain.User{}, err
	}
	user, ok := n.users[accessToken]
	if !ok {
		return domain.User{}, domain.ErrUnauthorized
	}
	return user, nil
}

func (n *Network) update(paymentID string, fn func(p *domain.Payment) error) (domain.Payment, error) {
	p, ok := n.payments[paymentID]
	if !ok {
		return domain.Payment{}, domain.ErrNotFound
	}
	if err := fn(&p); err != nil {
		return domain.Payment{}, err
	}
	p.Normalize()
	n.payments[paymentID] = p
	return p, nil
}
