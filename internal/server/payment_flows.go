package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	handshakedomain "github.com/smallbiznis/escrowd/internal/handshake/domain"
)

type createPaymentFlowRequest struct {
	UID      string          `json:"uid"`
	Amount   decimal.Decimal `json:"amount"`
	Memo     string          `json:"memo"`
	Metadata map[string]any  `json:"metadata"`
}

type readyForApprovalRequest struct {
	PaymentID string `json:"payment_id"`
}

type readyForCompletionRequest struct {
	PaymentID string `json:"payment_id"`
	TxID      string `json:"txid"`
}

type paymentFlowErrorRequest struct {
	PaymentID string `json:"payment_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

// paymentFlowView is what the client needs to create the wallet payment for a flow.
type paymentFlowView struct {
	FlowID    string          `json:"flow_id"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo"`
	Metadata  map[string]any  `json:"metadata"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (s *Server) CreatePaymentFlow(c *gin.Context) {
	var req createPaymentFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tagActor(c, req.UID)

	flow, err := s.handshake.Start(c.Request.Context(), handshakedomain.CreateRequest{
		ActorUID: strings.TrimSpace(req.UID),
		Amount:   req.Amount,
		Memo:     strings.TrimSpace(req.Memo),
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": flowView(flow)})
}

func (s *Server) GetPaymentFlow(c *gin.Context) {
	flowID, ok := pathID(c, "flow_id")
	if !ok {
		return
	}
	wait, err := s.parseWait(c.Query("wait"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if wait <= 0 {
		flow, err := s.handshake.Get(c.Request.Context(), flowID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": handshakedomain.OutcomeFromFlow(flow)})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	outcome, err := s.handshake.Await(ctx, flowID)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": outcome})
}

func (s *Server) PaymentFlowReadyForApproval(c *gin.Context) {
	flowID, ok := pathID(c, "flow_id")
	if !ok {
		return
	}
	var req readyForApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	if paymentID == "" {
		AbortWithError(c, newValidationError("payment_id", "required", "payment_id is required"))
		return
	}

	if err := s.relay.ReadyForApproval(c.Request.Context(), flowID, paymentID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"flow_id": flowID, "payment_id": paymentID, "approved": true}})
}

func (s *Server) PaymentFlowReadyForCompletion(c *gin.Context) {
	flowID, ok := pathID(c, "flow_id")
	if !ok {
		return
	}
	var req readyForCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	txid := strings.TrimSpace(req.TxID)
	if paymentID == "" || txid == "" {
		AbortWithError(c, newValidationError("payment_id", "required", "payment_id and txid are required"))
		return
	}

	if err := s.relay.ReadyForCompletion(c.Request.Context(), flowID, paymentID, txid); err != nil {
		AbortWithError(c, err)
		return
	}
	s.respondOutcome(c, flowID)
}

func (s *Server) CancelPaymentFlow(c *gin.Context) {
	flowID, ok := pathID(c, "flow_id")
	if !ok {
		return
	}
	var req readyForApprovalRequest
	// The wallet may cancel before it ever created a payment.
	_ = c.ShouldBindJSON(&req)

	if err := s.relay.Cancel(c.Request.Context(), flowID, strings.TrimSpace(req.PaymentID)); err != nil {
		AbortWithError(c, err)
		return
	}
	s.respondOutcome(c, flowID)
}

func (s *Server) PaymentFlowError(c *gin.Context) {
	flowID, ok := pathID(c, "flow_id")
	if !ok {
		return
	}
	var req paymentFlowErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.relay.Fail(c.Request.Context(), flowID, strings.TrimSpace(req.PaymentID), req.Kind, req.Message); err != nil {
		AbortWithError(c, err)
		return
	}
	s.respondOutcome(c, flowID)
}

// respondOutcome answers with the flow's resolution, which the preceding callback settled.
func (s *Server) respondOutcome(c *gin.Context, flowID string) {
	flow, err := s.handshake.Get(c.Request.Context(), flowID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": handshakedomain.OutcomeFromFlow(flow)})
}

func (s *Server) parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, newValidationError("wait", "invalid_wait", "wait must be a non-negative number of seconds")
	}
	wait := time.Duration(seconds) * time.Second
	if limit := s.policy.Get().HandshakeTimeout; wait > limit {
		wait = limit
	}
	return wait, nil
}

func flowView(flow handshakedomain.Flow) paymentFlowView {
	return paymentFlowView{
		FlowID:    flow.ID,
		Status:    string(flow.Status),
		Amount:    flow.Amount,
		Memo:      flow.Memo,
		Metadata:  flow.Metadata,
		ExpiresAt: flow.ExpiresAt,
	}
}
