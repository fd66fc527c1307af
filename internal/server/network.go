package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	obscontext "github.com/smallbiznis/escrowd/internal/observability/context"
	paymentdomain "github.com/smallbiznis/escrowd/internal/paymentnetwork/domain"
)

type createA2URequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Memo     string          `json:"memo"`
	Metadata map[string]any  `json:"metadata"`
	UID      string          `json:"uid"`
}

type completePaymentRequest struct {
	TxID string `json:"txid"`
}

func (s *Server) CreateA2UPayment(c *gin.Context) {
	var req createA2URequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if !req.Amount.IsPositive() {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}
	uid := strings.TrimSpace(req.UID)
	if uid == "" {
		AbortWithError(c, newValidationError("uid", "required", "uid is required"))
		return
	}

	paymentID, err := s.network.CreateA2UPayment(c.Request.Context(), paymentdomain.A2URequest{
		Amount:       req.Amount,
		RecipientUID: uid,
		Memo:         strings.TrimSpace(req.Memo),
		Metadata:     req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"payment_id": paymentID}})
}

func (s *Server) SubmitA2UPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	txid, err := s.network.SubmitPayment(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"txid": txid}})
}

func (s *Server) ApproveNetworkPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	payment, err := s.network.ApprovePayment(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) CompleteNetworkPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req completePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	txid := strings.TrimSpace(req.TxID)
	if txid == "" {
		AbortWithError(c, newValidationError("txid", "required", "txid is required"))
		return
	}

	payment, err := s.network.CompletePayment(c.Request.Context(), paymentID, txid, decimal.NullDecimal{})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) CancelNetworkPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	payment, err := s.network.CancelPayment(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) GetNetworkPayment(c *gin.Context) {
	paymentID, ok := pathID(c, "id")
	if !ok {
		return
	}

	payment, err := s.network.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

// tagActor records the paying uid on the request for the request log and span.
func tagActor(c *gin.Context, uid string) {
	if uid = strings.TrimSpace(uid); uid != "" {
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), uid))
	}
}

func pathID(c *gin.Context, name string) (string, bool) {
	id := strings.TrimSpace(c.Param(name))
	if id == "" {
		AbortWithError(c, newValidationError(name, "required", name+" is required"))
		return "", false
	}
	return id, true
}
