package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	identitydomain "github.com/smallbiznis/escrowd/internal/identity/domain"
)

type incompletePayment struct {
	Identifier string `json:"identifier"`
}

type authenticatePiRequest struct {
	AccessToken          string             `json:"access_token"`
	IncompletePayment    *incompletePayment `json:"incomplete_payment"`
	IncompletePaymentIDs []string           `json:"incomplete_payment_ids"`
}

func (s *Server) AuthenticatePi(c *gin.Context) {
	var req authenticatePiRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		AbortWithError(c, newValidationError("access_token", "required", "access_token is required"))
		return
	}

	reported := make([]string, 0, len(req.IncompletePaymentIDs)+1)
	if req.IncompletePayment != nil {
		reported = append(reported, req.IncompletePayment.Identifier)
	}
	reported = append(reported, req.IncompletePaymentIDs...)

	ids := reported[:0]
	for _, id := range reported {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	resp, err := s.identity.Authenticate(c.Request.Context(), identitydomain.AuthRequest{
		AccessToken:          req.AccessToken,
		IncompletePaymentIDs: ids,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	tagActor(c, resp.Profile.PiUID)

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
