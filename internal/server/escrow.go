package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	escrowdomain "github.com/smallbiznis/escrowd/internal/escrow/domain"
)

type startFundingRequest struct {
	BidID string `json:"bid_id"`
	UID   string `json:"uid"`
}

type fundEscrowRequest struct {
	TxID string `json:"txid"`
}

func (s *Server) AcceptBid(c *gin.Context) {
	taskID, ok := pathID(c, "task_id")
	if !ok {
		return
	}
	bidID, ok := pathID(c, "bid_id")
	if !ok {
		return
	}

	bid, err := s.escrow.AcceptBid(c.Request.Context(), taskID, bidID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bid})
}

func (s *Server) StartEscrowFunding(c *gin.Context) {
	taskID, ok := pathID(c, "task_id")
	if !ok {
		return
	}
	var req startFundingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	uid := strings.TrimSpace(req.UID)
	if uid == "" {
		AbortWithError(c, newValidationError("uid", "required", "uid is required"))
		return
	}
	tagActor(c, uid)

	flow, err := s.funding.StartFunding(c.Request.Context(), escrowdomain.FundingRequest{
		TaskID:   taskID,
		BidID:    strings.TrimSpace(req.BidID),
		ActorUID: uid,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": flowView(flow)})
}

func (s *Server) GetTaskEscrow(c *gin.Context) {
	taskID, ok := pathID(c, "task_id")
	if !ok {
		return
	}

	escrow, err := s.escrow.GetByTask(c.Request.Context(), taskID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": escrow})
}

func (s *Server) GetEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	escrow, err := s.escrow.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": escrow})
}

func (s *Server) FundEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req fundEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	escrow, err := s.escrow.MarkFunded(c.Request.Context(), id, strings.TrimSpace(req.TxID))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": escrow})
}

func (s *Server) ReleaseEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	escrow, err := s.escrow.Release(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": escrow})
}

func (s *Server) RefundEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	escrow, err := s.escrow.Refund(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": escrow})
}

func escrowID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id <= 0 {
		AbortWithError(c, ErrNotFound)
		return 0, false
	}
	return id, true
}
