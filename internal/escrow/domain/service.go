package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	handshakedomain "github.com/smallbiznis/escrowd/internal/handshake/domain"
)

type Service interface {
	AcceptBid(ctx context.Context, taskID, bidID string) (Bid, error)
	Create(ctx context.Context, req CreateRequest) (Escrow, error)
	MarkFunded(ctx context.Context, id snowflake.ID, txid string) (Escrow, error)
	// SyncFunding brings the ledger in line with a settled task payment: the escrow is
	// created when missing and marked funded when still pending.
	SyncFunding(ctx context.Context, flow handshakedomain.Flow) (Escrow, error)
	// VoidFunding closes the pending escrow of a funding payment that ended without
	// completing, which frees the task for a new funding attempt.
	VoidFunding(ctx context.Context, paymentID string) (Escrow, bool, error)
	Release(ctx context.Context, id snowflake.ID) (Escrow, error)
	Refund(ctx context.Context, id snowflake.ID) (Escrow, error)
	Get(ctx context.Context, id snowflake.ID) (Escrow, error)
	GetByTask(ctx context.Context, taskID string) (Escrow, error)
}
