package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/escrowd/internal/escrow/domain"
	"gorm.io/gorm"
)

const escrowColumns = `id, task_id, COALESCE(bid_id, '') AS bid_id, amount, payment_id,
	COALESCE(txid, '') AS txid, status, COALESCE(release_payment_id, '') AS release_payment_id,
	COALESCE(release_txid, '') AS release_txid, funded_at, released_at, voided_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, e *domain.Escrow) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO escrow_payments (id, task_id, bid_id, amount, payment_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.TaskID,
		nullString(e.BidID),
		e.Amount,
		e.PaymentID,
		e.Status,
		e.CreatedAt,
		e.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Escrow, error) {
	return r.findOne(ctx, db, `SELECT `+escrowColumns+` FROM escrow_payments WHERE id = ?`, id)
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*domain.Escrow, error) {
	return r.findOne(ctx, db, `SELECT `+escrowColumns+` FROM escrow_payments WHERE payment_id = ?`, paymentID)
}

func (r *repo) FindActiveByTask(ctx context.Context, db *gorm.DB, taskID string) (*domain.Escrow, error) {
	return r.findOne(ctx, db,
		`SELECT `+escrowColumns+` FROM escrow_payments
		 WHERE task_id = ? AND status NOT IN ('refunded', 'voided')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		taskID,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Escrow, error) {
	var e domain.Escrow
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&e).Error; err != nil {
		return nil, err
	}
	if e.ID == 0 {
		return nil, nil
	}
	return &e, nil
}

func (r *repo) MarkFunded(ctx context.Context, db *gorm.DB, id snowflake.ID, txid string, at time.Time) (bool, error) {
	return rowsAffected(db.WithContext(ctx).Exec(
		`UPDATE escrow_payments SET status = 'funded', txid = ?, funded_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		txid, at, at, id,
	))
}

func (r *repo) SetReleasePayment(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentID string, at time.Time) (bool, error) {
	return rowsAffected(db.WithContext(ctx).Exec(
		`UPDATE escrow_payments SET release_payment_id = ?, updated_at = ?
		 WHERE id = ? AND status = 'funded' AND (release_payment_id IS NULL OR release_payment_id = ?)`,
		paymentID, at, id, paymentID,
	))
}

func (r *repo) ClearReleasePayment(ctx context.Context, db *gorm.DB, id snowflake.ID, paymentID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE escrow_payments SET release_payment_id = NULL, updated_at = ?
		 WHERE id = ? AND status = 'funded' AND release_payment_id = ?`,
		at, id, paymentID,
	).Error
}

func (r *repo) MarkReleased(ctx context.Context, db *gorm.DB, id snowflake.ID, txid string, at time.Time) (bool, error) {
	return rowsAffected(db.WithContext(ctx).Exec(
		`UPDATE escrow_payments SET status = 'released', release_txid = ?, released_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'funded'`,
		txid, at, at, id,
	))
}

func (r *repo) MarkRefunded(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	return rowsAffected(db.WithContext(ctx).Exec(
		`UPDATE escrow_payments SET status = 'refunded', updated_at = ?
		 WHERE id = ? AND status = 'funded'`,
		at, id,
	))
}

func (r *repo) VoidPending(ctx context.Context, db *gorm.DB, paymentID string, at time.Time) (bool, error) {
	return rowsAffected(db.WithContext(ctx).Exec(
		`UPDATE escrow_payments SET status = 'voided', voided_at = ?, updated_at = ?
		 WHERE payment_id = ? AND status = 'pending'`,
		at, at, paymentID,
	))
}

// Revive reopens a voided escrow whose payment completed after all. The active-task index
// rejects it when another escrow already holds the task.
func (r *repo) Revive(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	return rowsAffected(db.WithContext(ctx).Exec(
		`UPDATE escrow_payments SET status = 'pending', voided_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'voided'`,
		at, id,
	))
}

func (r *repo) FindTask(ctx context.Context, db *gorm.DB, taskID string) (*domain.Task, error) {
	var task domain.Task
	err := db.WithContext(ctx).Raw(
		`SELECT id, creator_id, title, status FROM tasks WHERE id = ?`,
		taskID,
	).Scan(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, nil
	}
	return &task, nil
}

func (r *repo) CompareAndSetTaskStatus(ctx context.Context, db *gorm.DB, taskID string, from, to domain.TaskStatus, at time.Time) (bool, error) {
	return rowsAffected(db.WithContext(ctx).Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, at, taskID, from,
	))
}

func (r *repo) FindBid(ctx context.Context, db *gorm.DB, bidID string) (*domain.Bid, error) {
	return r.findBid(ctx, db, `SELECT id, task_id, bidder_id, amount, status, updated_at FROM bids WHERE id = ?`, bidID)
}

func (r *repo) FindAcceptedBid(ctx context.Context, db *gorm.DB, taskID string) (*domain.Bid, error) {
	return r.findBid(ctx, db,
		`SELECT id, task_id, bidder_id, amount, status, updated_at FROM bids WHERE task_id = ? AND status = 'accepted'`,
		taskID,
	)
}

func (r *repo) findBid(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Bid, error) {
	var bid domain.Bid
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&bid).Error; err != nil {
		return nil, err
	}
	if bid.ID == "" {
		return nil, nil
	}
	return &bid, nil
}

func (r *repo) AcceptBid(ctx context.Context, db *gorm.DB, taskID, bidID string, at time.Time) (bool, error) {
	return rowsAffected(db.WithContext(ctx).Exec(
		`UPDATE bids SET status = 'accepted', updated_at = ?
		 WHERE id = ? AND task_id = ? AND status = 'pending'`,
		at, bidID, taskID,
	))
}

func (r *repo) RejectOtherBids(ctx context.Context, db *gorm.DB, taskID, acceptedBidID string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE bids SET status = 'rejected', updated_at = ?
		 WHERE task_id = ? AND id <> ? AND status = 'pending'`,
		at, taskID, acceptedBidID,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) HasApprovedSubmission(ctx context.Context, db *gorm.DB, taskID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM task_submissions WHERE task_id = ? AND status = 'approved'`,
		taskID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) ProfileUID(ctx context.Context, db *gorm.DB, profileID string) (string, error) {
	var uid string
	err := db.WithContext(ctx).Raw(`SELECT pi_uid FROM profiles WHERE id = ?`, profileID).Scan(&uid).Error
	if err != nil {
		return "", err
	}
	return uid, nil
}

func rowsAffected(res *gorm.DB) (bool, error) {
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
