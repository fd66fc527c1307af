package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/escrowd/internal/handshake/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const flowColumns = `id, actor_uid, payment_type, amount, memo, metadata,
	COALESCE(payment_id, '') AS payment_id, COALESCE(txid, '') AS txid, status,
	COALESCE(failure_code, '') AS failure_code, expires_at, resolved_at, settled_at, reconciled_at,
	created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, flow *domain.Flow) error {
	metadata := flow.Metadata
	if metadata == nil {
		metadata = datatypes.JSONMap{}
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_flows (id, actor_uid, payment_type, amount, memo, metadata, payment_id, txid,
			status, failure_code, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		flow.ID,
		flow.ActorUID,
		flow.PaymentType,
		flow.Amount,
		flow.Memo,
		metadata,
		nullString(flow.PaymentID),
		nullString(flow.TxID),
		flow.Status,
		nullString(flow.FailureCode),
		flow.ExpiresAt,
		flow.CreatedAt,
		flow.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.Flow, error) {
	return r.findOne(ctx, db, `SELECT `+flowColumns+` FROM payment_flows WHERE id = ?`, id)
}

func (r *repo) FindByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*domain.Flow, error) {
	return r.findOne(ctx, db, `SELECT `+flowColumns+` FROM payment_flows WHERE payment_id = ?`, paymentID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Flow, error) {
	var flow domain.Flow
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&flow).Error; err != nil {
		return nil, err
	}
	if flow.ID == "" {
		return nil, nil
	}
	return &flow, nil
}

func (r *repo) BindPayment(ctx context.Context, db *gorm.DB, id, paymentID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_flows SET payment_id = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND (payment_id IS NULL OR payment_id = ?)`,
		paymentID, at, id, paymentID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Resolve(ctx context.Context, db *gorm.DB, res domain.Resolution) (bool, error) {
	var settledAt any
	if res.Status == domain.FlowStatusCompleted {
		settledAt = res.At
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE payment_flows
		 SET status = ?, payment_id = COALESCE(?, payment_id), txid = COALESCE(?, txid),
			failure_code = ?, resolved_at = ?, settled_at = COALESCE(settled_at, ?), updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		res.Status,
		nullString(res.PaymentID),
		nullString(res.TxID),
		nullString(res.FailureCode),
		res.At,
		settledAt,
		res.At,
		res.FlowID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) RecordSettlement(ctx context.Context, db *gorm.DB, s domain.Settlement) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(
			`UPDATE payment_flows
			 SET status = CASE WHEN status = 'pending' THEN 'completed' ELSE status END,
				txid = ?, resolved_at = COALESCE(resolved_at, ?), settled_at = COALESCE(settled_at, ?),
				reconciled_at = ?, updated_at = ?
			 WHERE payment_id = ?`,
			s.TxID, s.At, s.At, s.At, s.At, s.PaymentID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}

		metadata := datatypes.JSONMap(s.Metadata)
		if metadata == nil {
			metadata = datatypes.JSONMap{}
		}
		return tx.Exec(
			`INSERT INTO payment_flows (id, actor_uid, payment_type, amount, memo, metadata, payment_id, txid,
				status, expires_at, resolved_at, settled_at, reconciled_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'completed', ?, ?, ?, ?, ?, ?)`,
			s.FlowID,
			s.ActorUID,
			s.PaymentType,
			s.Amount,
			s.Memo,
			metadata,
			s.PaymentID,
			s.TxID,
			s.At,
			s.At,
			s.At,
			s.At,
			s.At,
			s.At,
		).Error
	})
}

func (r *repo) MarkReconciled(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_flows SET reconciled_at = ?, updated_at = ? WHERE id = ?`,
		at, at, id,
	).Error
}

func (r *repo) ListDangling(ctx context.Context, db *gorm.DB, actorUID string, limit int) ([]domain.Flow, error) {
	var flows []domain.Flow
	err := db.WithContext(ctx).Raw(
		`SELECT `+flowColumns+` FROM payment_flows
		 WHERE actor_uid = ? AND reconciled_at IS NULL
			AND (status = 'pending' OR (status = 'failed' AND payment_id IS NOT NULL))
		 ORDER BY created_at ASC
		 LIMIT ?`,
		actorUID, limit,
	).Scan(&flows).Error
	if err != nil {
		return nil, err
	}
	return flows, nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Flow, error) {
	var flows []domain.Flow
	err := db.WithContext(ctx).Raw(
		`SELECT `+flowColumns+` FROM payment_flows
		 WHERE reconciled_at IS NULL
			AND ((status = 'pending' AND expires_at < ?)
				OR (status = 'failed' AND payment_id IS NOT NULL AND resolved_at < ?))
		 ORDER BY created_at ASC
		 LIMIT ?`,
		before, before, limit,
	).Scan(&flows).Error
	if err != nil {
		return nil, err
	}
	return flows, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
