package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/escrowd/internal/clock"
	"github.com/smallbiznis/escrowd/pkg/db"
	"gorm.io/gorm"
)

// StoreLocker keeps locks as rows in payment_locks. The primary key is the mutual exclusion;
// an expired row is swept by the next contender.
type StoreLocker struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewStoreLocker(conn *gorm.DB, clk clock.Clock) *StoreLocker {
	if clk == nil {
		clk = clock.New()
	}
	return &StoreLocker{db: conn, clock: clk}
}

func (l *StoreLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.db == nil {
		return "", false, ErrNotConfigured
	}
	if err := validate(key, ttl); err != nil {
		return "", false, err
	}

	now := l.clock.Now()
	token := uuid.NewString()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			`DELETE FROM payment_locks WHERE lock_key = ? AND expires_at <= ?`,
			key, now,
		).Error; err != nil {
			return err
		}
		return tx.Exec(
			`INSERT INTO payment_locks (lock_key, token, expires_at) VALUES (?, ?, ?)`,
			key, token, now.Add(ttl),
		).Error
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return token, true, nil
}

func (l *StoreLocker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.db == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.db.WithContext(ctx).Exec(
		`DELETE FROM payment_locks WHERE lock_key = ? AND token = ?`,
		key, token,
	).Error
}
