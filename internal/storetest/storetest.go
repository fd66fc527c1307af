// Package storetest opens an in-memory SQLite datastore carrying the escrow schema for tests.
package storetest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var seq atomic.Int64

var schema = []string{
	`CREATE TABLE profiles (
		id TEXT PRIMARY KEY,
		pi_uid TEXT NOT NULL,
		username TEXT NOT NULL,
		wallet_address TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX ux_profiles_pi_uid ON profiles (pi_uid)`,
	`CREATE TABLE tasks (
		id TEXT PRIMARY KEY,
		creator_id TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE bids (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		bidder_id TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX ux_bids_one_accepted_per_task ON bids (task_id) WHERE status = 'accepted'`,
	`CREATE TABLE task_submissions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		submitter_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE payment_flows (
		id TEXT PRIMARY KEY,
		actor_uid TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		memo TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		payment_id TEXT,
		txid TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		failure_code TEXT,
		expires_at DATETIME NOT NULL,
		resolved_at DATETIME,
		settled_at DATETIME,
		reconciled_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payment_flows_payment_id ON payment_flows (payment_id) WHERE payment_id IS NOT NULL`,
	`CREATE TABLE escrow_payments (
		id BIGINT PRIMARY KEY,
		task_id TEXT NOT NULL,
		bid_id TEXT,
		amount NUMERIC NOT NULL,
		payment_id TEXT NOT NULL,
		txid TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		release_payment_id TEXT,
		release_txid TEXT,
		funded_at DATETIME,
		released_at DATETIME,
		voided_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_escrow_payments_payment_id ON escrow_payments (payment_id)`,
	`CREATE UNIQUE INDEX ux_escrow_payments_active_task ON escrow_payments (task_id) WHERE status NOT IN ('refunded', 'voided')`,
	`CREATE UNIQUE INDEX ux_escrow_payments_release_payment_id ON escrow_payments (release_payment_id) WHERE release_payment_id IS NOT NULL`,
	`CREATE TRIGGER trg_escrow_payments_amount_immutable
		BEFORE UPDATE OF amount ON escrow_payments
		WHEN NEW.amount <> OLD.amount
		BEGIN
			SELECT RAISE(ABORT, 'escrow amount is immutable');
		END`,
	`CREATE TABLE payment_locks (
		lock_key TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
}

// Open returns a private in-memory database. A single connection serializes transactions
// the way row locks would on postgres.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

func Exec(t testing.TB, db *gorm.DB, query string, args ...any) {
	t.Helper()
	if err := db.Exec(query, args...).Error; err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func InsertProfile(t testing.TB, db *gorm.DB, id, piUID string) {
	t.Helper()
	Exec(t, db, `INSERT INTO profiles (id, pi_uid, username) VALUES (?, ?, ?)`, id, piUID, "user_"+piUID)
}

func InsertTask(t testing.TB, db *gorm.DB, id, creatorID, status string) {
	t.Helper()
	Exec(t, db, `INSERT INTO tasks (id, creator_id, title, status) VALUES (?, ?, ?, ?)`, id, creatorID, "task "+id, status)
}

func InsertBid(t testing.TB, db *gorm.DB, id, taskID, bidderID, amount, status string) {
	t.Helper()
	Exec(t, db, `INSERT INTO bids (id, task_id, bidder_id, amount, status) VALUES (?, ?, ?, ?, ?)`, id, taskID, bidderID, amount, status)
}

func InsertSubmission(t testing.TB, db *gorm.DB, id, taskID, submitterID, status string) {
	t.Helper()
	Exec(t, db, `INSERT INTO task_submissions (id, task_id, submitter_id, status) VALUES (?, ?, ?, ?)`, id, taskID, submitterID, status)
}

func QueryString(t testing.TB, db *gorm.DB, query string, args ...any) string {
	t.Helper()
	var out string
	if err := db.Raw(query, args...).Scan(&out).Error; err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return out
}

func QueryInt(t testing.TB, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var out int64
	if err := db.Raw(query, args...).Scan(&out).Error; err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return out
}
