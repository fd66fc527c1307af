package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func observeGlobal(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func statement(sql string) func() (string, int64) {
	return func() (string, int64) { return sql, 1 }
}

func TestGormLoggerDemotesContendedLock(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(DefaultGormLoggerConfig(false))

	err := errors.New("UNIQUE constraint failed: payment_locks.lock_key")
	l.Trace(context.Background(), time.Now(), statement(`INSERT INTO payment_locks (lock_key, token, expires_at) VALUES (?, ?, ?)`), err)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "db.lock_contended", entries[0].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "payment_locks", entries[0].ContextMap()["table"])
}

func TestGormLoggerReportsOtherFailures(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(DefaultGormLoggerConfig(false))

	err := errors.New("UNIQUE constraint failed: escrow_payments.payment_id")
	l.Trace(context.Background(), time.Now(), statement(`INSERT INTO escrow_payments (id, task_id) VALUES (?, ?)`), err)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "db.query", entries[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "INSERT", entries[0].ContextMap()["operation"])
	assert.Equal(t, "escrow_payments", entries[0].ContextMap()["table"])
}

func TestGormLoggerSkipsSuccessfulStatementsOutsideDebug(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(DefaultGormLoggerConfig(false))

	l.Trace(context.Background(), time.Now(), statement(`SELECT * FROM payment_flows WHERE id = ?`), nil)
	l.Trace(context.Background(), time.Now(), statement(`SELECT * FROM payment_flows WHERE id = ?`), gormlogger.ErrRecordNotFound)
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestTableFromSQL(t *testing.T) {
	assert.Equal(t, "payment_flows", tableFromSQL("UPDATE payment_flows SET status = ?"))
	assert.Equal(t, "escrow_payments", tableFromSQL("SELECT e.* FROM escrow_payments e JOIN tasks t ON t.id = e.task_id"))
	assert.Equal(t, "", tableFromSQL("BEGIN"))
}
