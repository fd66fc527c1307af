package db

import (
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: escrow_payments.task_id")))
	assert.False(t, IsDuplicateKeyErr(errors.New("connection reset")))
	assert.False(t, IsDuplicateKeyErr(nil))
}

func TestIsLockNotAvailable(t *testing.T) {
	assert.True(t, IsLockNotAvailable(&pgconn.PgError{Code: "55P03"}))
	assert.False(t, IsLockNotAvailable(&pgconn.PgError{Code: "23505"}))
}

func TestPostgresDSNInjectsDatastoreKey(t *testing.T) {
	dsn, err := postgresDSN("postgres://escrow@db.internal:5432/escrow?sslmode=disable", "s3cr3t")
	require.NoError(t, err)

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	password, _ := u.User.Password()
	assert.Equal(t, "escrow", u.User.Username())
	assert.Equal(t, "s3cr3t", password)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.Equal(t, "UTC", u.Query().Get("TimeZone"))
}

func TestPostgresDSNRejectsOtherSchemes(t *testing.T) {
	_, err := postgresDSN("https://project.supabase.co", "key")
	require.Error(t, err)
}

func TestMySQLDSNInjectsDatastoreKey(t *testing.T) {
	dsn, err := mysqlDSN("escrow@tcp(db:3306)/escrow", "s3cr3t")
	require.NoError(t, err)
	assert.Contains(t, dsn, "escrow:s3cr3t@tcp(db:3306)/escrow")
	assert.Contains(t, dsn, "parseTime=true")
}

func TestDialectRejectsUnknownType(t *testing.T) {
	_, err := Dialect(Config{Type: "oracle"})
	require.Error(t, err)
}
