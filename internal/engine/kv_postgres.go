package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresKVTableName      = "notioncal_kv"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresKV is the durable KV backend. TTL is modeled as an expires_at
// column; expired rows are treated as absent and overwritten in place, so
// SetNX stays atomic under concurrent insert attempts.
type PostgresKV struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresKV(dsn string) (*PostgresKV, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresKV{
		dsn:       dsn,
		tableName: postgresKVTableName,
		openDB:    sql.Open,
	}, nil
}

func (kv *PostgresKV) ensureReady() error {
	if kv == nil {
		return ErrInvalidInput
	}
	kv.initOnce.Do(func() {
		db, err := kv.openDB("postgres", kv.dsn)
		if err != nil {
			kv.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kv_key TEXT PRIMARY KEY,
				kv_value TEXT NOT NULL,
				expires_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(kv.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			kv.initErr = err
			return
		}
		kv.db = db
	})
	return kv.initErr
}

func (kv *PostgresKV) Get(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidInput
	}
	if err := kv.ensureReady(); err != nil {
		return "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT kv_value FROM %s
		WHERE kv_key = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		postgresQuoteIdentifier(kv.tableName))
	var value string
	err := kv.db.QueryRowContext(opCtx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (kv *PostgresKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := kv.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (kv_key, kv_value, expires_at, updated_at)
		VALUES ($1, $2, %s, NOW())
		ON CONFLICT (kv_key)
		DO UPDATE SET kv_value = EXCLUDED.kv_value, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		postgresQuoteIdentifier(kv.tableName), expiresExpr(ttl))
	_, err := kv.db.ExecContext(opCtx, query, key, value)
	return err
}

func (kv *PostgresKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidInput
	}
	if err := kv.ensureReady(); err != nil {
		return false, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// The conditional DO UPDATE claims rows whose previous entry has
	// expired; the WHERE clause makes the claim atomic per key.
	query := fmt.Sprintf(`
		INSERT INTO %s (kv_key, kv_value, expires_at, updated_at)
		VALUES ($1, $2, %s, NOW())
		ON CONFLICT (kv_key) DO UPDATE
		SET kv_value = EXCLUDED.kv_value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
		WHERE %s.expires_at IS NOT NULL AND %s.expires_at <= NOW()`,
		postgresQuoteIdentifier(kv.tableName), expiresExpr(ttl),
		postgresQuoteIdentifier(kv.tableName), postgresQuoteIdentifier(kv.tableName))
	result, err := kv.db.ExecContext(opCtx, query, key, value)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (kv *PostgresKV) Delete(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := kv.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE kv_key = $1", postgresQuoteIdentifier(kv.tableName))
	_, err := kv.db.ExecContext(opCtx, query, key)
	return err
}

func (kv *PostgresKV) Close() error {
	if kv == nil || kv.db == nil {
		return nil
	}
	return kv.db.Close()
}

func expiresExpr(ttl time.Duration) string {
	if ttl <= 0 {
		return "NULL"
	}
	return fmt.Sprintf("NOW() + INTERVAL '%d milliseconds'", ttl.Milliseconds())
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
