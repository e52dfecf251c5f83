package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mescon/Requestarr/internal/logger"
)

// IsBusy reports whether err is SQLite's "database is locked" condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// backoff returns the wait before retry attempt+1: 100ms, 200ms, 400ms, ...
func backoff(attempt int) time.Duration {
	return RetryDelay * time.Duration(1<<attempt)
}

// ExecWithRetry executes a statement, retrying on SQLITE_BUSY with exponential backoff.
func ExecWithRetry(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	return ExecWithRetryContext(context.Background(), db, query, args...)
}

// ExecWithRetryContext is ExecWithRetry bounded by ctx.
func ExecWithRetryContext(ctx context.Context, db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error

	for attempt := 0; attempt < MaxRetries; attempt++ {
		result, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return result, nil
		}
		if !IsBusy(err) {
			return nil, err
		}
		if attempt < MaxRetries-1 {
			delay := backoff(attempt)
			logger.Debugf("Database busy, retrying in %v (attempt %d/%d)", delay, attempt+1, MaxRetries)
			if werr := sleepCtx(ctx, delay); werr != nil {
				return nil, werr
			}
		}
	}

	return nil, fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

// QueryWithRetry runs a query, retrying on SQLITE_BUSY.
func QueryWithRetry(ctx context.Context, db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error

	for attempt := 0; attempt < MaxRetries; attempt++ {
		rows, err = db.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}
		if !IsBusy(err) {
			return nil, err
		}
		if attempt < MaxRetries-1 {
			delay := backoff(attempt)
			logger.Debugf("Database busy on query, retrying in %v (attempt %d/%d)", delay, attempt+1, MaxRetries)
			if werr := sleepCtx(ctx, delay); werr != nil {
				return nil, werr
			}
		}
	}

	return nil, fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

// WithTx runs fn inside a transaction, committing if fn returns nil.
// A busy failure to begin or commit restarts the whole transaction.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		err = runTx(ctx, db, fn)
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt < MaxRetries-1 {
			delay := backoff(attempt)
			logger.Debugf("Database busy in transaction, retrying in %v (attempt %d/%d)", delay, attempt+1, MaxRetries)
			if werr := sleepCtx(ctx, delay); werr != nil {
				return werr
			}
		}
	}
	return fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
