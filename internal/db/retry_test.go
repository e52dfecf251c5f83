package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"
)

func newScratchDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	return db
}

// =============================================================================
// IsBusy
// =============================================================================

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_BUSY: database busy"), true},
		{errors.New("database is locked (5)"), true},
		{errors.New("UNIQUE constraint failed"), false},
	}
	for _, tt := range tests {
		if got := IsBusy(tt.err); got != tt.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestBackoff(t *testing.T) {
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		if got := backoff(i); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w)
		}
	}
}

// =============================================================================
// ExecWithRetry / QueryWithRetry
// =============================================================================

func TestExecWithRetry_Success(t *testing.T) {
	db := newScratchDB(t)

	res, err := ExecWithRetry(db, `INSERT INTO kv (k, v) VALUES (?, ?)`, "a", 1)
	if err != nil {
		t.Fatalf("ExecWithRetry: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("RowsAffected = %d", n)
	}
}

func TestExecWithRetry_NonRetryableErrorReturnsImmediately(t *testing.T) {
	db := newScratchDB(t)
	_, _ = db.Exec(`INSERT INTO kv (k, v) VALUES ('a', 1)`)

	start := time.Now()
	_, err := ExecWithRetry(db, `INSERT INTO kv (k, v) VALUES ('a', 2)`)
	if err == nil {
		t.Fatal("expected constraint error")
	}
	if strings.Contains(err.Error(), "retries") {
		t.Errorf("constraint errors must not be retried: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("non-busy error should not back off")
	}
}

func TestQueryWithRetry(t *testing.T) {
	db := newScratchDB(t)
	for i, k := range []string{"a", "b", "c"} {
		_, _ = db.Exec(`INSERT INTO kv (k, v) VALUES (?, ?)`, k, i)
	}

	rows, err := QueryWithRetry(context.Background(), db, `SELECT k FROM kv WHERE v >= ? ORDER BY k`, 1)
	if err != nil {
		t.Fatalf("QueryWithRetry: %v", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			t.Fatal(err)
		}
		keys = append(keys, k)
	}
	if strings.Join(keys, ",") != "b,c" {
		t.Errorf("keys = %v", keys)
	}
}

func TestQueryWithRetry_SyntaxError(t *testing.T) {
	db := newScratchDB(t)
	if _, err := QueryWithRetry(context.Background(), db, `SELEC nonsense`); err == nil {
		t.Error("expected syntax error")
	}
}

// =============================================================================
// WithTx
// =============================================================================

func TestWithTx_Commits(t *testing.T) {
	db := newScratchDB(t)

	err := WithTx(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('x', 1)`); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('y', 2)`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	var n int
	_ = db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n)
	if n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := newScratchDB(t)
	boom := errors.New("boom")

	err := WithTx(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('x', 1)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	_ = db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n)
	if n != 0 {
		t.Errorf("rollback left %d rows", n)
	}
}

func TestWithTx_RetriesBusy(t *testing.T) {
	db := newScratchDB(t)
	calls := 0

	err := WithTx(context.Background(), db, func(tx *sql.Tx) error {
		calls++
		if calls == 1 {
			return errors.New("database is locked")
		}
		_, err := tx.Exec(`INSERT INTO kv (k, v) VALUES ('z', 1)`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
}

func TestSleepCtx_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
