package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/domain"
)

func TestSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requestarr.db")

	repo, err := db.NewRepository(path)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	if err := repo.GracefulClose(); err != nil {
		t.Fatalf("GracefulClose: %v", err)
	}

	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	users, reqs, err := seed(conn, time.Now())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if users != len(seedUsers) || reqs != len(seedRequests) {
		t.Errorf("seed() = %d users, %d requests; want %d, %d", users, reqs, len(seedUsers), len(seedRequests))
	}

	// A second run keeps existing users.
	users, _, err = seed(conn, time.Now())
	if err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if users != 0 {
		t.Errorf("second seed inserted %d users, want 0", users)
	}
	conn.Close()

	repo, err = db.NewRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer repo.Close()

	counts, err := repo.CountRequestsByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountRequestsByStatus: %v", err)
	}
	if got := counts[domain.StatusPending]; got != 4 {
		t.Errorf("pending = %d, want 4", got)
	}

	u, err := repo.GetUser(context.Background(), "mod")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Role != domain.RoleStaff {
		t.Errorf("mod role = %s, want staff", u.Role)
	}
}
