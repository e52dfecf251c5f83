package testutil

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/domain"
)

// NewTestDB opens an in-memory repository with every migration applied.
// The caller closes it.
func NewTestDB() (*db.Repository, error) {
	repo, err := db.NewRepository(db.MemoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	return repo, nil
}

// SeedUser inserts a user with the given role. The username is the id.
func SeedUser(repo *db.Repository, id string, role domain.Role) (*domain.User, error) {
	u := &domain.User{ID: id, Username: id, Role: role}
	if err := repo.CreateUser(context.Background(), u); err != nil {
		return nil, err
	}
	return u, nil
}

// SeedStaff inserts the usual trio of test users: "admin", "staff" and "alice".
func SeedStaff(repo *db.Repository) error {
	for id, role := range map[string]domain.Role{
		"admin": domain.RoleAdmin,
		"staff": domain.RoleStaff,
		"alice": domain.RoleUser,
	} {
		if _, err := SeedUser(repo, id, role); err != nil {
			return err
		}
	}
	return nil
}

// SeedRequests stores each request as-is, items included.
func SeedRequests(repo *db.Repository, reqs ...*domain.Request) error {
	for _, r := range reqs {
		if err := repo.CreateRequest(context.Background(), r); err != nil {
			return fmt.Errorf("failed to seed request %s: %w", r.ID, err)
		}
	}
	return nil
}

// CountEventsByType counts persisted events of a given type.
func CountEventsByType(sqlDB *sql.DB, eventType domain.EventType) (int, error) {
	var count int
	err := sqlDB.QueryRow("SELECT COUNT(*) FROM events WHERE event_type = ?", eventType).Scan(&count)
	return count, err
}

// ClearAllTables removes all rows, children first.
func ClearAllTables(sqlDB *sql.DB) error {
	tables := []string{"notification_log", "notification_endpoints", "request_items", "requests", "events", "settings", "users"}
	for _, table := range tables {
		if _, err := sqlDB.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
