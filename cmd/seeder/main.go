// Command seeder fills a Requestarr database with demo users and requests.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/domain"
)

type seedItem struct {
	season, episode *int
	status          domain.Status
}

type seedRequest struct {
	typ    domain.RequestType
	tmdbID int64
	tvdbID int64
	title  string
	status domain.Status
	reason string
	user   string
	age    time.Duration
	items  []seedItem
}

var seedUsers = []struct {
	id, username string
	role         domain.Role
}{
	{"admin", "admin", domain.RoleAdmin},
	{"mod", "moderator", domain.RoleStaff},
	{"alice", "alice", domain.RoleUser},
	{"bob", "bob", domain.RoleUser},
}

func ep(season, episode int, status domain.Status) seedItem {
	return seedItem{season: &season, episode: &episode, status: status}
}

var seedRequests = []seedRequest{
	{typ: domain.RequestMovie, tmdbID: 27205, title: "Inception", status: domain.StatusPending, user: "alice", age: 2 * time.Hour},
	{typ: domain.RequestMovie, tmdbID: 19995, title: "Avatar", status: domain.StatusDownloading, user: "bob", age: 26 * time.Hour},
	{typ: domain.RequestMovie, tmdbID: 603, title: "The Matrix", status: domain.StatusAvailable, user: "alice", age: 72 * time.Hour},
	{typ: domain.RequestMovie, tmdbID: 550, title: "Fight Club", status: domain.StatusDenied, reason: "not on this server", user: "bob", age: 48 * time.Hour},
	{typ: domain.RequestMovie, tmdbID: 680, title: "Pulp Fiction", status: domain.StatusFailed, reason: "Radarr: connection refused", user: "alice", age: 5 * time.Hour},
	{
		typ: domain.RequestEpisode, tmdbID: 1396, tvdbID: 81189, title: "Breaking Bad",
		status: domain.StatusPartiallyAvailable, user: "alice", age: 30 * time.Hour,
		items: []seedItem{
			ep(1, 1, domain.StatusAvailable),
			ep(1, 2, domain.StatusAvailable),
			ep(1, 3, domain.StatusDownloading),
		},
	},
	{
		typ: domain.RequestEpisode, tmdbID: 1399, tvdbID: 121361, title: "Game of Thrones",
		status: domain.StatusPending, user: "bob", age: 1 * time.Hour,
		items: []seedItem{
			ep(2, 1, domain.StatusPending),
			ep(2, 2, domain.StatusPending),
		},
	},
}

func main() {
	dbPath := flag.String("db", "./requestarr.db", "Path to the Requestarr database")
	flag.Parse()

	// Opening through the repository applies the embedded migrations.
	repo, err := db.NewRepository(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := repo.GracefulClose(); err != nil {
		log.Fatal(err)
	}

	conn, err := sql.Open("sqlite3", *dbPath+"?_foreign_keys=on")
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	fmt.Println("Seeding database...")
	users, reqs, err := seed(conn, time.Now())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Seeding complete: %d users, %d requests.\n", users, reqs)
}

// seed inserts the demo rows in one transaction. Existing users are kept.
func seed(conn *sql.DB, now time.Time) (users, reqs int, err error) {
	tx, err := conn.Begin()
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, u := range seedUsers {
		res, err := tx.Exec(`INSERT OR IGNORE INTO users (id, username, role, push_enabled, created_at) VALUES (?, ?, ?, 0, ?)`,
			u.id, u.username, u.role, db.FormatTime(now))
		if err != nil {
			return 0, 0, fmt.Errorf("insert user %s: %w", u.username, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			users++
		}
	}

	for _, r := range seedRequests {
		id := uuid.New().String()
		created := db.FormatTime(now.Add(-r.age))
		var tvdb interface{}
		if r.tvdbID != 0 {
			tvdb = r.tvdbID
		}
		var reason interface{}
		if r.reason != "" {
			reason = r.reason
		}
		_, err := tx.Exec(`INSERT INTO requests (id, request_type, tmdb_id, tvdb_id, title, status, status_reason, requested_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, r.typ, r.tmdbID, tvdb, r.title, r.status, reason, r.user, created, created)
		if err != nil {
			return 0, 0, fmt.Errorf("insert request %s: %w", r.title, err)
		}

		items := r.items
		provider := domain.ProviderSonarr
		if r.typ == domain.RequestMovie {
			provider = domain.ProviderRadarr
			items = []seedItem{{status: r.status}}
		}
		for _, it := range items {
			if _, err := tx.Exec(`INSERT INTO request_items (request_id, provider, season, episode, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				id, provider, it.season, it.episode, it.status, created); err != nil {
				return 0, 0, fmt.Errorf("insert item for %s: %w", r.title, err)
			}
		}
		reqs++
	}

	return users, reqs, tx.Commit()
}
