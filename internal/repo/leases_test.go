package repo_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"storyline/internal/db"
	"storyline/internal/migrate"
	"storyline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Up(conn); err != nil {
		t.Fatal(err)
	}
	return repo.Repo{DB: conn}
}

func TestLeaseSingleWriter(t *testing.T) {
	r := newRepo(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := r.AcquireLease(r.DB, "billing", "runner-1", now, time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Re-acquiring one's own lease extends it.
	if err := r.AcquireLease(r.DB, "billing", "runner-1", now.Add(30*time.Second), time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	err := r.AcquireLease(r.DB, "billing", "runner-2", now.Add(time.Minute), time.Minute)
	if !errors.Is(err, repo.ErrLeaseHeld) {
		t.Fatalf("err = %v, want ErrLeaseHeld while lease is live", err)
	}
	// Expired leases are taken over.
	if err := r.AcquireLease(r.DB, "billing", "runner-2", now.Add(5*time.Minute), time.Minute); err != nil {
		t.Fatalf("takeover after expiry: %v", err)
	}
}

func TestLeaseRelease(t *testing.T) {
	r := newRepo(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := r.AcquireLease(r.DB, "billing", "runner-1", now, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := r.ReleaseLease(r.DB, "billing", "runner-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.AcquireLease(r.DB, "billing", "runner-2", now, time.Hour); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestDomainConfigRoundTrip(t *testing.T) {
	r := newRepo(t)
	if _, err := r.GetDomainConfig(r.DB, "billing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := r.SaveDomainConfig(r.DB, "billing", "domain: billing\n", "2026-01-02T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	raw, err := r.GetDomainConfig(r.DB, "billing")
	if err != nil {
		t.Fatal(err)
	}
	if raw != "domain: billing\n" {
		t.Fatalf("config = %q", raw)
	}
}
