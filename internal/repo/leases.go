package repo

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storyline/internal/domain"
)

// ErrLeaseHeld is returned when another coordinator holds a domain's
// lease.
var ErrLeaseHeld = errors.New("lease held")

// AcquireLease takes the single-writer lease for a domain. A lease held
// by another holder fails until it expires; re-acquiring one's own lease
// extends it.
func (r Repo) AcquireLease(q DBTX, dom, holder string, now time.Time, ttl time.Duration) error {
	expires := NowRFC3339(now.Add(ttl))
	var curHolder, curExpires string
	err := q.QueryRow(`SELECT holder, expires_at FROM leases WHERE domain = ?`, dom).
		Scan(&curHolder, &curExpires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := q.Exec(`INSERT INTO leases (domain, holder, expires_at) VALUES (?, ?, ?)`,
			dom, holder, expires)
		if err != nil {
			return fmt.Errorf("acquire lease %s: %w", dom, err)
		}
		return nil
	case err != nil:
		return err
	}
	if curHolder != holder {
		exp, perr := time.Parse(time.RFC3339Nano, curExpires)
		if perr == nil && exp.After(now) {
			return fmt.Errorf("%w: domain %s held by %s until %s", ErrLeaseHeld, dom, curHolder, curExpires)
		}
	}
	_, err = q.Exec(`UPDATE leases SET holder = ?, expires_at = ? WHERE domain = ?`,
		holder, expires, dom)
	if err != nil {
		return fmt.Errorf("take over lease %s: %w", dom, err)
	}
	return nil
}

// ReleaseLease drops the lease if this holder owns it.
func (r Repo) ReleaseLease(q DBTX, dom, holder string) error {
	_, err := q.Exec(`DELETE FROM leases WHERE domain = ? AND holder = ?`, dom, holder)
	return err
}

// SaveDomainConfig stores the effective config YAML for a domain so
// other tools can read it without the workspace file.
func (r Repo) SaveDomainConfig(q DBTX, dom, configYAML, updatedAt string) error {
	_, err := q.Exec(
		`INSERT INTO domain_configs (domain, config_yaml, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET config_yaml = excluded.config_yaml,
		   updated_at = excluded.updated_at`,
		dom, configYAML, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save domain config %s: %w", dom, err)
	}
	return nil
}

func (r Repo) GetDomainConfig(q DBTX, dom string) (string, error) {
	var raw string
	err := q.QueryRow(`SELECT config_yaml FROM domain_configs WHERE domain = ?`, dom).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return raw, err
}

// ListSignals returns every completion signal, oldest first.
func (r Repo) ListSignals(q DBTX) ([]domain.Signal, error) {
	rows, err := q.Query(`SELECT entity_kind, entity_id, ts FROM signals ORDER BY ts ASC, entity_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Signal
	for rows.Next() {
		var s domain.Signal
		if err := rows.Scan(&s.EntityKind, &s.EntityID, &s.TS); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
