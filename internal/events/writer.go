package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event type names emitted by the coordinator.
const (
	TypePRDImported    = "prd.imported"
	TypeStoryStarted   = "story.started"
	TypeAttemptLogged  = "story.attempt"
	TypeStoryComplete  = "story.complete"
	TypeStoryStuck     = "story.stuck"
	TypeStoryBlocked   = "story.blocked"
	TypeStoryReset     = "story.reset"
	TypeStorySkipped   = "story.skipped"
	TypePRDComplete    = "prd.complete"
	TypeDomainComplete = "domain.complete"
)

// Payload is arbitrary structured event detail, stored as JSON.
type Payload map[string]any

// Writer appends coordinator events. Append participates in the caller's
// transaction so an event is only visible if the state change it records
// committed.
type Writer struct {
	Now func() time.Time
}

// Execer is satisfied by *sql.Tx and *sql.DB.
type Execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// Append writes one event row.
func (w Writer) Append(tx Execer, typ, domain, entityKind, entityID, actorID string, payload Payload) error {
	body := []byte("{}")
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	_, err := tx.Exec(
		`INSERT INTO events (ts, type, domain, entity_kind, entity_id, actor_id, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.now().Format(time.RFC3339Nano), typ, domain, entityKind, entityID, actorID, string(body),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", typ, err)
	}
	return nil
}
