package repo

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"storyline/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by *sql.DB and *sql.Tx. Mutating methods take it so
// engine operations can group state changes and their events in one
// transaction.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Repo is the SQLite persistence layer.
type Repo struct {
	DB *sql.DB
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func marshalList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func unmarshalList(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// --- PRDs ---

func (r Repo) InsertPRD(q DBTX, p domain.PRD) error {
	_, err := q.Exec(
		`INSERT INTO prds (id, domain, name, phase, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Domain, p.Name, p.Phase, p.Priority, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert prd %s: %w", p.ID, err)
	}
	for _, dep := range p.DependsOn {
		if _, err := q.Exec(
			`INSERT INTO prd_deps (prd_id, depends_on) VALUES (?, ?)`, p.ID, dep,
		); err != nil {
			return fmt.Errorf("insert prd dep %s -> %s: %w", p.ID, dep, err)
		}
	}
	return nil
}

func (r Repo) scanPRD(row *sql.Row) (domain.PRD, error) {
	var p domain.PRD
	err := row.Scan(&p.ID, &p.Domain, &p.Name, &p.Phase, &p.Priority, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PRD{}, ErrNotFound
	}
	if err != nil {
		return domain.PRD{}, err
	}
	return p, nil
}

func (r Repo) GetPRD(q DBTX, id string) (domain.PRD, error) {
	p, err := r.scanPRD(q.QueryRow(
		`SELECT id, domain, name, phase, priority, created_at FROM prds WHERE id = ?`, id,
	))
	if err != nil {
		return domain.PRD{}, err
	}
	p.DependsOn, err = r.prdDeps(q, id)
	return p, err
}

func (r Repo) prdDeps(q DBTX, id string) ([]string, error) {
	rows, err := q.Query(`SELECT depends_on FROM prd_deps WHERE prd_id = ? ORDER BY depends_on`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// ListPRDs returns the PRDs of a domain ordered by priority then creation.
func (r Repo) ListPRDs(q DBTX, dom string) ([]domain.PRD, error) {
	rows, err := q.Query(
		`SELECT id, domain, name, phase, priority, created_at FROM prds
		 WHERE domain = ? ORDER BY priority ASC, created_at ASC, id ASC`, dom,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PRD
	for rows.Next() {
		var p domain.PRD
		if err := rows.Scan(&p.ID, &p.Domain, &p.Name, &p.Phase, &p.Priority, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].DependsOn, err = r.prdDeps(q, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- Stories ---

const storyCols = `id, prd_id, position, title, acceptance_json, status,
	estimated_iterations, iterations_used, created_at, updated_at, completed_at`

func (r Repo) InsertStory(q DBTX, s domain.Story) error {
	_, err := q.Exec(
		`INSERT INTO stories (id, prd_id, position, title, acceptance_json, status,
		   estimated_iterations, iterations_used, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.PRDID, s.Position, s.Title, marshalList(s.AcceptanceCriteria), s.Status,
		s.EstimatedIterations, s.IterationsUsed, s.CreatedAt, s.UpdatedAt, nil,
	)
	if err != nil {
		return fmt.Errorf("insert story %s: %w", s.ID, err)
	}
	return nil
}

// InsertStoryDeps records a story's dependencies. Called after every
// story row exists so forward references within one import resolve.
func (r Repo) InsertStoryDeps(q DBTX, storyID string, deps []string) error {
	for _, dep := range deps {
		if _, err := q.Exec(
			`INSERT INTO story_deps (story_id, depends_on) VALUES (?, ?)`, storyID, dep,
		); err != nil {
			return fmt.Errorf("insert story dep %s -> %s: %w", storyID, dep, err)
		}
	}
	return nil
}

func scanStory(scan func(dest ...any) error) (domain.Story, error) {
	var s domain.Story
	var acceptance string
	var completed sql.NullString
	err := scan(&s.ID, &s.PRDID, &s.Position, &s.Title, &acceptance, &s.Status,
		&s.EstimatedIterations, &s.IterationsUsed, &s.CreatedAt, &s.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Story{}, ErrNotFound
	}
	if err != nil {
		return domain.Story{}, err
	}
	s.AcceptanceCriteria = unmarshalList(acceptance)
	s.CompletedAt = strPtr(completed)
	return s, nil
}

func (r Repo) GetStory(q DBTX, id string) (domain.Story, error) {
	s, err := scanStory(q.QueryRow(`SELECT `+storyCols+` FROM stories WHERE id = ?`, id).Scan)
	if err != nil {
		return domain.Story{}, err
	}
	s.Dependencies, err = r.StoryDeps(q, id)
	return s, err
}

func (r Repo) StoryDeps(q DBTX, id string) ([]string, error) {
	rows, err := q.Query(`SELECT depends_on FROM story_deps WHERE story_id = ? ORDER BY depends_on`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// StoryFilters narrows ListStories.
type StoryFilters struct {
	PRDID  string
	Status string
}

func (r Repo) ListStories(q DBTX, f StoryFilters) ([]domain.Story, error) {
	var where []string
	var args []any
	if f.PRDID != "" {
		where = append(where, "prd_id = ?")
		args = append(args, f.PRDID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + storyCols + ` FROM stories`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY prd_id, position"
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Story
	for rows.Next() {
		s, err := scanStory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Dependencies, err = r.StoryDeps(q, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DomainStories returns every story of a domain's PRDs, PRDs ordered by
// priority then creation, stories by declaration position within a PRD.
func (r Repo) DomainStories(q DBTX, dom string) ([]domain.Story, error) {
	rows, err := q.Query(
		`SELECT s.id, s.prd_id, s.position, s.title, s.acceptance_json, s.status,
		        s.estimated_iterations, s.iterations_used, s.created_at, s.updated_at, s.completed_at
		 FROM stories s JOIN prds p ON p.id = s.prd_id
		 WHERE p.domain = ?
		 ORDER BY p.priority ASC, p.created_at ASC, p.id ASC, s.position ASC`, dom,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Story
	for rows.Next() {
		s, err := scanStory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Dependencies, err = r.StoryDeps(q, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r Repo) SetStoryStatus(q DBTX, id, status, updatedAt string) error {
	res, err := q.Exec(`UPDATE stories SET status = ?, updated_at = ? WHERE id = ?`, status, updatedAt, id)
	if err != nil {
		return fmt.Errorf("set story status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CompleteStory(q DBTX, id, at string) error {
	res, err := q.Exec(
		`UPDATE stories SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		domain.StatusComplete, at, at, id,
	)
	if err != nil {
		return fmt.Errorf("complete story: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IncrementIterations(q DBTX, id, updatedAt string) error {
	res, err := q.Exec(
		`UPDATE stories SET iterations_used = iterations_used + 1, updated_at = ? WHERE id = ?`,
		updatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("increment iterations: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetStory returns a blocked story to pending with counters cleared and
// its attempt history discarded.
func (r Repo) ResetStory(q DBTX, id, updatedAt string) error {
	res, err := q.Exec(
		`UPDATE stories SET status = ?, iterations_used = 0, completed_at = NULL, updated_at = ?
		 WHERE id = ?`,
		domain.StatusPending, updatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("reset story: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := q.Exec(`DELETE FROM attempts WHERE story_id = ?`, id); err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	return nil
}

// --- Attempts ---

func (r Repo) InsertAttempt(q DBTX, a domain.Attempt) error {
	_, err := q.Exec(
		`INSERT INTO attempts (id, story_id, number, alternative, outcome, signature, detail, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StoryID, a.Number, a.Alternative, a.Outcome, a.Signature, a.Detail, a.TS,
	)
	if err != nil {
		return fmt.Errorf("insert attempt %s: %w", a.ID, err)
	}
	return nil
}

// ListAttempts returns a story's attempts in order.
func (r Repo) ListAttempts(q DBTX, storyID string) ([]domain.Attempt, error) {
	rows, err := q.Query(
		`SELECT id, story_id, number, alternative, outcome, signature, detail, ts
		 FROM attempts WHERE story_id = ? ORDER BY number ASC`, storyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		if err := rows.Scan(&a.ID, &a.StoryID, &a.Number, &a.Alternative, &a.Outcome,
			&a.Signature, &a.Detail, &a.TS); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Blockers ---

func (r Repo) InsertBlocker(q DBTX, b domain.Blocker) error {
	var escalatedAt any
	if b.EscalatedAt != nil {
		escalatedAt = *b.EscalatedAt
	}
	_, err := q.Exec(
		`INSERT INTO blockers (id, domain, story_id, reason, remedies_json, escalated, escalated_at, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Domain, b.StoryID, b.Reason, marshalList(b.AttemptedRemedies), b.Escalated, escalatedAt, b.TS,
	)
	if err != nil {
		return fmt.Errorf("insert blocker %s: %w", b.ID, err)
	}
	return nil
}

func (r Repo) ListBlockers(q DBTX, dom string) ([]domain.Blocker, error) {
	rows, err := q.Query(
		`SELECT id, domain, story_id, reason, remedies_json, escalated, escalated_at, ts
		 FROM blockers WHERE domain = ? ORDER BY ts ASC, id ASC`, dom,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Blocker
	for rows.Next() {
		var b domain.Blocker
		var remedies string
		var escalatedAt sql.NullString
		if err := rows.Scan(&b.ID, &b.Domain, &b.StoryID, &b.Reason, &remedies,
			&b.Escalated, &escalatedAt, &b.TS); err != nil {
			return nil, err
		}
		b.AttemptedRemedies = unmarshalList(remedies)
		if b.AttemptedRemedies == nil {
			b.AttemptedRemedies = []string{}
		}
		b.EscalatedAt = strPtr(escalatedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Progress ---

// TouchProgress updates a domain's progress header, creating it on first
// touch. Only the header is rewritten; notes are append-only.
func (r Repo) TouchProgress(q DBTX, dom, at, stage, story string) error {
	_, err := q.Exec(
		`INSERT INTO progress (domain, started, last_updated, current_stage, current_story)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
		   last_updated = excluded.last_updated,
		   current_stage = excluded.current_stage,
		   current_story = excluded.current_story`,
		dom, at, at, stage, story,
	)
	if err != nil {
		return fmt.Errorf("touch progress %s: %w", dom, err)
	}
	return nil
}

func (r Repo) GetProgress(q DBTX, dom string) (domain.Progress, error) {
	var p domain.Progress
	err := q.QueryRow(
		`SELECT domain, started, last_updated, current_stage, current_story
		 FROM progress WHERE domain = ?`, dom,
	).Scan(&p.Domain, &p.Started, &p.LastUpdated, &p.CurrentStage, &p.CurrentStory)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Progress{}, ErrNotFound
	}
	return p, err
}

func (r Repo) AppendProgressNote(q DBTX, dom, ts, note string) error {
	_, err := q.Exec(
		`INSERT INTO progress_notes (domain, ts, note) VALUES (?, ?, ?)`, dom, ts, note,
	)
	if err != nil {
		return fmt.Errorf("append progress note: %w", err)
	}
	return nil
}

func (r Repo) ListProgressNotes(q DBTX, dom string, limit int) ([]domain.ProgressNote, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.Query(
		`SELECT id, domain, ts, note FROM progress_notes
		 WHERE domain = ? ORDER BY id DESC LIMIT ?`, dom, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ProgressNote
	for rows.Next() {
		var n domain.ProgressNote
		if err := rows.Scan(&n.ID, &n.Domain, &n.TS, &n.Note); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- Substages ---

func (r Repo) UpsertSubstage(q DBTX, s domain.Substage) error {
	_, err := q.Exec(
		`INSERT INTO substages (story_id, stage, status, ts) VALUES (?, ?, ?, ?)
		 ON CONFLICT(story_id, stage) DO UPDATE SET status = excluded.status, ts = excluded.ts`,
		s.StoryID, s.Stage, s.Status, s.TS,
	)
	if err != nil {
		return fmt.Errorf("upsert substage %s/%s: %w", s.StoryID, s.Stage, err)
	}
	return nil
}

func (r Repo) ListSubstages(q DBTX, storyID string) ([]domain.Substage, error) {
	rows, err := q.Query(
		`SELECT story_id, stage, status, ts FROM substages WHERE story_id = ? ORDER BY ts ASC, stage ASC`,
		storyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Substage
	for rows.Next() {
		var s domain.Substage
		if err := rows.Scan(&s.StoryID, &s.Stage, &s.Status, &s.TS); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Signals ---

// SignalOnce records a completion signal and reports whether this call
// created it. A repeated signal for the same entity is a no-op.
func (r Repo) SignalOnce(q DBTX, kind, id, ts string) (bool, error) {
	res, err := q.Exec(
		`INSERT INTO signals (entity_kind, entity_id, ts) VALUES (?, ?, ?)
		 ON CONFLICT(entity_kind, entity_id) DO NOTHING`,
		kind, id, ts,
	)
	if err != nil {
		return false, fmt.Errorf("signal %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) HasSignal(q DBTX, kind, id string) (bool, error) {
	var n int
	err := q.QueryRow(
		`SELECT COUNT(1) FROM signals WHERE entity_kind = ? AND entity_id = ?`, kind, id,
	).Scan(&n)
	return n > 0, err
}

// --- Events ---

// ListEvents pages forward through the event log. afterID 0 starts from
// the beginning; the returned cursor is the last event's id.
func (r Repo) ListEvents(q DBTX, dom string, afterID int64, limit int) ([]domain.Event, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var where []string
	args := []any{}
	if dom != "" {
		where = append(where, "domain = ?")
		args = append(args, dom)
	}
	where = append(where, "id > ?")
	args = append(args, afterID, limit)
	rows, err := q.Query(
		`SELECT id, ts, type, domain, entity_kind, entity_id, actor_id, payload_json
		 FROM events WHERE `+strings.Join(where, " AND ")+` ORDER BY id ASC LIMIT ?`, args...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []domain.Event
	var cursor int64
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Domain, &e.EntityKind,
			&e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, 0, err
		}
		cursor = e.ID
		out = append(out, e)
	}
	return out, cursor, rows.Err()
}

// NowRFC3339 formats a clock reading the way every timestamp column
// stores it.
func NowRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
