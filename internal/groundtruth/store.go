// Package groundtruth persists the authoritative structured representation
// of each event. The store is append-only and idempotent: entries are keyed
// by event identity, re-inserting the same event is a no-op, and
// corrections append a superseding version instead of mutating in place.
package groundtruth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/logsift/internal/types"
)

// ErrNotFound is returned when no entry exists for an identity.
var ErrNotFound = errors.New("not found")

// Entry is one persisted ground-truth row.
type Entry struct {
	ID                    types.RecordID          `json:"id"`
	Identity              types.EventIdentity     `json:"identity"`
	Version               int                     `json:"version"`
	Supersedes            types.RecordID          `json:"supersedes,omitempty"`
	Record                types.StructuredRecord  `json:"record"`
	TopicID               types.TopicID           `json:"topic_id,omitempty"`
	Decision              types.Decision          `json:"decision"`
	NeedsReclassification bool                    `json:"needs_reclassification"`
	CreatedAt             time.Time               `json:"created_at"`
}

// Stats are the operator-visible pipeline counts.
type Stats struct {
	Records               int `json:"records"`
	Matched               int `json:"matched"`
	PendingCandidates     int `json:"pending_candidates"`
	Unclassified          int `json:"unclassified"`
	NeedsReclassification int `json:"needs_reclassification"`
	UnresolvedEvents      int `json:"unresolved_events"`
}

// Store is the SQLite-backed ground-truth store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ground-truth database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id          TEXT PRIMARY KEY,
		identity    TEXT NOT NULL,
		version     INTEGER NOT NULL,
		supersedes  TEXT,
		record      TEXT NOT NULL,
		topic_id    TEXT,
		decision    TEXT NOT NULL,
		needs_reclassification INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL,
		UNIQUE(identity, version)
	);
	CREATE INDEX IF NOT EXISTS idx_records_identity ON records(identity);
	CREATE INDEX IF NOT EXISTS idx_records_topic ON records(topic_id);

	CREATE TABLE IF NOT EXISTS unresolved_events (
		identity    TEXT PRIMARY KEY,
		provider    TEXT NOT NULL,
		message     TEXT NOT NULL,
		observed_at TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PutParams describes one ground-truth insertion.
type PutParams struct {
	Identity              types.EventIdentity
	Record                *types.StructuredRecord
	TopicID               types.TopicID
	Decision              types.Decision
	NeedsReclassification bool
}

// Put inserts the first version for an identity. Re-inserting an identity
// that already has ground truth returns the existing entry with
// created=false, keeping at-least-once processing idempotent.
func (s *Store) Put(ctx context.Context, p PutParams) (*Entry, bool, error) {
	if p.Record == nil {
		return nil, false, fmt.Errorf("nil record")
	}
	recJSON, err := json.Marshal(p.Record)
	if err != nil {
		return nil, false, fmt.Errorf("marshal record: %w", err)
	}

	id := types.NewRecordID()
	now := time.Now().UTC()
	flag := 0
	if p.NeedsReclassification {
		flag = 1
	}
	var topicID any
	if p.TopicID != "" {
		topicID = string(p.TopicID)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (id, identity, version, record, topic_id, decision, needs_reclassification, created_at)
		 VALUES (?, ?, 1, ?, ?, ?, ?, ?)`,
		string(id), string(p.Identity), string(recJSON), topicID, string(p.Decision), flag, now.Format(time.RFC3339))
	if err != nil {
		return nil, false, fmt.Errorf("insert record: %w", err)
	}
	n, _ := res.RowsAffected()
	// The identity now has ground truth; an unresolved-queue entry left over
	// from an earlier failed run is stale.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM unresolved_events WHERE identity = ?`, string(p.Identity)); err != nil {
		return nil, false, fmt.Errorf("clear unresolved event: %w", err)
	}
	entry, err := s.Get(ctx, p.Identity)
	if err != nil {
		return nil, false, err
	}
	return entry, n > 0, nil
}

// Supersede appends a new version for an identity, linking back to the
// version it replaces. The prior version is left untouched.
func (s *Store) Supersede(ctx context.Context, p PutParams) (*Entry, error) {
	if p.Record == nil {
		return nil, fmt.Errorf("nil record")
	}
	recJSON, err := json.Marshal(p.Record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var prevID string
	var prevVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT id, version FROM records WHERE identity = ? ORDER BY version DESC LIMIT 1`,
		string(p.Identity)).Scan(&prevID, &prevVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	id := types.NewRecordID()
	now := time.Now().UTC()
	flag := 0
	if p.NeedsReclassification {
		flag = 1
	}
	var topicID any
	if p.TopicID != "" {
		topicID = string(p.TopicID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (id, identity, version, supersedes, record, topic_id, decision, needs_reclassification, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(id), string(p.Identity), prevVersion+1, prevID, string(recJSON),
		topicID, string(p.Decision), flag, now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert superseding record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, p.Identity)
}

// LinkTopic appends a superseding version that links the latest record for
// an identity to a topic. Used when a pending candidate is confirmed.
func (s *Store) LinkTopic(ctx context.Context, identity types.EventIdentity, topicID types.TopicID) (*Entry, error) {
	latest, err := s.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.Supersede(ctx, PutParams{
		Identity: identity,
		Record:   &latest.Record,
		TopicID:  topicID,
		Decision: types.DecisionMatched,
	})
}

// MarkNeedsReclassification appends a superseding version of the latest
// record with the reclassification flag set, preserving its decision and
// topic link.
func (s *Store) MarkNeedsReclassification(ctx context.Context, identity types.EventIdentity) (*Entry, error) {
	latest, err := s.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.Supersede(ctx, PutParams{
		Identity:              identity,
		Record:                &latest.Record,
		TopicID:               latest.TopicID,
		Decision:              latest.Decision,
		NeedsReclassification: true,
	})
}

// MarkUnclassified appends a superseding version that drops any topic link
// and candidate decision: the record becomes unclassified and flagged for
// reclassification. Used when a pending candidate is rejected.
func (s *Store) MarkUnclassified(ctx context.Context, identity types.EventIdentity) (*Entry, error) {
	latest, err := s.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.Supersede(ctx, PutParams{
		Identity:              identity,
		Record:                &latest.Record,
		Decision:              types.DecisionUnresolved,
		NeedsReclassification: true,
	})
}

// Get returns the latest version for an identity, or ErrNotFound.
func (s *Store) Get(ctx context.Context, identity types.EventIdentity) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+
		` WHERE identity = ? ORDER BY version DESC LIMIT 1`, string(identity))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// History returns every version for an identity, newest first.
func (s *Store) History(ctx context.Context, identity types.EventIdentity) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+
		` WHERE identity = ? ORDER BY version DESC`, string(identity))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListByTopic returns the latest-version entries linked to a topic.
func (s *Store) ListByTopic(ctx context.Context, topicID types.TopicID) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntry+latestJoin+
		` WHERE r.topic_id = ? ORDER BY r.created_at DESC`, string(topicID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// PutUnresolved queues a raw event that produced no acceptable record for
// manual review. Idempotent per identity.
func (s *Store) PutUnresolved(ctx context.Context, ev types.RawEvent) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO unresolved_events (identity, provider, message, observed_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		string(ev.Identity()), ev.Provider, ev.Message, ev.ObservedAt.UTC().Format(time.RFC3339), now)
	if err != nil {
		return fmt.Errorf("insert unresolved event: %w", err)
	}
	return nil
}

// Unresolved lists raw events awaiting manual review, oldest first.
func (s *Store) Unresolved(ctx context.Context) ([]types.RawEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, message, observed_at FROM unresolved_events ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.RawEvent
	for rows.Next() {
		var ev types.RawEvent
		var observedAt string
		if err := rows.Scan(&ev.Provider, &ev.Message, &observedAt); err != nil {
			return nil, err
		}
		ev.ObservedAt, _ = time.Parse(time.RFC3339, observedAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Stats returns operator-visible counts over latest-version entries.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN r.decision = 'matched' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN r.decision = 'new_candidate' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN r.topic_id IS NULL AND r.decision != 'new_candidate' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(r.needs_reclassification), 0)
		FROM records r`+latestJoin).
		Scan(&st.Records, &st.Matched, &st.PendingCandidates, &st.Unclassified, &st.NeedsReclassification)
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unresolved_events`).Scan(&st.UnresolvedEvents); err != nil {
		return nil, err
	}
	return st, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectEntry = `SELECT r.id, r.identity, r.version, r.supersedes, r.record, r.topic_id, r.decision, r.needs_reclassification, r.created_at FROM records r`

// latestJoin restricts a records query to the newest version per identity.
const latestJoin = `
	INNER JOIN (
		SELECT identity, MAX(version) AS max_ver FROM records GROUP BY identity
	) latest ON r.identity = latest.identity AND r.version = latest.max_ver`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var id, identity, recJSON, decision, createdAt string
	var supersedes, topicID sql.NullString
	var flag int
	if err := row.Scan(&id, &identity, &e.Version, &supersedes, &recJSON, &topicID, &decision, &flag, &createdAt); err != nil {
		return nil, err
	}
	e.ID = types.RecordID(id)
	e.Identity = types.EventIdentity(identity)
	if supersedes.Valid {
		e.Supersedes = types.RecordID(supersedes.String)
	}
	if err := json.Unmarshal([]byte(recJSON), &e.Record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if topicID.Valid {
		e.TopicID = types.TopicID(topicID.String)
	}
	e.Decision = types.Decision(decision)
	e.NeedsReclassification = flag != 0
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
