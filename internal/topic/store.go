// Package topic owns the classification vocabulary: topic records, their
// embeddings, and pending new-topic candidates. The vocabulary is explicit
// owned state with a single-writer section around creation; there is no
// ambient shared mutable state.
package topic

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/logsift/internal/types"
	"github.com/user/logsift/pkg/embedding"
)

// ErrNotFound is returned when a topic or candidate does not exist.
var ErrNotFound = errors.New("not found")

// Store persists topics in SQLite and serves nearest-match queries from an
// in-memory index rebuilt on open. Topics are append-only: embeddings are
// never mutated and renames are modeled as deprecate-and-create.
type Store struct {
	db       *sql.DB
	embedder embedding.Embedder
	index    Index

	// createMu is the single-writer critical section around topic creation;
	// all other operations are safely concurrent.
	createMu sync.Mutex

	// reuseThreshold short-circuits creation when an existing topic is
	// already at least this similar to the candidate text.
	reuseThreshold float64
}

// Open opens or creates the topic database at path and loads all topic
// embeddings into the index.
func Open(path string, embedder embedding.Embedder, reuseThreshold float64) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{
		db:             db,
		embedder:       embedder,
		index:          NewMemoryIndex(),
		reuseThreshold: reuseThreshold,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.loadIndex(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load index: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS topics (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		name_key    TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL,
		embedding   TEXT NOT NULL,
		deprecated  INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS candidates (
		id             TEXT PRIMARY KEY,
		desc_key       TEXT NOT NULL,
		description    TEXT NOT NULL,
		suggested_name TEXT,
		records        TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		topic_id       TEXT,
		created_at     TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_candidates_pending
		ON candidates(desc_key) WHERE status = 'pending';
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) loadIndex() error {
	rows, err := s.db.Query(`SELECT id, embedding FROM topics WHERE deprecated = 0`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, embJSON string
		if err := rows.Scan(&id, &embJSON); err != nil {
			return err
		}
		var vec embedding.Vector
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			return fmt.Errorf("decode embedding for topic %s: %w", id, err)
		}
		s.index.Upsert(id, vec)
	}
	return rows.Err()
}

// Refresh reconciles the in-memory index with the topics table, picking up
// topics created or deprecated by other processes since Open. Runs under
// the creation lock so it cannot drop a concurrent create.
func (s *Store) Refresh(ctx context.Context) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, deprecated FROM topics`)
	if err != nil {
		return fmt.Errorf("refresh index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, embJSON string
		var deprecated int
		if err := rows.Scan(&id, &embJSON, &deprecated); err != nil {
			return err
		}
		if deprecated != 0 {
			s.index.Remove(id)
			continue
		}
		var vec embedding.Vector
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			return fmt.Errorf("decode embedding for topic %s: %w", id, err)
		}
		s.index.Upsert(id, vec)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	slog.Debug("topic index refreshed", "topics", s.index.Len())
	return nil
}

// Nearest returns the single closest non-deprecated topic and its cosine
// similarity score, or ok=false when the vocabulary is empty.
func (s *Store) Nearest(vec embedding.Vector) (types.TopicID, float64, bool) {
	matches := s.index.Query(vec, 1)
	if len(matches) == 0 {
		return "", 0, false
	}
	return types.TopicID(matches[0].ID), matches[0].Score, true
}

var nameKeyPattern = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeName reduces a topic name to its conflict key: lowercased,
// non-alphanumerics collapsed to single underscores.
func NormalizeName(name string) string {
	key := nameKeyPattern.ReplaceAllString(strings.ToLower(name), "_")
	return strings.Trim(key, "_")
}

// embedText is the only text topic embeddings are ever derived from.
func embedText(name, description string) string {
	return name + ". " + description
}

// CreateTopic computes an embedding from the name and description text and
// inserts the topic atomically. Under concurrent creation the normalized
// name is the conflict key: the loser re-queries and reuses the winner's
// id. A candidate whose text already sits within reuseThreshold of an
// existing topic reuses that topic instead of splitting the vocabulary.
func (s *Store) CreateTopic(ctx context.Context, name, description string) (types.TopicID, error) {
	return s.create(ctx, name, description, true)
}

func (s *Store) create(ctx context.Context, name, description string, checkReuse bool) (types.TopicID, error) {
	key := NormalizeName(name)
	if key == "" {
		return "", fmt.Errorf("empty topic name")
	}

	vec, err := s.embedder.Embed(ctx, embedText(name, description))
	if err != nil {
		return "", fmt.Errorf("embed topic text: %w", err)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	// Re-check under the lock: another worker may have just created an
	// equivalent topic with different wording.
	if checkReuse {
		if id, score, ok := s.Nearest(vec); ok && score >= s.reuseThreshold {
			slog.Debug("reusing similar topic", "topic_id", string(id), "score", score, "name", name)
			return id, nil
		}
	}

	id := types.NewTopicID()
	embJSON, _ := json.Marshal(vec)
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO topics (id, name, name_key, description, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(id), name, key, description, string(embJSON), now)
	if err != nil {
		if isUniqueViolation(err) {
			var existing string
			qerr := s.db.QueryRowContext(ctx,
				`SELECT id FROM topics WHERE name_key = ?`, key).Scan(&existing)
			if qerr != nil {
				return "", fmt.Errorf("resolve creation conflict for %q: %w", name, qerr)
			}
			return types.TopicID(existing), nil
		}
		return "", fmt.Errorf("insert topic: %w", err)
	}

	s.index.Upsert(string(id), vec)
	slog.Info("topic created", "topic_id", string(id), "name", name)
	return id, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Get returns the topic with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id types.TopicID) (*types.Topic, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, deprecated, created_at FROM topics WHERE id = ?`, string(id))
	return scanTopic(row)
}

// List returns all topics, newest first.
func (s *Store) List(ctx context.Context) ([]types.Topic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, deprecated, created_at FROM topics ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []types.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		topics = append(topics, *t)
	}
	return topics, rows.Err()
}

// Deprecate marks a topic deprecated and drops it from the search index.
// The row itself is kept so prior classification links stay valid.
func (s *Store) Deprecate(ctx context.Context, id types.TopicID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE topics SET deprecated = 1 WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("deprecate topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.index.Remove(string(id))
	return nil
}

// Count returns the number of non-deprecated topics.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM topics WHERE deprecated = 0`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTopic(row rowScanner) (*types.Topic, error) {
	var t types.Topic
	var id, createdAt string
	var deprecated int
	err := row.Scan(&id, &t.Name, &t.Description, &deprecated, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.ID = types.TopicID(id)
	t.Deprecated = deprecated != 0
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &t, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
