package topic

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/user/logsift/internal/types"
)

// AddCandidate queues a new-topic candidate for operator confirmation.
// Candidates are keyed by their normalized description: concurrent workers
// seeing the same emerging topic land on one candidate, with all of their
// record identities queued behind it.
func (s *Store) AddCandidate(ctx context.Context, description, suggestedName string, record types.EventIdentity) (types.CandidateID, error) {
	key := NormalizeName(description)
	if key == "" {
		return "", fmt.Errorf("empty candidate description")
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	var id, recordsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, records FROM candidates WHERE desc_key = ? AND status = 'pending'`, key).
		Scan(&id, &recordsJSON)
	switch {
	case err == nil:
		var records []types.EventIdentity
		if err := json.Unmarshal([]byte(recordsJSON), &records); err != nil {
			return "", fmt.Errorf("decode candidate records: %w", err)
		}
		for _, r := range records {
			if r == record {
				return types.CandidateID(id), nil
			}
		}
		records = append(records, record)
		updated, _ := json.Marshal(records)
		if _, err := s.db.ExecContext(ctx,
			`UPDATE candidates SET records = ? WHERE id = ?`, string(updated), id); err != nil {
			return "", fmt.Errorf("queue record behind candidate: %w", err)
		}
		return types.CandidateID(id), nil
	case errors.Is(err, sql.ErrNoRows):
		newID := types.NewCandidateID()
		recs, _ := json.Marshal([]types.EventIdentity{record})
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO candidates (id, desc_key, description, suggested_name, records, status, created_at)
			 VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
			string(newID), key, description, suggestedName, string(recs), now); err != nil {
			return "", fmt.Errorf("insert candidate: %w", err)
		}
		return newID, nil
	default:
		return "", err
	}
}

// Candidates returns all pending candidates, oldest first.
func (s *Store) Candidates(ctx context.Context) ([]types.Candidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, description, suggested_name, records, status, topic_id, created_at
		 FROM candidates WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetCandidate returns one candidate by id, or ErrNotFound.
func (s *Store) GetCandidate(ctx context.Context, id types.CandidateID) (*types.Candidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, description, suggested_name, records, status, topic_id, created_at
		 FROM candidates WHERE id = ?`, string(id))
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ResolveCandidate marks a pending candidate confirmed (with the created
// topic) or rejected, returning the records queued behind it at the moment
// it flips. The read and the flip share the creation lock with AddCandidate,
// so a record queued concurrently is either in the returned slice or lands
// on a fresh candidate — never stranded on a resolved one.
func (s *Store) ResolveCandidate(ctx context.Context, id types.CandidateID, status string, topicID types.TopicID) ([]types.EventIdentity, error) {
	if status != types.CandidateConfirmed && status != types.CandidateRejected {
		return nil, fmt.Errorf("invalid candidate resolution %q", status)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	var recordsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT records FROM candidates WHERE id = ? AND status = 'pending'`, string(id)).
		Scan(&recordsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var records []types.EventIdentity
	if err := json.Unmarshal([]byte(recordsJSON), &records); err != nil {
		return nil, fmt.Errorf("decode candidate records: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE candidates SET status = ?, topic_id = ? WHERE id = ?`,
		status, string(topicID), string(id)); err != nil {
		return nil, fmt.Errorf("resolve candidate: %w", err)
	}
	return records, nil
}

func scanCandidate(row rowScanner) (*types.Candidate, error) {
	var c types.Candidate
	var id, recordsJSON, createdAt string
	var suggested, topicID sql.NullString
	if err := row.Scan(&id, &c.Description, &suggested, &recordsJSON, &c.Status, &topicID, &createdAt); err != nil {
		return nil, err
	}
	c.ID = types.CandidateID(id)
	if suggested.Valid {
		c.SuggestedName = suggested.String
	}
	if topicID.Valid {
		c.TopicID = types.TopicID(topicID.String)
	}
	if err := json.Unmarshal([]byte(recordsJSON), &c.Records); err != nil {
		return nil, fmt.Errorf("decode candidate records: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &c, nil
}
