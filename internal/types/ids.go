package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type RecordID string
type TopicID string
type CandidateID string
type RunID string

// EventIdentity is the stable identity of a raw event, used as the
// idempotency key for ground-truth persistence. Two fetches of the same
// event always produce the same identity.
type EventIdentity string

// NewRecordID returns a ULID record identifier, sortable by creation time.
func NewRecordID() RecordID {
	return RecordID(ulid.Make().String())
}

// NewTopicID returns a ULID topic identifier.
func NewTopicID() TopicID {
	return TopicID(ulid.Make().String())
}

func NewCandidateID() CandidateID {
	return CandidateID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// Identity derives an EventIdentity from provider, observation time, and a
// SHA-256 hash of the message text.
func Identity(provider string, observedAt time.Time, message string) EventIdentity {
	sum := sha256.Sum256([]byte(message))
	return EventIdentity(provider + "|" + observedAt.UTC().Format(time.RFC3339) + "|" + hex.EncodeToString(sum[:]))
}
