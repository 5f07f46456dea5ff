// Package types defines the shared data model of the ingestion pipeline:
// raw events, structured records, topics, candidates, and their identifiers.
package types

import "time"

// EventType is the high-level category of a structured record.
type EventType string

const (
	EventFileInteraction  EventType = "file_interaction"
	EventAppLifecycle     EventType = "app_lifecycle"
	EventSystem           EventType = "system_event"
	EventApplicationCrash EventType = "application_crash"
	EventService          EventType = "service_event"
	EventPower            EventType = "power_event"
	EventDCOM             EventType = "dcom_event"
	EventFileSystem       EventType = "file_system_event"
	EventUnknown          EventType = "unknown"
)

// EventTypes lists every accepted event type, in schema order.
var EventTypes = []EventType{
	EventFileInteraction,
	EventAppLifecycle,
	EventSystem,
	EventApplicationCrash,
	EventService,
	EventPower,
	EventDCOM,
	EventFileSystem,
	EventUnknown,
}

// Valid reports whether t is a member of the accepted event type set.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ExtractionMethod records which stage of the funnel produced a record.
type ExtractionMethod string

const (
	MethodDeterministic ExtractionMethod = "deterministic"
	MethodModelAssisted ExtractionMethod = "model_assisted"
)

// Decision is the outcome of classifying a record against the topic vocabulary.
type Decision string

const (
	DecisionMatched      Decision = "matched"
	DecisionNewCandidate Decision = "new_candidate"
	DecisionUnresolved   Decision = "unresolved"
)

// RawEvent is one unparsed event from the external reader. Immutable.
type RawEvent struct {
	Provider   string    `json:"provider"`
	Message    string    `json:"message"`
	ObservedAt time.Time `json:"observed_at"`
}

// Identity returns the event's stable idempotency key.
func (e RawEvent) Identity() EventIdentity {
	return Identity(e.Provider, e.ObservedAt, e.Message)
}

// StructuredRecord is the ground-truth artifact produced by either the
// parser registry or the constrained extractor. Immutable after creation;
// corrections append a superseding record, never mutate in place.
type StructuredRecord struct {
	EventType        EventType        `json:"event_type"`
	EventSubtype     string           `json:"event_subtype,omitempty"`
	AppName          string           `json:"app_name,omitempty"`
	FilePath         string           `json:"file_path,omitempty"`
	Status           string           `json:"status,omitempty"`
	OperationCode    string           `json:"operation_code,omitempty"`
	Summary          string           `json:"summary"`
	ExtractionMethod ExtractionMethod `json:"extraction_method"`
	Confidence       *float64         `json:"confidence,omitempty"`
}

// Topic is a named cluster in the classification vocabulary. The embedding
// is derived only from Name and Description text, never from individual
// event content, and is stored alongside the topic by the topic store.
type Topic struct {
	ID          TopicID   `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Deprecated  bool      `json:"deprecated"`
	CreatedAt   time.Time `json:"created_at"`
}

// ClassificationResult is computed per record and persisted only as the
// topic link on the ground-truth entry once resolved.
type ClassificationResult struct {
	Decision    Decision `json:"decision"`
	TopicID     TopicID  `json:"topic_id,omitempty"`
	Score       float64  `json:"score"`
	Description string   `json:"description,omitempty"`
}

// Candidate is a proposed new topic awaiting operator confirmation. Records
// that classified as new_candidate queue behind it and are linked once the
// topic is created.
type Candidate struct {
	ID            CandidateID     `json:"id"`
	Description   string          `json:"description"`
	SuggestedName string          `json:"suggested_name,omitempty"`
	Records       []EventIdentity `json:"records"`
	Status        string          `json:"status"`
	TopicID       TopicID         `json:"topic_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

const (
	CandidatePending   = "pending"
	CandidateConfirmed = "confirmed"
	CandidateRejected  = "rejected"
)
