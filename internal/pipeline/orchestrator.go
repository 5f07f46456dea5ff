// Package pipeline orchestrates the parse-classify-persist funnel: each raw
// event flows through deterministic parsing, constrained model extraction on
// a parse miss, topic classification, and idempotent ground-truth
// persistence. Events are independent; a bounded worker pool processes them
// concurrently with separate call slots for model and embedding services.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/logsift/internal/extract"
	"github.com/user/logsift/internal/groundtruth"
	"github.com/user/logsift/internal/parser"
	"github.com/user/logsift/internal/source"
	"github.com/user/logsift/internal/types"
)

// Extractor is the model-assisted extraction fallback.
type Extractor interface {
	Extract(ctx context.Context, provider, message string) (*types.StructuredRecord, error)
}

// Classifier scores records against the topic vocabulary.
type Classifier interface {
	Classify(ctx context.Context, rec *types.StructuredRecord) (*types.ClassificationResult, error)
	SuggestName(ctx context.Context, description string) string
}

// TopicStore is the slice of the topic store the orchestrator needs.
type TopicStore interface {
	CreateTopic(ctx context.Context, name, description string) (types.TopicID, error)
	AddCandidate(ctx context.Context, description, suggestedName string, record types.EventIdentity) (types.CandidateID, error)
	GetCandidate(ctx context.Context, id types.CandidateID) (*types.Candidate, error)
	ResolveCandidate(ctx context.Context, id types.CandidateID, status string, topicID types.TopicID) ([]types.EventIdentity, error)
}

// TruthStore is the slice of the ground-truth store the orchestrator needs.
type TruthStore interface {
	Put(ctx context.Context, p groundtruth.PutParams) (*groundtruth.Entry, bool, error)
	PutUnresolved(ctx context.Context, ev types.RawEvent) error
	LinkTopic(ctx context.Context, identity types.EventIdentity, topicID types.TopicID) (*groundtruth.Entry, error)
	MarkUnclassified(ctx context.Context, identity types.EventIdentity) (*groundtruth.Entry, error)
}

// Summary counts what happened to a batch of events, one increment per event
// per stage.
type Summary struct {
	RunID         types.RunID   `json:"run_id"`
	Fetched       int64         `json:"fetched"`
	Deterministic int64         `json:"deterministic"`
	ModelAssisted int64         `json:"model_assisted"`
	Unresolved    int64         `json:"unresolved"`
	Matched       int64         `json:"matched"`
	NewCandidates int64         `json:"new_candidates"`
	Reprocessed   int64         `json:"reprocessed"`
	Flagged       int64         `json:"flagged"`
	Failed        int64         `json:"failed"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Options tunes the orchestrator's concurrency and retry behavior.
type Options struct {
	MaxWorkers        int           // worker pool size; <=0 means 4
	LLMSlots          int64         // concurrent model calls; <=0 means 2
	EmbedSlots        int64         // concurrent embedding calls; <=0 means 4
	ExtractionTimeout time.Duration // per-event model extraction budget; <=0 means 30s
	Retry             *RetryPolicy  // nil means DefaultRetryPolicy
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 4
	}
	if o.LLMSlots <= 0 {
		o.LLMSlots = 2
	}
	if o.EmbedSlots <= 0 {
		o.EmbedSlots = 4
	}
	if o.ExtractionTimeout <= 0 {
		o.ExtractionTimeout = 30 * time.Second
	}
	if o.Retry == nil {
		o.Retry = DefaultRetryPolicy()
	}
	return o
}

// Orchestrator wires the funnel stages together.
type Orchestrator struct {
	reader     source.Reader
	registry   *parser.Registry
	extractor  Extractor
	classifier Classifier
	topics     TopicStore
	truth      TruthStore
	opts       Options

	llmSem   *semaphore.Weighted
	embedSem *semaphore.Weighted
}

// New creates an Orchestrator. extractor may be nil; parse misses then go
// straight to the unresolved queue.
func New(reader source.Reader, registry *parser.Registry, extractor Extractor, classifier Classifier, topics TopicStore, truth TruthStore, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		reader:     reader,
		registry:   registry,
		extractor:  extractor,
		classifier: classifier,
		topics:     topics,
		truth:      truth,
		opts:       opts,
		llmSem:     semaphore.NewWeighted(opts.LLMSlots),
		embedSem:   semaphore.NewWeighted(opts.EmbedSlots),
	}
}

// Run fetches one window of events and processes them to completion. Event
// failures are counted, not fatal; the error return covers fetch failures
// and cancellation only.
func (o *Orchestrator) Run(ctx context.Context, window source.Window, providers []string) (*Summary, error) {
	start := time.Now()
	summary := &Summary{RunID: types.NewRunID()}

	events, err := o.reader.Read(ctx, window, providers)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	summary.Fetched = int64(len(events))
	slog.Info("run started", "run_id", summary.RunID, "events", len(events), "workers", o.opts.MaxWorkers)

	workers := semaphore.NewWeighted(int64(o.opts.MaxWorkers))
	var wg sync.WaitGroup
	for _, ev := range events {
		if err := workers.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(ev types.RawEvent) {
			defer wg.Done()
			defer workers.Release(1)
			if err := o.process(ctx, ev, summary); err != nil {
				atomic.AddInt64(&summary.Failed, 1)
				slog.Error("event processing failed",
					"run_id", summary.RunID,
					"provider", ev.Provider,
					"identity", ev.Identity(),
					"error", err)
			}
		}(ev)
	}
	wg.Wait()

	summary.Elapsed = time.Since(start)
	slog.Info("run finished",
		"run_id", summary.RunID,
		"fetched", summary.Fetched,
		"deterministic", atomic.LoadInt64(&summary.Deterministic),
		"model_assisted", atomic.LoadInt64(&summary.ModelAssisted),
		"unresolved", atomic.LoadInt64(&summary.Unresolved),
		"matched", atomic.LoadInt64(&summary.Matched),
		"new_candidates", atomic.LoadInt64(&summary.NewCandidates),
		"failed", atomic.LoadInt64(&summary.Failed),
		"elapsed", summary.Elapsed)
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// process runs one event through the funnel.
func (o *Orchestrator) process(ctx context.Context, ev types.RawEvent, summary *Summary) error {
	rec, err := o.resolve(ctx, ev, summary)
	if err != nil {
		if errors.Is(err, extract.ErrUnresolved) {
			atomic.AddInt64(&summary.Unresolved, 1)
			return o.truth.PutUnresolved(ctx, ev)
		}
		return err
	}
	return o.classifyAndPersist(ctx, ev, rec, summary)
}

// resolve produces a structured record: deterministic rules first, then the
// constrained extractor. ErrUnresolved means the event has no acceptable
// structured form.
func (o *Orchestrator) resolve(ctx context.Context, ev types.RawEvent, summary *Summary) (*types.StructuredRecord, error) {
	if rec, ok := o.registry.TryParse(ev.Provider, ev.Message); ok {
		atomic.AddInt64(&summary.Deterministic, 1)
		return rec, nil
	}
	if o.extractor == nil {
		return nil, extract.ErrUnresolved
	}

	if err := o.llmSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.llmSem.Release(1)

	var rec *types.StructuredRecord
	err := o.opts.Retry.Execute(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.opts.ExtractionTimeout)
		defer cancel()
		var err error
		rec, err = o.extractor.Extract(callCtx, ev.Provider, ev.Message)
		return err
	})
	if err != nil {
		if errors.Is(err, extract.ErrUnresolved) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Exhausted transient retries: treat as unresolved rather than
		// inventing a record.
		slog.Warn("extraction gave up after retries", "provider", ev.Provider, "error", err)
		return nil, fmt.Errorf("%w: %s", extract.ErrUnresolved, err)
	}
	atomic.AddInt64(&summary.ModelAssisted, 1)
	return rec, nil
}

// classifyAndPersist classifies the record and writes ground truth. An
// embedding outage fails open: the record persists unclassified with the
// reclassification flag set instead of being dropped.
func (o *Orchestrator) classifyAndPersist(ctx context.Context, ev types.RawEvent, rec *types.StructuredRecord, summary *Summary) error {
	identity := ev.Identity()

	if err := o.embedSem.Acquire(ctx, 1); err != nil {
		return err
	}
	var result *types.ClassificationResult
	err := o.opts.Retry.Execute(ctx, func() error {
		var err error
		result, err = o.classifier.Classify(ctx, rec)
		return err
	})
	o.embedSem.Release(1)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("classification unavailable, persisting unclassified",
			"identity", identity, "error", err)
		atomic.AddInt64(&summary.Flagged, 1)
		_, _, perr := o.truth.Put(ctx, groundtruth.PutParams{
			Identity:              identity,
			Record:                rec,
			Decision:              types.DecisionUnresolved,
			NeedsReclassification: true,
		})
		return perr
	}

	switch result.Decision {
	case types.DecisionMatched:
		atomic.AddInt64(&summary.Matched, 1)
		entry, created, err := o.truth.Put(ctx, groundtruth.PutParams{
			Identity: identity,
			Record:   rec,
			TopicID:  result.TopicID,
			Decision: types.DecisionMatched,
		})
		if err != nil {
			return err
		}
		if !created {
			atomic.AddInt64(&summary.Reprocessed, 1)
			slog.Debug("event already persisted", "identity", identity, "version", entry.Version)
		}
		return nil

	case types.DecisionNewCandidate:
		atomic.AddInt64(&summary.NewCandidates, 1)
		// Persist first so the record survives even if candidate queueing
		// fails; confirmation later appends the topic link.
		if _, _, err := o.truth.Put(ctx, groundtruth.PutParams{
			Identity: identity,
			Record:   rec,
			Decision: types.DecisionNewCandidate,
		}); err != nil {
			return err
		}
		suggested := o.classifier.SuggestName(ctx, result.Description)
		if _, err := o.topics.AddCandidate(ctx, result.Description, suggested, identity); err != nil {
			return fmt.Errorf("queue candidate: %w", err)
		}
		return nil

	default:
		atomic.AddInt64(&summary.Flagged, 1)
		_, _, err := o.truth.Put(ctx, groundtruth.PutParams{
			Identity:              identity,
			Record:                rec,
			Decision:              types.DecisionUnresolved,
			NeedsReclassification: true,
		})
		return err
	}
}

// ConfirmCandidate turns a pending candidate into a real topic and links
// every queued record to it. name and description override the candidate's
// suggestion when non-empty.
func (o *Orchestrator) ConfirmCandidate(ctx context.Context, id types.CandidateID, name, description string) (types.TopicID, error) {
	cand, err := o.topics.GetCandidate(ctx, id)
	if err != nil {
		return "", err
	}
	if cand.Status != types.CandidatePending {
		return "", fmt.Errorf("candidate %s is %s, not pending", id, cand.Status)
	}
	if name == "" {
		name = cand.SuggestedName
	}
	if name == "" {
		return "", fmt.Errorf("candidate %s has no suggested name, one must be provided", id)
	}
	if description == "" {
		description = cand.Description
	}

	topicID, err := o.topics.CreateTopic(ctx, name, description)
	if err != nil {
		return "", fmt.Errorf("create topic: %w", err)
	}
	// Resolution returns the queue as of the flip, so records added after
	// the snapshot above still get linked.
	records, err := o.topics.ResolveCandidate(ctx, id, types.CandidateConfirmed, topicID)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	for _, identity := range records {
		if _, err := o.truth.LinkTopic(ctx, identity, topicID); err != nil {
			if errors.Is(err, groundtruth.ErrNotFound) {
				slog.Warn("queued record has no ground truth", "identity", identity)
				continue
			}
			return topicID, fmt.Errorf("link record %s: %w", identity, err)
		}
	}
	slog.Info("candidate confirmed", "candidate", id, "topic", topicID, "linked_records", len(records))
	return topicID, nil
}

// RejectCandidate marks a pending candidate rejected and supersedes its
// queued records as unclassified, so they no longer count as pending and
// get another shot once the vocabulary grows.
func (o *Orchestrator) RejectCandidate(ctx context.Context, id types.CandidateID) error {
	records, err := o.topics.ResolveCandidate(ctx, id, types.CandidateRejected, "")
	if err != nil {
		return err
	}
	for _, identity := range records {
		if _, err := o.truth.MarkUnclassified(ctx, identity); err != nil {
			if errors.Is(err, groundtruth.ErrNotFound) {
				slog.Warn("queued record has no ground truth", "identity", identity)
				continue
			}
			return fmt.Errorf("unlink record %s: %w", identity, err)
		}
	}
	slog.Info("candidate rejected", "candidate", id, "records", len(records))
	return nil
}
