package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/logsift/internal/extract"
	"github.com/user/logsift/internal/groundtruth"
	"github.com/user/logsift/internal/parser"
	"github.com/user/logsift/internal/source"
	"github.com/user/logsift/internal/types"
	"github.com/user/logsift/pkg/llm"
)

// fakeReader serves a canned event batch.
type fakeReader struct {
	events []types.RawEvent
	err    error
}

func (f *fakeReader) Read(context.Context, source.Window, []string) ([]types.RawEvent, error) {
	return f.events, f.err
}

// fakeExtractor returns a canned record or error, counting calls.
type fakeExtractor struct {
	calls int64
	rec   *types.StructuredRecord
	errs  []error // consumed per call; nil entry means success
}

func (f *fakeExtractor) Extract(context.Context, string, string) (*types.StructuredRecord, error) {
	n := atomic.AddInt64(&f.calls, 1)
	if int(n) <= len(f.errs) {
		if err := f.errs[n-1]; err != nil {
			return nil, err
		}
	}
	return f.rec, nil
}

// fakeClassifier maps descriptions onto canned results.
type fakeClassifier struct {
	result *types.ClassificationResult
	err    error
	name   string
}

func (f *fakeClassifier) Classify(_ context.Context, rec *types.StructuredRecord) (*types.ClassificationResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	if res.Description == "" {
		res.Description = "Event Type: " + string(rec.EventType) + ", Summary: " + rec.Summary
	}
	return &res, nil
}

func (f *fakeClassifier) SuggestName(context.Context, string) string { return f.name }

// fakeTopics is an in-memory TopicStore.
type fakeTopics struct {
	mu         sync.Mutex
	topics     map[types.TopicID]string
	candidates map[types.CandidateID]*types.Candidate
	nextCand   int
}

func newFakeTopics() *fakeTopics {
	return &fakeTopics{
		topics:     make(map[types.TopicID]string),
		candidates: make(map[types.CandidateID]*types.Candidate),
	}
}

func (f *fakeTopics) CreateTopic(_ context.Context, name, _ string) (types.TopicID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := types.TopicID("topic-" + name)
	f.topics[id] = name
	return id, nil
}

func (f *fakeTopics) AddCandidate(_ context.Context, description, suggested string, record types.EventIdentity) (types.CandidateID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.candidates {
		if c.Description == description && c.Status == types.CandidatePending {
			for _, r := range c.Records {
				if r == record {
					return id, nil
				}
			}
			c.Records = append(c.Records, record)
			return id, nil
		}
	}
	f.nextCand++
	id := types.CandidateID(fmt.Sprintf("cand-%d", f.nextCand))
	f.candidates[id] = &types.Candidate{
		ID:            id,
		Description:   description,
		SuggestedName: suggested,
		Records:       []types.EventIdentity{record},
		Status:        types.CandidatePending,
	}
	return id, nil
}

func (f *fakeTopics) GetCandidate(_ context.Context, id types.CandidateID) (*types.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candidates[id]
	if !ok {
		return nil, errors.New("candidate not found")
	}
	cp := *c
	return &cp, nil
}

func (f *fakeTopics) ResolveCandidate(_ context.Context, id types.CandidateID, status string, topicID types.TopicID) ([]types.EventIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candidates[id]
	if !ok || c.Status != types.CandidatePending {
		return nil, errors.New("not pending")
	}
	c.Status = status
	c.TopicID = topicID
	return append([]types.EventIdentity(nil), c.Records...), nil
}

// fakeTruth is an in-memory TruthStore recording every write.
type fakeTruth struct {
	mu         sync.Mutex
	entries    map[types.EventIdentity][]groundtruth.Entry
	unresolved map[types.EventIdentity]types.RawEvent
}

func newFakeTruth() *fakeTruth {
	return &fakeTruth{
		entries:    make(map[types.EventIdentity][]groundtruth.Entry),
		unresolved: make(map[types.EventIdentity]types.RawEvent),
	}
}

func (f *fakeTruth) Put(_ context.Context, p groundtruth.PutParams) (*groundtruth.Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev := f.entries[p.Identity]; len(prev) > 0 {
		e := prev[len(prev)-1]
		return &e, false, nil
	}
	e := groundtruth.Entry{
		ID:                    types.NewRecordID(),
		Identity:              p.Identity,
		Version:               1,
		Record:                *p.Record,
		TopicID:               p.TopicID,
		Decision:              p.Decision,
		NeedsReclassification: p.NeedsReclassification,
	}
	f.entries[p.Identity] = append(f.entries[p.Identity], e)
	return &e, true, nil
}

func (f *fakeTruth) PutUnresolved(_ context.Context, ev types.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unresolved[ev.Identity()] = ev
	return nil
}

func (f *fakeTruth) LinkTopic(_ context.Context, identity types.EventIdentity, topicID types.TopicID) (*groundtruth.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.entries[identity]
	if len(prev) == 0 {
		return nil, groundtruth.ErrNotFound
	}
	e := prev[len(prev)-1]
	e.Version++
	e.TopicID = topicID
	e.Decision = types.DecisionMatched
	f.entries[identity] = append(f.entries[identity], e)
	return &e, nil
}

func (f *fakeTruth) MarkUnclassified(_ context.Context, identity types.EventIdentity) (*groundtruth.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.entries[identity]
	if len(prev) == 0 {
		return nil, groundtruth.ErrNotFound
	}
	e := prev[len(prev)-1]
	e.Version++
	e.TopicID = ""
	e.Decision = types.DecisionUnresolved
	e.NeedsReclassification = true
	f.entries[identity] = append(f.entries[identity], e)
	return &e, nil
}

func (f *fakeTruth) latest(identity types.EventIdentity) *groundtruth.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.entries[identity]
	if len(prev) == 0 {
		return nil
	}
	e := prev[len(prev)-1]
	return &e
}

func testRegistry(t *testing.T) *parser.Registry {
	t.Helper()
	reg, err := parser.NewRegistry([]parser.Rule{{
		Name:      "service-state",
		Provider:  "Service Control Manager",
		Priority:  10,
		Pattern:   `The (?P<app_name>.+) service entered the (?P<status>\w+) state`,
		EventType: types.EventService,
		FieldMap:  map[string]string{"app_name": "app_name", "status": "status"},
		Summarize: func(g map[string]string) string {
			return "Service '" + g["app_name"] + "' entered the " + g["status"] + " state"
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func serviceEvent(msg string) types.RawEvent {
	return types.RawEvent{
		Provider:   "Service Control Manager",
		Message:    msg,
		ObservedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func fastOptions() Options {
	return Options{
		MaxWorkers: 2,
		Retry: &RetryPolicy{
			MaxAttempts:  2,
			InitialDelay: time.Millisecond,
			Multiplier:   1.0,
			MaxDelay:     time.Millisecond,
		},
	}
}

func TestRunDeterministicMatch(t *testing.T) {
	ev := serviceEvent("The Spooler service entered the running state.")
	truth := newFakeTruth()
	o := New(
		&fakeReader{events: []types.RawEvent{ev}},
		testRegistry(t),
		&fakeExtractor{},
		&fakeClassifier{result: &types.ClassificationResult{Decision: types.DecisionMatched, TopicID: "t1", Score: 0.9}},
		newFakeTopics(),
		truth,
		fastOptions(),
	)

	sum, err := o.Run(context.Background(), source.Window{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Deterministic != 1 || sum.ModelAssisted != 0 {
		t.Errorf("expected deterministic parse, got %+v", sum)
	}
	if sum.Matched != 1 {
		t.Errorf("expected 1 matched, got %d", sum.Matched)
	}
	entry := truth.latest(ev.Identity())
	if entry == nil {
		t.Fatal("no ground truth persisted")
	}
	if entry.TopicID != "t1" || entry.Record.ExtractionMethod != types.MethodDeterministic {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestRunModelFallback(t *testing.T) {
	ev := serviceEvent("something the rules do not cover")
	ext := &fakeExtractor{rec: &types.StructuredRecord{
		EventType:        types.EventSystem,
		Summary:          "Uncovered event",
		ExtractionMethod: types.MethodModelAssisted,
	}}
	o := New(
		&fakeReader{events: []types.RawEvent{ev}},
		testRegistry(t),
		ext,
		&fakeClassifier{result: &types.ClassificationResult{Decision: types.DecisionMatched, TopicID: "t1", Score: 0.8}},
		newFakeTopics(),
		newFakeTruth(),
		fastOptions(),
	)

	sum, err := o.Run(context.Background(), source.Window{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.ModelAssisted != 1 || sum.Deterministic != 0 {
		t.Errorf("expected model-assisted extraction, got %+v", sum)
	}
	if atomic.LoadInt64(&ext.calls) != 1 {
		t.Errorf("expected 1 extraction call, got %d", ext.calls)
	}
}

func TestRunUnresolvedExtraction(t *testing.T) {
	ev := serviceEvent("unparseable noise")
	truth := newFakeTruth()
	o := New(
		&fakeReader{events: []types.RawEvent{ev}},
		testRegistry(t),
		&fakeExtractor{errs: []error{extract.ErrUnresolved, extract.ErrUnresolved}},
		&fakeClassifier{result: &types.ClassificationResult{Decision: types.DecisionMatched, TopicID: "t1"}},
		newFakeTopics(),
		truth,
		fastOptions(),
	)

	sum, err := o.Run(context.Background(), source.Window{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Unresolved != 1 {
		t.Errorf("expected 1 unresolved, got %+v", sum)
	}
	if _, ok := truth.unresolved[ev.Identity()]; !ok {
		t.Error("unresolved event not queued for review")
	}
	if truth.latest(ev.Identity()) != nil {
		t.Error("unresolved event must not produce a structured record")
	}
}

func TestRunValidationFailureNotRetried(t *testing.T) {
	ev := serviceEvent("rejected by schema")
	ext := &fakeExtractor{errs: []error{
		fmt.Errorf("%w: unknown event_type", extract.ErrUnresolved),
		nil, // would succeed on retry; must not be reached
	}}
	o := New(
		&fakeReader{events: []types.RawEvent{ev}},
		testRegistry(t),
		ext,
		&fakeClassifier{result: &types.ClassificationResult{Decision: types.DecisionMatched}},
		newFakeTopics(),
		newFakeTruth(),
		fastOptions(),
	)

	sum, err := o.Run(context.Background(), source.Window{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Unresolved != 1 {
		t.Errorf("expected unresolved, got %+v", sum)
	}
	if atomic.LoadInt64(&ext.calls) != 1 {
		t.Errorf("validation failure must not retry, got %d calls", ext.calls)
	}
}

func TestRunTransientExtractionRetries(t *testing.T) {
	ev := serviceEvent("flaky service")
	ext := &fakeExtractor{
		rec:  &types.StructuredRecord{EventType: types.EventSystem, Summary: "ok", ExtractionMethod: types.MethodModelAssisted},
		errs: []error{fmt.Errorf("model call: %w", errors.New("connection refused")), nil},
	}
	o := New(
		&fakeReader{events: []types.RawEvent{ev}},
		testRegistry(t),
		ext,
		&fakeClassifier{result: &types.ClassificationResult{Decision: types.DecisionMatched, TopicID: "t1"}},
		newFakeTopics(),
		newFakeTruth(),
		fastOptions(),
	)

	sum, err := o.Run(context.Background(), source.Window{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.ModelAssisted != 1 {
		t.Errorf("expected recovery after transient error, got %+v", sum)
	}
	if atomic.LoadInt64(&ext.calls) != 2 {
		t.Errorf("expected 2 calls, got %d", ext.calls)
	}
}

// flakyProvider fails with a transient transport error before succeeding.
type flakyProvider struct {
	mu       sync.Mutex
	calls    int
	failures int
	content  string
}

func (f *flakyProvider) Complete(context.Context, []llm.Message, *llm.ResponseFormat) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("API error (status 429): rate limited")
	}
	return &llm.Response{Content: f.content}, nil
}

// A rate-limited model service must be retried, not written off as
// unresolved. Exercised through the real extractor so the error shape is
// the one production produces.
func TestRunRateLimitedExtractionRetries(t *testing.T) {
	provider := &flakyProvider{
		failures: 1,
		content:  `{"event_type":"system_event","summary":"Recovered after backoff"}`,
	}
	ext, err := extract.New(provider, "gpt-4o-mini", 0)
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}

	ev := serviceEvent("nothing the rules cover")
	truth := newFakeTruth()
	o := New(
		&fakeReader{events: []types.RawEvent{ev}},
		testRegistry(t),
		ext,
		&fakeClassifier{result: &types.ClassificationResult{Decision: types.DecisionMatched, TopicID: "t1", Score: 0.9}},
		newFakeTopics(),
		truth,
		fastOptions(),
	)

	sum, err := o.Run(context.Background(), source.Window{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.ModelAssisted != 1 || sum.Unresolved != 0 {
		t.Errorf("expected recovery after rate limit, got %+v", sum)
	}
	if provider.calls != 2 {
		t.Errorf("expected 2 model calls, got %d", provider.calls)
	}
	entry := truth.latest(ev.Identity())
	if entry == nil || entry.Record.Summary != "Recovered after backoff" {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestRunNewCandidateQueues(t *testing.T) {
	events := []types.RawEvent{
		serviceEvent("The Alpha service entered the running state."),
		serviceEvent("The Alpha service entered the running state. (again)"),
	}
	topics := newFakeTopics()
	truth := newFakeTruth()
	o := New(
		&fakeReader{events: events},
		testRegistry(t),
		&fakeExtractor{},
		&fakeClassifier{
			result: &types.ClassificationResult{Decision: types.DecisionNewCandidate, Score: 0.2, Description: "shared candidate description"},
			name:   "alpha_service",
		},
		topics,
		truth,
		fastOptions(),
	)

	sum, err := o.Run(context.Background(), source.Window{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.NewCandidates != 2 {
		t.Errorf("expected 2 new_candidate outcomes, got %+v", sum)
	}
	if len(topics.candidates) != 1 {
		t.Fatalf("same description should share one candidate, got %d", len(topics.candidates))
	}
	for _, c := range topics.candidates {
		if len(c.Records) != 2 {
			t.Errorf("expected 2 queued records, got %d", len(c.Records))
		}
		if c.SuggestedName != "alpha_service" {
			t.Errorf("unexpected suggested name %q", c.SuggestedName)
		}
	}
	// Records persist immediately, unlinked.
	entry := truth.latest(events[0].Identity())
	if entry == nil || entry.TopicID != "" || entry.Decision != types.DecisionNewCandidate {
		t.Errorf("expected unlinked persisted record, got %+v", entry)
	}
}

func TestRunEmbeddingOutageFailsOpen(t *testing.T) {
	ev := serviceEvent("The Spooler service entered the running state.")
	truth := newFakeTruth()
	o := New(
		&fakeReader{events: []types.RawEvent{ev}},
		testRegistry(t),
		&fakeExtractor{},
		&fakeClassifier{err: errors.New("invalid api key")},
		newFakeTopics(),
		truth,
		fastOptions(),
	)

	sum, err := o.Run(context.Background(), source.Window{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Flagged != 1 {
		t.Errorf("expected 1 flagged, got %+v", sum)
	}
	entry := truth.latest(ev.Identity())
	if entry == nil {
		t.Fatal("record should persist despite classification outage")
	}
	if !entry.NeedsReclassification || entry.TopicID != "" {
		t.Errorf("expected unclassified flagged entry, got %+v", entry)
	}
}

func TestRunIdempotentReprocessing(t *testing.T) {
	ev := serviceEvent("The Spooler service entered the running state.")
	truth := newFakeTruth()
	mk := func() *Orchestrator {
		return New(
			&fakeReader{events: []types.RawEvent{ev}},
			testRegistry(t),
			&fakeExtractor{},
			&fakeClassifier{result: &types.ClassificationResult{Decision: types.DecisionMatched, TopicID: "t1"}},
			newFakeTopics(),
			truth,
			fastOptions(),
		)
	}

	if _, err := mk().Run(context.Background(), source.Window{}, nil); err != nil {
		t.Fatal(err)
	}
	sum, err := mk().Run(context.Background(), source.Window{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Reprocessed != 1 {
		t.Errorf("expected 1 reprocessed, got %+v", sum)
	}
	if len(truth.entries[ev.Identity()]) != 1 {
		t.Errorf("reprocessing must not append versions, got %d", len(truth.entries[ev.Identity()]))
	}
}

func TestRunFetchError(t *testing.T) {
	o := New(
		&fakeReader{err: errors.New("source offline")},
		testRegistry(t),
		nil, &fakeClassifier{result: &types.ClassificationResult{}},
		newFakeTopics(), newFakeTruth(), fastOptions(),
	)
	if _, err := o.Run(context.Background(), source.Window{}, nil); err == nil {
		t.Fatal("expected fetch error")
	}
}

func TestConfirmCandidate(t *testing.T) {
	ev1 := serviceEvent("The Alpha service entered the running state.")
	ev2 := serviceEvent("The Alpha service entered the stopped state.")
	topics := newFakeTopics()
	truth := newFakeTruth()
	o := New(
		&fakeReader{events: []types.RawEvent{ev1, ev2}},
		testRegistry(t),
		&fakeExtractor{},
		&fakeClassifier{
			result: &types.ClassificationResult{Decision: types.DecisionNewCandidate, Description: "alpha events"},
			name:   "alpha_service",
		},
		topics,
		truth,
		fastOptions(),
	)
	if _, err := o.Run(context.Background(), source.Window{}, nil); err != nil {
		t.Fatal(err)
	}

	var candID types.CandidateID
	for id := range topics.candidates {
		candID = id
	}
	topicID, err := o.ConfirmCandidate(context.Background(), candID, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if topicID == "" {
		t.Fatal("expected a topic id")
	}

	// Both queued records now carry the topic link in a superseding version.
	for _, ev := range []types.RawEvent{ev1, ev2} {
		entry := truth.latest(ev.Identity())
		if entry == nil || entry.TopicID != topicID {
			t.Errorf("record %s not linked: %+v", ev.Identity(), entry)
		}
		if entry.Version != 2 {
			t.Errorf("linking should supersede, got version %d", entry.Version)
		}
	}

	// Confirming twice fails: no longer pending.
	if _, err := o.ConfirmCandidate(context.Background(), candID, "", ""); err == nil {
		t.Error("expected error confirming a resolved candidate")
	}
}

func TestConfirmCandidateNeedsName(t *testing.T) {
	topics := newFakeTopics()
	id, err := topics.AddCandidate(context.Background(), "nameless description", "", "ev-1")
	if err != nil {
		t.Fatal(err)
	}
	o := New(&fakeReader{}, testRegistry(t), nil,
		&fakeClassifier{result: &types.ClassificationResult{}}, topics, newFakeTruth(), fastOptions())

	if _, err := o.ConfirmCandidate(context.Background(), id, "", ""); err == nil {
		t.Error("expected error when no name is available")
	}
	if _, err := o.ConfirmCandidate(context.Background(), id, "operator_name", ""); err != nil {
		t.Errorf("explicit name should succeed: %v", err)
	}
}

// raceTopics queues one extra record during confirmation, after the
// candidate snapshot was read but before it is resolved.
type raceTopics struct {
	*fakeTopics
	late        types.EventIdentity
	description string
}

func (r *raceTopics) CreateTopic(ctx context.Context, name, description string) (types.TopicID, error) {
	if r.late != "" {
		if _, err := r.fakeTopics.AddCandidate(ctx, r.description, "", r.late); err != nil {
			return "", err
		}
		r.late = ""
	}
	return r.fakeTopics.CreateTopic(ctx, name, description)
}

func TestConfirmCandidateLinksLateRecord(t *testing.T) {
	ctx := context.Background()
	base := newFakeTopics()
	truth := newFakeTruth()
	rec := &types.StructuredRecord{EventType: types.EventSystem, Summary: "alpha", ExtractionMethod: types.MethodDeterministic}
	for _, identity := range []types.EventIdentity{"ev-early", "ev-late"} {
		if _, _, err := truth.Put(ctx, groundtruth.PutParams{
			Identity: identity, Record: rec, Decision: types.DecisionNewCandidate,
		}); err != nil {
			t.Fatal(err)
		}
	}
	candID, err := base.AddCandidate(ctx, "alpha events", "alpha_service", "ev-early")
	if err != nil {
		t.Fatal(err)
	}
	topics := &raceTopics{fakeTopics: base, late: "ev-late", description: "alpha events"}
	o := New(&fakeReader{}, testRegistry(t), nil,
		&fakeClassifier{result: &types.ClassificationResult{}}, topics, truth, fastOptions())

	topicID, err := o.ConfirmCandidate(ctx, candID, "", "")
	if err != nil {
		t.Fatal(err)
	}

	// The record queued mid-confirmation must be linked too, not stranded on
	// a resolved candidate.
	for _, identity := range []types.EventIdentity{"ev-early", "ev-late"} {
		entry := truth.latest(identity)
		if entry == nil || entry.TopicID != topicID {
			t.Errorf("record %s not linked: %+v", identity, entry)
		}
	}
}

func TestRejectCandidate(t *testing.T) {
	ctx := context.Background()
	topics := newFakeTopics()
	truth := newFakeTruth()
	rec := &types.StructuredRecord{EventType: types.EventSystem, Summary: "noise", ExtractionMethod: types.MethodDeterministic}

	var id types.CandidateID
	for _, identity := range []types.EventIdentity{"ev-1", "ev-2"} {
		if _, _, err := truth.Put(ctx, groundtruth.PutParams{
			Identity: identity, Record: rec, Decision: types.DecisionNewCandidate,
		}); err != nil {
			t.Fatal(err)
		}
		var err error
		if id, err = topics.AddCandidate(ctx, "noise", "", identity); err != nil {
			t.Fatal(err)
		}
	}
	o := New(&fakeReader{}, testRegistry(t), nil,
		&fakeClassifier{result: &types.ClassificationResult{}}, topics, truth, fastOptions())

	if err := o.RejectCandidate(ctx, id); err != nil {
		t.Fatal(err)
	}
	if topics.candidates[id].Status != types.CandidateRejected {
		t.Errorf("expected rejected, got %q", topics.candidates[id].Status)
	}
	// Queued records drop their candidate decision instead of counting as
	// pending forever.
	for _, identity := range []types.EventIdentity{"ev-1", "ev-2"} {
		entry := truth.latest(identity)
		if entry == nil || entry.Decision != types.DecisionUnresolved || !entry.NeedsReclassification {
			t.Errorf("record %s still pending after rejection: %+v", identity, entry)
		}
		if entry != nil && entry.Version != 2 {
			t.Errorf("rejection should supersede, got version %d", entry.Version)
		}
	}
}
