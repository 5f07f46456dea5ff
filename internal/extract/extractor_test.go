package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/user/logsift/internal/types"
	"github.com/user/logsift/pkg/llm"
)

// fakeProvider returns canned content and counts calls.
type fakeProvider struct {
	content string
	err     error
	calls   int
	format  *llm.ResponseFormat
}

func (f *fakeProvider) Complete(ctx context.Context, messages []llm.Message, format *llm.ResponseFormat) (*llm.Response, error) {
	f.calls++
	f.format = format
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content}, nil
}

func newTestExtractor(t *testing.T, p llm.Provider) *Extractor {
	t.Helper()
	e, err := New(p, "gpt-4o-mini", 0)
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}
	return e
}

func TestExtractValid(t *testing.T) {
	fake := &fakeProvider{content: `{"event_type":"service_event","app_name":"Spooler","summary":"Print spooler restarted","confidence":0.9}`}
	e := newTestExtractor(t, fake)

	rec, err := e.Extract(context.Background(), "Service Control Manager", "The print spooler was restarted by the system")
	if err != nil {
		t.Fatal(err)
	}
	if rec.EventType != types.EventService {
		t.Errorf("expected service_event, got %q", rec.EventType)
	}
	if rec.AppName != "Spooler" {
		t.Errorf("expected Spooler, got %q", rec.AppName)
	}
	if rec.ExtractionMethod != types.MethodModelAssisted {
		t.Errorf("expected model_assisted, got %q", rec.ExtractionMethod)
	}
	if rec.Confidence == nil || *rec.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", rec.Confidence)
	}
	if fake.calls != 1 {
		t.Errorf("expected exactly one model call, got %d", fake.calls)
	}
	if fake.format == nil || fake.format.Name != "activity_record" || !fake.format.Strict {
		t.Errorf("expected strict schema-constrained request, got %+v", fake.format)
	}
}

func TestExtractRejectsUnknownEnumValue(t *testing.T) {
	fake := &fakeProvider{content: `{"event_type":"random_new_value","summary":"something"}`}
	e := newTestExtractor(t, fake)

	_, err := e.Extract(context.Background(), "TPM", "garbled message")
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("expected exactly one model call, got %d", fake.calls)
	}
}

func TestExtractRejectsMissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing event_type", `{"summary":"something happened"}`},
		{"missing summary", `{"event_type":"system_event"}`},
		{"empty summary", `{"event_type":"system_event","summary":"  "}`},
		{"wrong type", `{"event_type":"system_event","summary":42}`},
		{"confidence out of range", `{"event_type":"system_event","summary":"ok","confidence":1.5}`},
		{"unknown extra field", `{"event_type":"system_event","summary":"ok","invented":"x"}`},
		{"narrative output", `The log entry describes a system event about sleep.`},
		{"trailing data", `{"event_type":"system_event","summary":"ok"} extra`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeProvider{content: tt.content}
			e := newTestExtractor(t, fake)
			if _, err := e.Extract(context.Background(), "TPM", "msg"); !errors.Is(err, ErrUnresolved) {
				t.Errorf("expected ErrUnresolved, got %v", err)
			}
		})
	}
}

func TestExtractServiceErrorStaysRetryable(t *testing.T) {
	tests := []string{
		"API error (status 429): rate limited",
		"API error (status 503): upstream busy",
		"connection refused",
	}
	for _, msg := range tests {
		fake := &fakeProvider{err: errors.New(msg)}
		e := newTestExtractor(t, fake)

		_, err := e.Extract(context.Background(), "TPM", "msg")
		if err == nil {
			t.Fatalf("%s: expected error", msg)
		}
		// Transport failures must surface as-is, not as a rejection verdict.
		if errors.Is(err, ErrUnresolved) {
			t.Errorf("%s: transient failure wrapped as ErrUnresolved: %v", msg, err)
		}
	}
}

func TestExtractCancelled(t *testing.T) {
	fake := &fakeProvider{content: `{"event_type":"system_event","summary":"ok"}`}
	e := newTestExtractor(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Extract(ctx, "TPM", "msg")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled to surface, got %v", err)
	}
	if errors.Is(err, ErrUnresolved) {
		t.Fatalf("cancellation must not be a rejection verdict: %v", err)
	}
}

func TestDecodeAndValidateOptionalNulls(t *testing.T) {
	rec, err := decodeAndValidate(`{"event_type":"power_event","event_subtype":null,"app_name":null,"file_path":null,"status":null,"operation_code":null,"summary":"System resumed","confidence":null}`)
	if err != nil {
		t.Fatal(err)
	}
	if rec.AppName != "" || rec.Confidence != nil {
		t.Errorf("null optionals should stay unset: %+v", rec)
	}
}
