package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/logsift/internal/types"
)

// recordSchema is the JSON schema sent with every extraction request. The
// model must populate exactly these fields; anything else is rejected.
const recordSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["event_type", "summary"],
  "properties": {
    "event_type": {
      "type": "string",
      "enum": ["file_interaction", "app_lifecycle", "system_event", "application_crash", "service_event", "power_event", "dcom_event", "file_system_event", "unknown"],
      "description": "The high-level category of the event."
    },
    "event_subtype": {"type": ["string", "null"], "description": "A more specific categorization within the event type."},
    "app_name": {"type": ["string", "null"], "description": "The name of the application involved."},
    "file_path": {"type": ["string", "null"], "description": "The full path to the file involved."},
    "status": {"type": ["string", "null"], "description": "Status or result of the event."},
    "operation_code": {"type": ["string", "null"], "description": "Operation code for events that use them."},
    "summary": {"type": "string", "description": "A brief, factual summary of the log entry."},
    "confidence": {"type": ["number", "null"], "minimum": 0, "maximum": 1, "description": "The model's certainty in this extraction."}
  }
}`

// modelOutput is the shape the model response must decode into. Pointers
// distinguish absent fields from empty ones so validation can reject
// missing required fields instead of silently defaulting them.
type modelOutput struct {
	EventType     *string  `json:"event_type"`
	EventSubtype  *string  `json:"event_subtype"`
	AppName       *string  `json:"app_name"`
	FilePath      *string  `json:"file_path"`
	Status        *string  `json:"status"`
	OperationCode *string  `json:"operation_code"`
	Summary       *string  `json:"summary"`
	Confidence    *float64 `json:"confidence"`
}

// decodeAndValidate parses the model's raw output and validates it against
// the record schema. Any violation fails the whole extraction; fields are
// never defaulted or guessed.
func decodeAndValidate(raw string) (*types.StructuredRecord, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(raw))))
	dec.DisallowUnknownFields()

	var out modelOutput
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}

	if out.EventType == nil {
		return nil, fmt.Errorf("missing required field event_type")
	}
	et := types.EventType(*out.EventType)
	if !et.Valid() {
		return nil, fmt.Errorf("event_type %q outside enumerated set", *out.EventType)
	}
	if out.Summary == nil || strings.TrimSpace(*out.Summary) == "" {
		return nil, fmt.Errorf("missing required field summary")
	}
	if out.Confidence != nil && (*out.Confidence < 0 || *out.Confidence > 1) {
		return nil, fmt.Errorf("confidence %v outside [0,1]", *out.Confidence)
	}

	rec := &types.StructuredRecord{
		EventType:        et,
		Summary:          *out.Summary,
		ExtractionMethod: types.MethodModelAssisted,
		Confidence:       out.Confidence,
	}
	if out.EventSubtype != nil {
		rec.EventSubtype = *out.EventSubtype
	}
	if out.AppName != nil {
		rec.AppName = *out.AppName
	}
	if out.FilePath != nil {
		rec.FilePath = *out.FilePath
	}
	if out.Status != nil {
		rec.Status = *out.Status
	}
	if out.OperationCode != nil {
		rec.OperationCode = *out.OperationCode
	}
	return rec, nil
}
