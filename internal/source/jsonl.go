package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/user/logsift/internal/types"
)

// JSONLReader reads events from a JSON-lines file, one event object per
// line: {"provider": ..., "message": ..., "observed_at": RFC3339}. Malformed
// lines are logged and skipped rather than failing the whole fetch.
type JSONLReader struct {
	path string
}

// NewJSONLReader returns a reader over the file at path.
func NewJSONLReader(path string) *JSONLReader {
	return &JSONLReader{path: path}
}

// Read scans the file and returns events matching the window and provider
// filter, in file order.
func (r *JSONLReader) Read(ctx context.Context, window Window, providers []string) ([]types.RawEvent, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	defer f.Close()

	allowed := make(map[string]bool, len(providers))
	for _, p := range providers {
		allowed[p] = true
	}

	var events []types.RawEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev types.RawEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			slog.Warn("skipping malformed event line", "file", r.path, "line", lineNo, "error", err)
			continue
		}
		if ev.Provider == "" || ev.ObservedAt.IsZero() {
			slog.Warn("skipping incomplete event line", "file", r.path, "line", lineNo)
			continue
		}
		if len(allowed) > 0 && !allowed[ev.Provider] {
			continue
		}
		if !window.Contains(ev.ObservedAt) {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event file: %w", err)
	}
	return events, nil
}
