// Package source defines where raw events come from. Readers are pull-based:
// the pipeline asks for a window of events, the reader fetches them, and the
// same window fetched twice yields events with the same identities.
package source

import (
	"context"
	"time"

	"github.com/user/logsift/internal/types"
)

// Window bounds an event fetch in observation time. A zero Since or Until
// leaves that side unbounded.
type Window struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether t falls inside the window. Since is inclusive,
// Until is exclusive.
func (w Window) Contains(t time.Time) bool {
	if !w.Since.IsZero() && t.Before(w.Since) {
		return false
	}
	if !w.Until.IsZero() && !t.Before(w.Until) {
		return false
	}
	return true
}

// Reader fetches raw events from an external log source. Providers filters
// to the named providers; empty means all.
type Reader interface {
	Read(ctx context.Context, window Window, providers []string) ([]types.RawEvent, error)
}

// Limit caps the number of events a reader returns. n <= 0 means no cap.
func Limit(r Reader, n int) Reader {
	if n <= 0 {
		return r
	}
	return &limitReader{inner: r, n: n}
}

type limitReader struct {
	inner Reader
	n     int
}

func (l *limitReader) Read(ctx context.Context, window Window, providers []string) ([]types.RawEvent, error) {
	events, err := l.inner.Read(ctx, window, providers)
	if err != nil {
		return nil, err
	}
	if len(events) > l.n {
		events = events[:l.n]
	}
	return events, nil
}
