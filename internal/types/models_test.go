package types

import (
	"testing"
	"time"
)

func TestIdentityStable(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	ev := RawEvent{Provider: "Service Control Manager", Message: "The Spooler service entered the running state.", ObservedAt: at}

	a := ev.Identity()
	b := ev.Identity()
	if a != b {
		t.Errorf("identity not stable: %q vs %q", a, b)
	}

	other := RawEvent{Provider: ev.Provider, Message: ev.Message + " ", ObservedAt: at}
	if other.Identity() == a {
		t.Error("different messages should produce different identities")
	}
}

func TestIdentityNormalizesTimezone(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	at := time.Date(2025, 6, 1, 4, 0, 0, 0, loc)
	utc := at.UTC()

	a := Identity("TPM", at, "msg")
	b := Identity("TPM", utc, "msg")
	if a != b {
		t.Errorf("identity should be timezone independent: %q vs %q", a, b)
	}
}

func TestEventTypeValid(t *testing.T) {
	for _, et := range EventTypes {
		if !et.Valid() {
			t.Errorf("expected %q to be valid", et)
		}
	}
	if EventType("random_new_value").Valid() {
		t.Error("unexpected event type should be invalid")
	}
	if EventType("").Valid() {
		t.Error("empty event type should be invalid")
	}
}
