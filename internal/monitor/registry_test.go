package monitor

import (
	"testing"
	"time"
)

func TestRegisterAndAcknowledge(t *testing.T) {
	r := NewRegistry(time.Minute)

	r.RegisterDispatch("agent:dev:task:t1")
	if r.Acked("agent:dev:task:t1") {
		t.Fatalf("Acked() = true before any activity")
	}

	r.AcknowledgeActivity("agent:dev:task:t1")
	if !r.Acked("agent:dev:task:t1") {
		t.Fatalf("Acked() = false after AcknowledgeActivity")
	}
}

func TestAcknowledgeUnknownKeyIgnored(t *testing.T) {
	r := NewRegistry(time.Minute)

	r.AcknowledgeActivity("agent:dev:task:missing")
	if r.Acked("agent:dev:task:missing") {
		t.Fatalf("Acked() = true for a key that was never registered")
	}
	if len(r.ActiveMonitors()) != 0 {
		t.Fatalf("ActiveMonitors() = %d entries, want 0", len(r.ActiveMonitors()))
	}
}

func TestReRegisterSupersedesAck(t *testing.T) {
	r := NewRegistry(time.Minute)

	r.RegisterDispatch("agent:dev:task:t1")
	r.AcknowledgeActivity("agent:dev:task:t1")

	// A redispatch starts a fresh session; prior activity no longer counts.
	r.RegisterDispatch("agent:dev:task:t1")
	if r.Acked("agent:dev:task:t1") {
		t.Fatalf("Acked() = true after re-register, want cleared")
	}
}

func TestRemoveAndReset(t *testing.T) {
	r := NewRegistry(time.Minute)

	r.RegisterDispatch("agent:dev:task:t1")
	r.RegisterDispatch("agent:dev:task:t2")
	r.Remove("agent:dev:task:t1")
	if got := len(r.ActiveMonitors()); got != 1 {
		t.Fatalf("ActiveMonitors() = %d entries after Remove, want 1", got)
	}

	r.Reset()
	if got := len(r.ActiveMonitors()); got != 0 {
		t.Fatalf("ActiveMonitors() = %d entries after Reset, want 0", got)
	}
}

func TestRegisteredAtUsesInjectedClock(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(time.Minute, WithClock(func() time.Time { return fixed }))

	r.RegisterDispatch("agent:dev:task:t1")
	entries := r.ActiveMonitors()
	if len(entries) != 1 {
		t.Fatalf("ActiveMonitors() = %d entries, want 1", len(entries))
	}
	if !entries[0].RegisteredAt.Equal(fixed) {
		t.Fatalf("RegisteredAt = %v, want %v", entries[0].RegisteredAt, fixed)
	}
}

func TestBlankSessionKeyIgnored(t *testing.T) {
	r := NewRegistry(time.Minute)

	r.RegisterDispatch("   ")
	if got := len(r.ActiveMonitors()); got != 0 {
		t.Fatalf("ActiveMonitors() = %d entries, want 0", got)
	}
}
