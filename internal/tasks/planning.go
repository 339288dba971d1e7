package tasks

import (
	"encoding/json"
	"strings"
	"time"
)

// PlanningPhase is the typed planning sub-state for a task.
type PlanningPhase string

const (
	PlanningNotStarted     PlanningPhase = "not_started"
	PlanningAwaitingAnswer PlanningPhase = "awaiting_answer"
	PlanningComplete       PlanningPhase = "complete"
	PlanningDispatchFailed PlanningPhase = "dispatch_failed"
)

// PlanningState tracks the planning conversation attached to a task.
// Exactly one phase holds at a time: AwaitingAnswer carries Question,
// Complete carries Spec (set once), DispatchFailed carries DispatchError.
type PlanningState struct {
	Phase         PlanningPhase     `json:"phase"`
	SessionKey    string            `json:"session_key,omitempty"`
	Messages      []PlanningMessage `json:"messages,omitempty"`
	Question      string            `json:"question,omitempty"`
	Spec          *PlanningSpec     `json:"spec,omitempty"`
	DispatchError string            `json:"dispatch_error,omitempty"`
}

type PlanningMessage struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at,omitempty"`
}

// PlanningSpec is the structured planning result produced by the agent.
type PlanningSpec struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps,omitempty"`
}

func (p PlanningState) Clone() PlanningState {
	out := p
	if p.Messages != nil {
		out.Messages = make([]PlanningMessage, len(p.Messages))
		copy(out.Messages, p.Messages)
	}
	if p.Spec != nil {
		spec := *p.Spec
		if p.Spec.Steps != nil {
			spec.Steps = make([]string, len(p.Spec.Steps))
			copy(spec.Steps, p.Spec.Steps)
		}
		out.Spec = &spec
	}
	return out
}

func (p PlanningState) Complete() bool {
	return p.Phase == PlanningComplete
}

// DecodePlanningState parses a stored planning blob. Malformed or empty
// input falls back to a fresh not-started state; the second return value
// reports whether the fallback was taken so callers can log it.
func DecodePlanningState(raw string) (PlanningState, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PlanningState{Phase: PlanningNotStarted}, false
	}
	var state PlanningState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return PlanningState{Phase: PlanningNotStarted}, true
	}
	if state.Phase == "" {
		state.Phase = PlanningNotStarted
	}
	return state, false
}

// EncodePlanningState serializes the planning sub-state for storage.
func EncodePlanningState(state PlanningState) string {
	if state.Phase == "" {
		state.Phase = PlanningNotStarted
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return `{"phase":"not_started"}`
	}
	return string(raw)
}
