package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrTaskNotFound = errors.New("task not found")

// Blocked reasons reported on a failed transition attempt.
const (
	BlockedInvalidTransition = "invalid_transition"
	BlockedMissingAgent      = "missing_agent"
	BlockedOpenComments      = "blocking_comments_open"
)

// transitionGraph is the fixed adjacency over the lifecycle: the forward
// chain plus corrective edges (rework from testing/review, runtime-truth
// regression from in_progress, and manual reset to inbox from anywhere).
var transitionGraph = map[Status][]Status{
	StatusInbox:      {StatusPlanning},
	StatusPlanning:   {StatusAssigned, StatusInbox},
	StatusAssigned:   {StatusInProgress, StatusInbox},
	StatusInProgress: {StatusTesting, StatusAssigned, StatusInbox},
	StatusTesting:    {StatusReview, StatusInProgress, StatusInbox},
	StatusReview:     {StatusDone, StatusInProgress, StatusInbox},
	StatusDone:       {StatusInbox},
}

// EdgeAllowed reports whether (from, to) is in the adjacency graph.
func EdgeAllowed(from, to Status) bool {
	for _, next := range transitionGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionOptions parameterizes a single transition attempt.
type TransitionOptions struct {
	// Actor tags who requested the transition: "api", "system", "reconcile".
	Actor  string
	Reason string
	// AgentID assigns an agent as part of the transition.
	AgentID string
	// Metadata is an opaque audit payload attached to the attempt. The
	// machine does not persist it; callers log or comment it.
	Metadata map[string]any
	// Patch persists additional fields atomically with the status write.
	Patch *Patch
	// BypassGuards skips interactive guard checks for system-originated
	// corrections. The structural adjacency check is never skipped.
	BypassGuards bool
}

// TransitionResult reports the outcome of a transition attempt.
type TransitionResult struct {
	OK            bool   `json:"ok"`
	NoOp          bool   `json:"noop,omitempty"`
	Conflict      bool   `json:"conflict,omitempty"`
	From          Status `json:"from"`
	To            Status `json:"to"`
	BlockedReason string `json:"blocked_reason,omitempty"`
	Task          Task   `json:"task,omitempty"`
}

// Machine validates and applies lifecycle transitions against the store.
// It is the single authority on which edges exist and which guards hold;
// downstream notification is the caller's job.
type Machine struct {
	store Store
}

func NewMachine(store Store) *Machine {
	return &Machine{store: store}
}

func (m *Machine) Transition(ctx context.Context, taskID string, to Status, opts TransitionOptions) (TransitionResult, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return TransitionResult{}, errors.New("task_id is required")
	}
	if !to.Valid() {
		return TransitionResult{}, fmt.Errorf("unknown status %q", to)
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return TransitionResult{}, ErrTaskNotFound
		}
		return TransitionResult{}, err
	}
	from := task.Status

	if to == from {
		// No-op by contract: no store write, no event. Reconciliation
		// relies on this to skip audit emission.
		return TransitionResult{OK: true, NoOp: true, From: from, To: to, Task: task}, nil
	}

	if !EdgeAllowed(from, to) {
		return TransitionResult{From: from, To: to, BlockedReason: BlockedInvalidTransition}, nil
	}

	patch := Patch{}
	if opts.Patch != nil {
		patch = *opts.Patch
	}
	if agentID := strings.TrimSpace(opts.AgentID); agentID != "" {
		patch.AssignedAgentID = &agentID
	}

	if !opts.BypassGuards {
		if reason, blocked := m.checkGuards(ctx, task, to, patch); blocked {
			return TransitionResult{From: from, To: to, BlockedReason: reason}, nil
		}
	}

	updated, err := m.store.UpdateTaskIf(ctx, taskID, from, to, patch)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return TransitionResult{NoOp: true, Conflict: true, From: from, To: to}, nil
		}
		return TransitionResult{}, err
	}

	return TransitionResult{OK: true, From: from, To: to, Task: updated}, nil
}

func (m *Machine) checkGuards(ctx context.Context, task Task, to Status, patch Patch) (string, bool) {
	switch to {
	case StatusAssigned:
		agentID := task.AssignedAgentID
		if patch.AssignedAgentID != nil {
			agentID = *patch.AssignedAgentID
		}
		if strings.TrimSpace(agentID) == "" {
			return BlockedMissingAgent, true
		}
	case StatusDone:
		comments, err := m.store.ListComments(ctx, task.ID)
		if err != nil {
			// Guard evaluation must fail closed: an unreadable comment
			// list cannot prove the task is unblocked.
			return BlockedOpenComments, true
		}
		for _, c := range comments {
			if c.Blocking && !c.Resolved {
				return BlockedOpenComments, true
			}
		}
	}
	return "", false
}
