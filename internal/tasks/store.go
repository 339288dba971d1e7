package tasks

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStoreNotFound = errors.New("task not found in store")

	// ErrStatusConflict is returned by UpdateTaskIf when the task's status
	// no longer matches the expected prior status. Callers treat it as a
	// concurrent-writer signal, never as a fatal fault.
	ErrStatusConflict = errors.New("task status changed concurrently")
)

// Patch carries fields persisted atomically alongside a status change.
// Nil pointers leave the stored value untouched.
type Patch struct {
	Title           *string
	Description     *string
	Priority        *Priority
	AssignedAgentID *string

	OpenClawSessionKey        *string
	DispatchID                *string
	DispatchStartedAt         *time.Time
	DispatchMessageCountStart *int
	// ClearDispatch wipes all dispatch fields; used on manual reset to inbox.
	ClearDispatch bool

	Planning *PlanningState
}

func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil &&
		p.AssignedAgentID == nil && p.OpenClawSessionKey == nil &&
		p.DispatchID == nil && p.DispatchStartedAt == nil &&
		p.DispatchMessageCountStart == nil && !p.ClearDispatch && p.Planning == nil
}

// Apply folds the patch into a task snapshot.
func (p Patch) Apply(t *Task, now time.Time) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.AssignedAgentID != nil {
		t.AssignedAgentID = *p.AssignedAgentID
	}
	if p.OpenClawSessionKey != nil {
		t.OpenClawSessionKey = *p.OpenClawSessionKey
	}
	if p.DispatchID != nil {
		t.DispatchID = *p.DispatchID
	}
	if p.DispatchStartedAt != nil {
		at := *p.DispatchStartedAt
		t.DispatchStartedAt = &at
	}
	if p.DispatchMessageCountStart != nil {
		t.DispatchMessageCountStart = *p.DispatchMessageCountStart
	}
	if p.ClearDispatch {
		t.OpenClawSessionKey = ""
		t.DispatchID = ""
		t.DispatchStartedAt = nil
		t.DispatchMessageCountStart = 0
	}
	if p.Planning != nil {
		t.Planning = p.Planning.Clone()
	}
	t.UpdatedAt = now
}

type Store interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	// ListActive returns tasks whose status is assigned or in_progress,
	// the reconciliation scan set.
	ListActive(ctx context.Context) ([]Task, error)
	ListTasks(ctx context.Context, limit int) ([]Task, error)
	// UpdateTaskIf applies status plus patch only while the stored status
	// still equals expect. A stale expectation yields ErrStatusConflict.
	UpdateTaskIf(ctx context.Context, taskID string, expect, next Status, patch Patch) (Task, error)
	AddComment(ctx context.Context, comment Comment) error
	ListComments(ctx context.Context, taskID string) ([]Comment, error)
	ResolveComment(ctx context.Context, commentID string) error
	Close() error
}
