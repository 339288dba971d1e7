package reconcile

import (
	"time"

	"github.com/ent0n29/warden/internal/tasks"
)

// Evidence is everything the deriver is allowed to look at. It carries its
// own clock value so derivation stays deterministic and free of I/O.
type Evidence struct {
	Now                   time.Time
	AckTimeout            time.Duration
	MonitorAcked          bool
	AssistantMessageCount int
	LatestAssistantAt     *time.Time
}

// DeriveExpectedActiveStatus computes the status that should currently hold
// for a task in assigned or in_progress.
//
// New assistant output since dispatch, or an in-memory ack, means the agent
// is demonstrably working: in_progress. A task stuck in assigned past the
// ack timeout with neither signal reverts to assigned (the agent never
// started). An in_progress task with sustained silence is left alone —
// regressing it on silence alone would oscillate against a slow agent.
func DeriveExpectedActiveStatus(task tasks.Task, ev Evidence) tasks.Status {
	if ev.AssistantMessageCount > task.DispatchMessageCountStart || ev.MonitorAcked {
		return tasks.StatusInProgress
	}

	if task.Status == tasks.StatusAssigned {
		return tasks.StatusAssigned
	}

	// Task is in_progress with no ack and no new output. Only regress when
	// the dispatch never demonstrably started within the grace period.
	if task.DispatchStartedAt != nil && ev.AckTimeout > 0 {
		if ev.Now.Sub(*task.DispatchStartedAt) > ev.AckTimeout {
			return tasks.StatusAssigned
		}
	}
	return task.Status
}
