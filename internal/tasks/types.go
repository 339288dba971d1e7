package tasks

import "time"

type Status string

const (
	StatusInbox      Status = "inbox"
	StatusPlanning   Status = "planning"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusTesting    Status = "testing"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// AllStatuses lists every lifecycle status in forward order.
var AllStatuses = []Status{
	StatusInbox,
	StatusPlanning,
	StatusAssigned,
	StatusInProgress,
	StatusTesting,
	StatusReview,
	StatusDone,
}

func (s Status) Valid() bool {
	switch s {
	case StatusInbox, StatusPlanning, StatusAssigned, StatusInProgress, StatusTesting, StatusReview, StatusDone:
		return true
	default:
		return false
	}
}

// Active reports whether the status has a live dispatch behind it.
// Only active tasks are eligible for runtime-truth reconciliation.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusInProgress
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Task struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Status          Status   `json:"status"`
	Priority        Priority `json:"priority"`
	AssignedAgentID string   `json:"assigned_agent_id,omitempty"`

	// Dispatch fields identify the gateway session backing the current
	// dispatch. They are stamped when a task enters assigned and superseded
	// on redispatch.
	OpenClawSessionKey        string     `json:"openclaw_session_key,omitempty"`
	DispatchID                string     `json:"dispatch_id,omitempty"`
	DispatchStartedAt         *time.Time `json:"dispatch_started_at,omitempty"`
	DispatchMessageCountStart int        `json:"dispatch_message_count_start,omitempty"`

	Planning PlanningState `json:"planning"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t Task) Clone() Task {
	out := t
	out.Planning = t.Planning.Clone()
	return out
}

type AuthorType string

const (
	AuthorUser   AuthorType = "user"
	AuthorAgent  AuthorType = "agent"
	AuthorSystem AuthorType = "system"
)

type Comment struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	AuthorType AuthorType `json:"author_type"`
	Content    string     `json:"content"`
	Blocking   bool       `json:"blocking,omitempty"`
	Resolved   bool       `json:"resolved,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type CreateRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
}
