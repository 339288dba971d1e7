package taskruntime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/warden/internal/events"
	"github.com/ent0n29/warden/internal/monitor"
	"github.com/ent0n29/warden/internal/openclaw"
	"github.com/ent0n29/warden/internal/tasks"
)

type fixture struct {
	store    *tasks.InMemoryStore
	gateway  *openclaw.MockClient
	monitors *monitor.Registry
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    tasks.NewInMemoryStore(),
		gateway:  openclaw.NewMockClient(),
		monitors: monitor.NewRegistry(5 * time.Minute),
	}
	machine := tasks.NewMachine(f.store)
	f.service = New(Config{}, f.store, machine, f.gateway, f.monitors, events.NewBroadcaster(), nil)
	return f
}

func (f *fixture) createTask(t *testing.T, title string) tasks.Task {
	t.Helper()
	task, err := f.service.CreateTask(context.Background(), tasks.CreateRequest{Title: title})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	f := newFixture(t)

	task := f.createTask(t, "  ship the feature  ")
	if task.Title != "ship the feature" {
		t.Fatalf("title = %q, want trimmed", task.Title)
	}
	if task.Status != tasks.StatusInbox {
		t.Fatalf("status = %q, want inbox", task.Status)
	}
	if task.Priority != tasks.PriorityMedium {
		t.Fatalf("priority = %q, want medium default", task.Priority)
	}
	if task.Planning.Phase != tasks.PlanningNotStarted {
		t.Fatalf("planning phase = %q, want not_started", task.Planning.Phase)
	}
	if task.ID == "" {
		t.Fatalf("task id is empty")
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	f := newFixture(t)

	if _, err := f.service.CreateTask(context.Background(), tasks.CreateRequest{Title: "   "}); err == nil {
		t.Fatalf("CreateTask() error = nil, want title error")
	}
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)

	if _, err := f.service.GetTask(context.Background(), "missing"); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("GetTask() error = %v, want ErrTaskNotFound", err)
	}
}

func TestStartPlanningSendsKickoff(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "migrate the database")

	res, err := f.service.StartPlanning(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("StartPlanning() error = %v", err)
	}
	if !res.OK || res.To != tasks.StatusPlanning {
		t.Fatalf("StartPlanning() result = %+v", res)
	}

	wantKey := "agent:planner:task:" + task.ID
	if res.Task.Planning.SessionKey != wantKey {
		t.Fatalf("planning session key = %q, want %q", res.Task.Planning.SessionKey, wantKey)
	}
	if len(f.gateway.Sent) != 1 {
		t.Fatalf("sent = %d messages, want 1 kickoff", len(f.gateway.Sent))
	}
	if f.gateway.Sent[0].SessionKey != wantKey {
		t.Fatalf("kickoff session = %q, want %q", f.gateway.Sent[0].SessionKey, wantKey)
	}
	if !strings.Contains(f.gateway.Sent[0].Text, "migrate the database") {
		t.Fatalf("kickoff prompt missing task title: %q", f.gateway.Sent[0].Text)
	}
}

func TestStartPlanningRecordsDispatchFailure(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "migrate the database")
	f.gateway.SendErr = errors.New("gateway rejected send")

	if _, err := f.service.StartPlanning(context.Background(), task.ID); err == nil {
		t.Fatalf("StartPlanning() error = nil, want dispatch failure")
	}

	stored, err := f.service.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stored.Status != tasks.StatusInbox {
		t.Fatalf("status = %q, want inbox after failed dispatch", stored.Status)
	}
	if stored.Planning.Phase != tasks.PlanningDispatchFailed {
		t.Fatalf("planning phase = %q, want dispatch_failed", stored.Planning.Phase)
	}
	if !strings.Contains(stored.Planning.DispatchError, "gateway rejected send") {
		t.Fatalf("dispatch error = %q", stored.Planning.DispatchError)
	}
}

func TestDispatchStampsBaselineAndMonitor(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "fix the flaky test")
	if _, err := f.service.StartPlanning(context.Background(), task.ID); err != nil {
		t.Fatalf("StartPlanning() error = %v", err)
	}

	sessionKey := "agent:dev:task:" + task.ID
	f.gateway.Histories[sessionKey] = []openclaw.ChatMessage{
		{Role: "assistant", Content: "stale history"},
		{Role: "assistant", Content: "from an earlier run"},
	}

	res, err := f.service.Dispatch(context.Background(), task.ID, "dev")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !res.OK || res.To != tasks.StatusAssigned {
		t.Fatalf("Dispatch() result = %+v", res)
	}
	if res.Task.OpenClawSessionKey != sessionKey {
		t.Fatalf("session key = %q, want %q", res.Task.OpenClawSessionKey, sessionKey)
	}
	if res.Task.DispatchMessageCountStart != 2 {
		t.Fatalf("dispatch baseline = %d, want 2 from prior history", res.Task.DispatchMessageCountStart)
	}
	if res.Task.AssignedAgentID != "dev" {
		t.Fatalf("agent id = %q, want dev", res.Task.AssignedAgentID)
	}
	if res.Task.DispatchStartedAt == nil {
		t.Fatalf("dispatch started_at not stamped")
	}
	if len(f.monitors.ActiveMonitors()) != 1 {
		t.Fatalf("monitors = %d, want 1", len(f.monitors.ActiveMonitors()))
	}
}

func TestDispatchRequiresAgent(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "fix the flaky test")

	if _, err := f.service.Dispatch(context.Background(), task.ID, "  "); err == nil {
		t.Fatalf("Dispatch() error = nil, want agent_id error")
	}
}

func TestRequestTransitionRemovesMonitorOnExit(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "fix the flaky test")
	if _, err := f.service.StartPlanning(context.Background(), task.ID); err != nil {
		t.Fatalf("StartPlanning() error = %v", err)
	}
	if _, err := f.service.Dispatch(context.Background(), task.ID, "dev"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(f.monitors.ActiveMonitors()) != 1 {
		t.Fatalf("monitors = %d after dispatch, want 1", len(f.monitors.ActiveMonitors()))
	}

	// Manual reset to inbox ends the dispatch; the monitor goes with it.
	res, err := f.service.RequestTransition(context.Background(), task.ID, tasks.StatusInbox, tasks.TransitionOptions{
		Reason: "manual reset",
		Patch:  &tasks.Patch{ClearDispatch: true},
	})
	if err != nil {
		t.Fatalf("RequestTransition() error = %v", err)
	}
	if !res.OK {
		t.Fatalf("RequestTransition() blocked: %q", res.BlockedReason)
	}
	if got := len(f.monitors.ActiveMonitors()); got != 0 {
		t.Fatalf("monitors = %d after reset, want 0", got)
	}
}

func TestListGatewaySessions(t *testing.T) {
	f := newFixture(t)
	f.gateway.Sessions = []openclaw.SessionInfo{
		{SessionKey: "agent:dev:task:t1", AgentID: "dev"},
		{SessionKey: "agent:planner:task:t2"},
	}

	sessions, err := f.service.ListGatewaySessions(context.Background())
	if err != nil {
		t.Fatalf("ListGatewaySessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}

	f.gateway.ConnectErr = errors.New("gateway unreachable")
	if _, err := f.service.ListGatewaySessions(context.Background()); err == nil {
		t.Fatalf("ListGatewaySessions() error = nil, want connect failure")
	}
}

func TestNoteAgentActivity(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "fix the flaky test")
	if _, err := f.service.StartPlanning(context.Background(), task.ID); err != nil {
		t.Fatalf("StartPlanning() error = %v", err)
	}
	if _, err := f.service.Dispatch(context.Background(), task.ID, "dev"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	sessionKey := "agent:dev:task:" + task.ID
	f.service.NoteAgentActivity(sessionKey)
	if !f.monitors.Acked(sessionKey) {
		t.Fatalf("Acked() = false after NoteAgentActivity")
	}
}

func TestAddCommentValidates(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "fix the flaky test")

	if _, err := f.service.AddComment(context.Background(), task.ID, tasks.AuthorUser, "   ", false); err == nil {
		t.Fatalf("AddComment() error = nil, want content error")
	}
	if _, err := f.service.AddComment(context.Background(), "missing", tasks.AuthorUser, "hello", false); !errors.Is(err, tasks.ErrTaskNotFound) {
		t.Fatalf("AddComment() error = %v, want ErrTaskNotFound", err)
	}

	comment, err := f.service.AddComment(context.Background(), task.ID, tasks.AuthorUser, "blocker here", true)
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if !comment.Blocking || comment.Resolved {
		t.Fatalf("comment = %+v, want unresolved blocking", comment)
	}

	if err := f.service.ResolveComment(context.Background(), comment.ID); err != nil {
		t.Fatalf("ResolveComment() error = %v", err)
	}
	comments, err := f.service.ListComments(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListComments() error = %v", err)
	}
	if len(comments) != 1 || !comments[0].Resolved {
		t.Fatalf("comments = %+v, want one resolved", comments)
	}
}
