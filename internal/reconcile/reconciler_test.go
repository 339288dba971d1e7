package reconcile

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

type harness struct {
	store       *tasks.InMemoryStore
	machine     *tasks.Machine
	gateway     *openclaw.MockClient
	monitors    *monitor.Registry
	broadcaster *events.Broadcaster
	reconciler  *Reconciler
	now         time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h := &harness{
		store:       tasks.NewInMemoryStore(),
		gateway:     openclaw.NewMockClient(),
		monitors:    monitor.NewRegistry(5*time.Minute, monitor.WithClock(func() time.Time { return now })),
		broadcaster: events.NewBroadcaster(),
		now:         now,
	}
	h.machine = tasks.NewMachine(h.store)
	h.reconciler = New(Config{}, h.store, h.machine, h.gateway, h.monitors, h.broadcaster, nil)
	h.reconciler.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) addActiveTask(t *testing.T, id string, status tasks.Status, baseline int, startedAgo time.Duration) tasks.Task {
	t.Helper()
	startedAt := h.now.Add(-startedAgo)
	task := tasks.Task{
		ID:                        id,
		Title:                     "task " + id,
		Status:                    status,
		Priority:                  tasks.PriorityMedium,
		AssignedAgentID:           "agent-1",
		OpenClawSessionKey:        "agent:agent-1:task:" + id,
		DispatchID:                "d-" + id,
		DispatchStartedAt:         &startedAt,
		DispatchMessageCountStart: baseline,
		Planning:                  tasks.PlanningState{Phase: tasks.PlanningNotStarted},
		CreatedAt:                 startedAt,
		UpdatedAt:                 startedAt,
	}
	if err := h.store.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	return task
}

func assistantHistory(n int) []openclaw.ChatMessage {
	history := []openclaw.ChatMessage{{Role: "user", Content: "kickoff"}}
	for i := 0; i < n; i++ {
		history = append(history, openclaw.ChatMessage{Role: "assistant", Content: "working"})
	}
	return history
}

func TestRunPromotesOnObservedActivity(t *testing.T) {
	h := newHarness(t)
	task := h.addActiveTask(t, "t1", tasks.StatusAssigned, 2, time.Minute)
	h.gateway.Histories[task.OpenClawSessionKey] = assistantHistory(3)

	result, err := h.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Scanned != 1 {
		t.Fatalf("scanned = %d, want 1", result.Scanned)
	}
	if len(result.Repaired) != 1 {
		t.Fatalf("repaired = %d, want 1", len(result.Repaired))
	}
	repair := result.Repaired[0]
	if repair.From != tasks.StatusAssigned || repair.To != tasks.StatusInProgress {
		t.Fatalf("repair = %s -> %s, want assigned -> in_progress", repair.From, repair.To)
	}
	if repair.Reason != ReasonObservedActivity {
		t.Fatalf("reason = %q, want %q", repair.Reason, ReasonObservedActivity)
	}

	stored, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stored.Status != tasks.StatusInProgress {
		t.Fatalf("stored status = %q, want in_progress", stored.Status)
	}

	comments, err := h.store.ListComments(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListComments() error = %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("comments = %d, want 1 audit comment", len(comments))
	}
	if comments[0].AuthorType != tasks.AuthorSystem {
		t.Fatalf("comment author = %q, want system", comments[0].AuthorType)
	}
	if !strings.Contains(comments[0].Content, "assigned to in_progress") {
		t.Fatalf("comment content = %q, want transition summary", comments[0].Content)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	task := h.addActiveTask(t, "t1", tasks.StatusAssigned, 2, time.Minute)
	h.gateway.Histories[task.OpenClawSessionKey] = assistantHistory(3)

	first, err := h.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(first.Repaired) != 1 {
		t.Fatalf("first pass repaired = %d, want 1", len(first.Repaired))
	}

	second, err := h.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() second pass error = %v", err)
	}
	if len(second.Repaired) != 0 {
		t.Fatalf("second pass repaired = %d, want 0", len(second.Repaired))
	}

	comments, err := h.store.ListComments(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("ListComments() error = %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("comments = %d after two passes, want exactly 1", len(comments))
	}
}

func TestRunRegressesSilentInProgress(t *testing.T) {
	h := newHarness(t)
	task := h.addActiveTask(t, "t1", tasks.StatusInProgress, 0, 10*time.Minute)
	h.gateway.Histories[task.OpenClawSessionKey] = nil

	result, err := h.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Repaired) != 1 {
		t.Fatalf("repaired = %d, want 1", len(result.Repaired))
	}
	if result.Repaired[0].Reason != ReasonMissingActivity {
		t.Fatalf("reason = %q, want %q", result.Repaired[0].Reason, ReasonMissingActivity)
	}

	stored, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stored.Status != tasks.StatusAssigned {
		t.Fatalf("stored status = %q, want assigned", stored.Status)
	}
}

func TestRunMonitorAckCountsAsEvidence(t *testing.T) {
	h := newHarness(t)
	task := h.addActiveTask(t, "t1", tasks.StatusAssigned, 0, time.Minute)
	h.monitors.RegisterDispatch(task.OpenClawSessionKey)
	h.monitors.AcknowledgeActivity(task.OpenClawSessionKey)

	result, err := h.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Repaired) != 1 || result.Repaired[0].To != tasks.StatusInProgress {
		t.Fatalf("result = %+v, want one promotion to in_progress", result)
	}
}

func TestRunIsolatesPerTaskErrors(t *testing.T) {
	h := newHarness(t)
	failing := h.addActiveTask(t, "t1", tasks.StatusAssigned, 0, time.Minute)
	healthy := h.addActiveTask(t, "t2", tasks.StatusAssigned, 1, time.Minute)
	h.gateway.HistoryErrs[failing.OpenClawSessionKey] = errors.New("gateway timeout")
	h.gateway.Histories[healthy.OpenClawSessionKey] = assistantHistory(2)

	result, err := h.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Scanned != 2 {
		t.Fatalf("scanned = %d, want 2", result.Scanned)
	}
	if len(result.Errors) != 1 || result.Errors[0].TaskID != failing.ID {
		t.Fatalf("errors = %+v, want one error for %s", result.Errors, failing.ID)
	}
	if len(result.Repaired) != 1 || result.Repaired[0].TaskID != healthy.ID {
		t.Fatalf("repaired = %+v, want one repair for %s", result.Repaired, healthy.ID)
	}
}

func TestRunEmptyScanSkipsGateway(t *testing.T) {
	h := newHarness(t)

	result, err := h.reconciler.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Scanned != 0 {
		t.Fatalf("scanned = %d, want 0", result.Scanned)
	}
	if h.gateway.ConnectCalls != 0 {
		t.Fatalf("ConnectCalls = %d, want 0 for an empty scan", h.gateway.ConnectCalls)
	}
}

func TestRunSurfacesGatewayConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.addActiveTask(t, "t1", tasks.StatusAssigned, 0, time.Minute)
	h.gateway.ConnectErr = errors.New("gateway unreachable")

	if _, err := h.reconciler.Run(context.Background()); err == nil {
		t.Fatalf("Run() error = nil, want connect failure")
	}
}

func TestRunBroadcastsRepairEvents(t *testing.T) {
	h := newHarness(t)
	task := h.addActiveTask(t, "t1", tasks.StatusAssigned, 0, time.Minute)
	h.gateway.Histories[task.OpenClawSessionKey] = assistantHistory(1)

	ch, cancel := h.broadcaster.Subscribe()
	defer cancel()

	if _, err := h.reconciler.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Type != events.EventTaskRepaired {
			t.Fatalf("event type = %q, want %q", evt.Type, events.EventTaskRepaired)
		}
		if evt.TaskID != task.ID || evt.Actor != "reconcile" {
			t.Fatalf("event = %+v, want repair event for %s", evt, task.ID)
		}
	default:
		t.Fatalf("no repair event broadcast")
	}
}
