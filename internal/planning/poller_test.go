package planning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/warden/internal/events"
	"github.com/ent0n29/warden/internal/openclaw"
	"github.com/ent0n29/warden/internal/tasks"
)

func savePlanningTask(t *testing.T, store tasks.Store, id string, state tasks.PlanningState) tasks.Task {
	t.Helper()
	now := time.Now().UTC()
	task := tasks.Task{
		ID:        id,
		Title:     "task " + id,
		Status:    tasks.StatusPlanning,
		Priority:  tasks.PriorityMedium,
		Planning:  state,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	return task
}

func TestPollOnceMarksPlanningComplete(t *testing.T) {
	store := tasks.NewInMemoryStore()
	gateway := openclaw.NewMockClient()
	broadcaster := events.NewBroadcaster()
	p := NewPoller(Config{}, store, gateway, broadcaster)

	sessionKey := "agent:planner:task:t1"
	task := savePlanningTask(t, store, "t1", tasks.PlanningState{
		Phase:      tasks.PlanningNotStarted,
		SessionKey: sessionKey,
	})
	gateway.Histories[sessionKey] = []openclaw.ChatMessage{
		{Role: "user", Content: "plan the migration"},
		{Role: "assistant", Content: `{"planning_complete": true, "spec": {"summary": "migrate in two phases"}}`},
	}

	ch, cancel := broadcaster.Subscribe()
	defer cancel()

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	stored, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stored.Planning.Phase != tasks.PlanningComplete {
		t.Fatalf("phase = %q, want complete", stored.Planning.Phase)
	}
	if stored.Planning.Spec == nil || stored.Planning.Spec.Summary != "migrate in two phases" {
		t.Fatalf("spec = %+v, want recorded summary", stored.Planning.Spec)
	}
	if len(stored.Planning.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(stored.Planning.Messages))
	}

	select {
	case evt := <-ch:
		if evt.Type != events.EventPlanningUpdated || evt.TaskID != task.ID {
			t.Fatalf("event = %+v, want planning_updated for %s", evt, task.ID)
		}
	default:
		t.Fatalf("no planning_updated event broadcast")
	}
}

func TestPollOnceRecordsQuestion(t *testing.T) {
	store := tasks.NewInMemoryStore()
	gateway := openclaw.NewMockClient()
	p := NewPoller(Config{}, store, gateway, nil)

	sessionKey := "agent:planner:task:t1"
	task := savePlanningTask(t, store, "t1", tasks.PlanningState{
		Phase:      tasks.PlanningNotStarted,
		SessionKey: sessionKey,
	})
	gateway.Histories[sessionKey] = []openclaw.ChatMessage{
		{Role: "user", Content: "plan the migration"},
		{Role: "assistant", Content: `{"question": "zero-downtime required?"}`},
	}

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	stored, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stored.Planning.Phase != tasks.PlanningAwaitingAnswer {
		t.Fatalf("phase = %q, want awaiting_answer", stored.Planning.Phase)
	}
	if stored.Planning.Question != "zero-downtime required?" {
		t.Fatalf("question = %q", stored.Planning.Question)
	}
}

func TestPollOnceSpecSetOnce(t *testing.T) {
	store := tasks.NewInMemoryStore()
	gateway := openclaw.NewMockClient()
	p := NewPoller(Config{}, store, gateway, nil)

	sessionKey := "agent:planner:task:t1"
	original := &tasks.PlanningSpec{Summary: "original plan"}
	task := savePlanningTask(t, store, "t1", tasks.PlanningState{
		Phase:      tasks.PlanningAwaitingAnswer,
		SessionKey: sessionKey,
		Spec:       original,
	})
	gateway.Histories[sessionKey] = []openclaw.ChatMessage{
		{Role: "assistant", Content: `{"planning_complete": true, "spec": {"summary": "revised plan"}}`},
	}

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	stored, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stored.Planning.Phase != tasks.PlanningComplete {
		t.Fatalf("phase = %q, want complete", stored.Planning.Phase)
	}
	if stored.Planning.Spec.Summary != "original plan" {
		t.Fatalf("spec summary = %q, recorded spec must not be overwritten", stored.Planning.Spec.Summary)
	}
}

func TestPollOnceSkipsNonPlanningTasks(t *testing.T) {
	store := tasks.NewInMemoryStore()
	gateway := openclaw.NewMockClient()
	p := NewPoller(Config{}, store, gateway, nil)

	// Already-complete planning and missing session key: neither is watched.
	savePlanningTask(t, store, "t1", tasks.PlanningState{
		Phase:      tasks.PlanningComplete,
		SessionKey: "agent:planner:task:t1",
	})
	savePlanningTask(t, store, "t2", tasks.PlanningState{Phase: tasks.PlanningNotStarted})

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if gateway.ConnectCalls != 0 {
		t.Fatalf("ConnectCalls = %d, want 0 when nothing is watched", gateway.ConnectCalls)
	}
}

func TestPollOnceIsolatesPerTaskErrors(t *testing.T) {
	store := tasks.NewInMemoryStore()
	gateway := openclaw.NewMockClient()
	p := NewPoller(Config{}, store, gateway, nil)

	failKey := "agent:planner:task:t1"
	okKey := "agent:planner:task:t2"
	savePlanningTask(t, store, "t1", tasks.PlanningState{Phase: tasks.PlanningNotStarted, SessionKey: failKey})
	healthy := savePlanningTask(t, store, "t2", tasks.PlanningState{Phase: tasks.PlanningNotStarted, SessionKey: okKey})

	gateway.HistoryErrs[failKey] = errors.New("gateway timeout")
	gateway.Histories[okKey] = []openclaw.ChatMessage{
		{Role: "assistant", Content: `{"planning_complete": true, "spec": {"summary": "done"}}`},
	}

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	stored, err := store.GetTask(context.Background(), healthy.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stored.Planning.Phase != tasks.PlanningComplete {
		t.Fatalf("healthy task phase = %q, want complete despite sibling failure", stored.Planning.Phase)
	}
}
