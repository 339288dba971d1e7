// Package taskruntime composes the task store, state machine, monitor
// registry, and gateway client into the operations the API surface exposes:
// creating tasks, kicking off planning, dispatching to agents, and applying
// caller-requested transitions.
package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/warden/internal/events"
	"github.com/ent0n29/warden/internal/monitor"
	"github.com/ent0n29/warden/internal/observability"
	"github.com/ent0n29/warden/internal/openclaw"
	"github.com/ent0n29/warden/internal/tasks"
)

type Config struct {
	GatewayCallTimeout time.Duration
}

type Service struct {
	store       tasks.Store
	machine     *tasks.Machine
	gateway     openclaw.Client
	monitors    *monitor.Registry
	broadcaster *events.Broadcaster
	metrics     *observability.Metrics
	callTimeout time.Duration
}

func New(
	cfg Config,
	store tasks.Store,
	machine *tasks.Machine,
	gateway openclaw.Client,
	monitors *monitor.Registry,
	broadcaster *events.Broadcaster,
	metrics *observability.Metrics,
) *Service {
	callTimeout := cfg.GatewayCallTimeout
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &Service{
		store:       store,
		machine:     machine,
		gateway:     gateway,
		monitors:    monitors,
		broadcaster: broadcaster,
		metrics:     metrics,
		callTimeout: callTimeout,
	}
}

func (s *Service) CreateTask(ctx context.Context, req tasks.CreateRequest) (tasks.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return tasks.Task{}, errors.New("title is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = tasks.PriorityMedium
	}

	now := time.Now().UTC()
	task := tasks.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		Status:      tasks.StatusInbox,
		Priority:    priority,
		Planning:    tasks.PlanningState{Phase: tasks.PlanningNotStarted},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return tasks.Task{}, fmt.Errorf("save task: %w", err)
	}

	s.broadcaster.Broadcast(events.Event{
		Type:   events.EventTaskCreated,
		TaskID: task.ID,
		To:     string(task.Status),
		At:     now,
	})
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	task, err := s.store.GetTask(ctx, strings.TrimSpace(taskID))
	if err != nil {
		if errors.Is(err, tasks.ErrStoreNotFound) {
			return tasks.Task{}, tasks.ErrTaskNotFound
		}
		return tasks.Task{}, err
	}
	return task, nil
}

func (s *Service) ListTasks(ctx context.Context, limit int) ([]tasks.Task, error) {
	return s.store.ListTasks(ctx, limit)
}

// RequestTransition applies a caller-requested transition and notifies
// subscribers on success. Guard and adjacency rejections come back in the
// result, not as errors.
func (s *Service) RequestTransition(ctx context.Context, taskID string, to tasks.Status, opts tasks.TransitionOptions) (tasks.TransitionResult, error) {
	if strings.TrimSpace(opts.Actor) == "" {
		opts.Actor = "api"
	}

	// Capture the pre-transition session key: a reset patch may clear the
	// dispatch fields before we get to monitor cleanup.
	prevSessionKey := ""
	if prev, err := s.store.GetTask(ctx, strings.TrimSpace(taskID)); err == nil {
		prevSessionKey = prev.OpenClawSessionKey
	}

	res, err := s.machine.Transition(ctx, taskID, to, opts)
	if err != nil {
		return tasks.TransitionResult{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveTransition(opts.Actor, transitionOutcome(res))
	}
	if res.OK && !res.NoOp {
		s.broadcaster.Broadcast(events.Event{
			Type:   events.EventTaskTransitioned,
			TaskID: taskID,
			From:   string(res.From),
			To:     string(res.To),
			Actor:  opts.Actor,
			Reason: opts.Reason,
		})
		if !res.To.Active() && prevSessionKey != "" {
			// The dispatch is over once the task leaves the active states.
			s.monitors.Remove(prevSessionKey)
			s.refreshMonitorGauge()
		}
	}
	return res, nil
}

// StartPlanning moves an inbox task into planning and opens its planning
// conversation on the gateway. A send failure is recorded as the
// DispatchFailed planning phase rather than lost.
func (s *Service) StartPlanning(ctx context.Context, taskID string) (tasks.TransitionResult, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return tasks.TransitionResult{}, err
	}

	sessionKey := openclaw.SessionKey("planner", task.ID)
	planning := task.Planning.Clone()
	planning.SessionKey = sessionKey

	if err := s.sendKickoff(ctx, sessionKey, planningPrompt(task)); err != nil {
		planning.Phase = tasks.PlanningDispatchFailed
		planning.DispatchError = err.Error()
		if _, uerr := s.store.UpdateTaskIf(ctx, task.ID, task.Status, task.Status, tasks.Patch{Planning: &planning}); uerr != nil {
			return tasks.TransitionResult{}, errors.Join(err, uerr)
		}
		return tasks.TransitionResult{}, fmt.Errorf("planning dispatch: %w", err)
	}

	planning.Phase = tasks.PlanningNotStarted
	planning.DispatchError = ""
	return s.RequestTransition(ctx, task.ID, tasks.StatusPlanning, tasks.TransitionOptions{
		Actor:  "api",
		Reason: "planning_started",
		Patch:  &tasks.Patch{Planning: &planning},
	})
}

// Dispatch hands a task to an agent: opens a gateway session, records the
// dispatch baseline, registers the activity monitor, and moves the task to
// assigned. A redispatch supersedes the previous monitor entry.
func (s *Service) Dispatch(ctx context.Context, taskID, agentID string) (tasks.TransitionResult, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return tasks.TransitionResult{}, errors.New("agent_id is required")
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return tasks.TransitionResult{}, err
	}

	sessionKey := openclaw.SessionKey(agentID, task.ID)
	dispatchID := uuid.NewString()
	now := time.Now().UTC()

	conn, err := s.gateway.Connect(ctx)
	if err != nil {
		return tasks.TransitionResult{}, fmt.Errorf("gateway connect: %w", err)
	}
	defer conn.Close()

	// Baseline the assistant message count so reconciliation can tell new
	// activity from replayed history. A fresh session has no history.
	baseline := 0
	histCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	history, histErr := conn.ChatHistory(histCtx, sessionKey)
	cancel()
	if histErr == nil {
		baseline = openclaw.SummarizeAssistant(history).Count
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	err = conn.SendMessage(sendCtx, sessionKey, dispatchPrompt(task))
	cancel()
	if err != nil {
		return tasks.TransitionResult{}, fmt.Errorf("dispatch send: %w", err)
	}

	if task.OpenClawSessionKey != "" && task.OpenClawSessionKey != sessionKey {
		s.monitors.Remove(task.OpenClawSessionKey)
	}

	res, err := s.RequestTransition(ctx, task.ID, tasks.StatusAssigned, tasks.TransitionOptions{
		Actor:   "api",
		Reason:  "dispatched",
		AgentID: agentID,
		Patch: &tasks.Patch{
			OpenClawSessionKey:        &sessionKey,
			DispatchID:                &dispatchID,
			DispatchStartedAt:         &now,
			DispatchMessageCountStart: &baseline,
		},
	})
	if err != nil {
		return tasks.TransitionResult{}, err
	}
	if res.OK && !res.NoOp {
		s.monitors.RegisterDispatch(sessionKey)
		s.refreshMonitorGauge()
	}
	return res, nil
}

// ListGatewaySessions reports the live sessions the gateway knows about,
// for operator inspection of what is actually running.
func (s *Service) ListGatewaySessions(ctx context.Context) ([]openclaw.SessionInfo, error) {
	conn, err := s.gateway.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway connect: %w", err)
	}
	defer conn.Close()

	listCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return conn.ListSessions(listCtx)
}

// NoteAgentActivity records an externally observed sign of life for a
// dispatched session (e.g. a gateway webhook or live event stream).
func (s *Service) NoteAgentActivity(sessionKey string) {
	s.monitors.AcknowledgeActivity(sessionKey)
}

func (s *Service) AddComment(ctx context.Context, taskID string, author tasks.AuthorType, content string, blocking bool) (tasks.Comment, error) {
	taskID = strings.TrimSpace(taskID)
	content = strings.TrimSpace(content)
	if content == "" {
		return tasks.Comment{}, errors.New("content is required")
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return tasks.Comment{}, err
	}
	comment := tasks.Comment{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		AuthorType: author,
		Content:    content,
		Blocking:   blocking,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AddComment(ctx, comment); err != nil {
		return tasks.Comment{}, fmt.Errorf("add comment: %w", err)
	}
	s.broadcaster.Broadcast(events.Event{
		Type:   events.EventTaskCommented,
		TaskID: taskID,
		Detail: string(author),
	})
	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, taskID string) ([]tasks.Comment, error) {
	return s.store.ListComments(ctx, strings.TrimSpace(taskID))
}

func (s *Service) ResolveComment(ctx context.Context, commentID string) error {
	return s.store.ResolveComment(ctx, strings.TrimSpace(commentID))
}

func (s *Service) Subscribe() (<-chan events.Event, func()) {
	return s.broadcaster.Subscribe()
}

func (s *Service) sendKickoff(ctx context.Context, sessionKey, prompt string) error {
	conn, err := s.gateway.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	sendCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return conn.SendMessage(sendCtx, sessionKey, prompt)
}

func (s *Service) refreshMonitorGauge() {
	if s.metrics != nil {
		s.metrics.ActiveMonitors.Set(float64(len(s.monitors.ActiveMonitors())))
	}
}

func transitionOutcome(res tasks.TransitionResult) string {
	switch {
	case res.Conflict:
		return "conflict"
	case res.NoOp:
		return "noop"
	case res.OK:
		return "applied"
	default:
		return "blocked"
	}
}

func planningPrompt(task tasks.Task) string {
	return fmt.Sprintf(
		"Plan the task %q.\n%s\nWhen the plan is final, reply with a JSON object {\"planning_complete\": true, \"spec\": {\"summary\": ..., \"steps\": [...]}}. If you need input first, reply with {\"question\": ...}.",
		task.Title, task.Description,
	)
}

func dispatchPrompt(task tasks.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are assigned the task %q.\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&sb, "%s\n", task.Description)
	}
	if task.Planning.Spec != nil {
		fmt.Fprintf(&sb, "Plan: %s\n", task.Planning.Spec.Summary)
		for i, step := range task.Planning.Spec.Steps {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
		}
	}
	return sb.String()
}
