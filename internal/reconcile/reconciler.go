// Package reconcile heals drift between recorded task status and what the
// agent gateway is actually doing. It is the only mechanism that corrects
// such drift, so a pass must be idempotent and must never touch tasks that
// have already reached testing, review, or done.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/warden/internal/events"
	"github.com/ent0n29/warden/internal/monitor"
	"github.com/ent0n29/warden/internal/observability"
	"github.com/ent0n29/warden/internal/openclaw"
	"github.com/ent0n29/warden/internal/tasks"
)

// Repair reasons recorded on a genuine correction.
const (
	ReasonObservedActivity = "reconcile_observed_agent_activity"
	ReasonMissingActivity  = "reconcile_missing_agent_activity"
)

type Repair struct {
	TaskID string       `json:"task_id"`
	Title  string       `json:"title"`
	From   tasks.Status `json:"from"`
	To     tasks.Status `json:"to"`
	Reason string       `json:"reason"`
}

type TaskError struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

type Result struct {
	Scanned  int         `json:"scanned"`
	Repaired []Repair    `json:"repaired"`
	Errors   []TaskError `json:"errors"`
}

type Config struct {
	// GatewayCallTimeout bounds each per-task gateway fetch so a hung
	// gateway stalls one task, not the whole pass.
	GatewayCallTimeout time.Duration
}

type Reconciler struct {
	store       tasks.Store
	machine     *tasks.Machine
	gateway     openclaw.Client
	monitors    *monitor.Registry
	broadcaster *events.Broadcaster
	metrics     *observability.Metrics
	callTimeout time.Duration
	now         func() time.Time
}

func New(
	cfg Config,
	store tasks.Store,
	machine *tasks.Machine,
	gateway openclaw.Client,
	monitors *monitor.Registry,
	broadcaster *events.Broadcaster,
	metrics *observability.Metrics,
) *Reconciler {
	callTimeout := cfg.GatewayCallTimeout
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &Reconciler{
		store:       store,
		machine:     machine,
		gateway:     gateway,
		monitors:    monitors,
		broadcaster: broadcaster,
		metrics:     metrics,
		callTimeout: callTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock injects the time source for tests.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Run executes one reconciliation pass over all active tasks.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	started := r.now()
	result := Result{Repaired: []Repair{}, Errors: []TaskError{}}

	active, err := r.store.ListActive(ctx)
	if err != nil {
		return result, fmt.Errorf("list active tasks: %w", err)
	}
	result.Scanned = len(active)
	if len(active) == 0 {
		return result, nil
	}

	// One gateway connection per pass, reused across all tasks.
	conn, err := r.gateway.Connect(ctx)
	if err != nil {
		return result, fmt.Errorf("gateway connect: %w", err)
	}
	defer conn.Close()

	for _, task := range active {
		repair, taskErr := r.reconcileTask(ctx, conn, task)
		if taskErr != nil {
			result.Errors = append(result.Errors, TaskError{TaskID: task.ID, Error: taskErr.Error()})
			if r.metrics != nil {
				r.metrics.ReconcileTaskErrors.Inc()
			}
			continue
		}
		if repair != nil {
			result.Repaired = append(result.Repaired, *repair)
		}
	}

	if r.metrics != nil {
		r.metrics.ReconcilePasses.Inc()
		r.metrics.ReconcileRepairs.Add(float64(len(result.Repaired)))
		r.metrics.ReconcilePassDuration.Observe(r.now().Sub(started).Seconds())
	}
	return result, nil
}

func (r *Reconciler) reconcileTask(ctx context.Context, conn openclaw.Conn, task tasks.Task) (*Repair, error) {
	evidence := Evidence{
		Now:        r.now(),
		AckTimeout: r.monitors.AckTimeout(),
	}

	if task.OpenClawSessionKey != "" {
		fetchCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		history, err := conn.ChatHistory(fetchCtx, task.OpenClawSessionKey)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("fetch chat history: %w", err)
		}
		summary := openclaw.SummarizeAssistant(history)
		evidence.AssistantMessageCount = summary.Count
		evidence.LatestAssistantAt = summary.LatestAt
		evidence.MonitorAcked = r.monitors.Acked(task.OpenClawSessionKey)
	}

	expected := DeriveExpectedActiveStatus(task, evidence)
	if expected == task.Status {
		return nil, nil
	}

	reason := ReasonObservedActivity
	if expected == tasks.StatusAssigned {
		reason = ReasonMissingActivity
	}

	res, err := r.machine.Transition(ctx, task.ID, expected, tasks.TransitionOptions{
		Actor:        "reconcile",
		Reason:       reason,
		BypassGuards: true,
		Metadata: map[string]any{
			"assistant_message_count":      evidence.AssistantMessageCount,
			"dispatch_message_count_start": task.DispatchMessageCountStart,
			"monitor_acked":                evidence.MonitorAcked,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}
	if !res.OK || res.NoOp {
		// Lost a race with another actor or nothing changed; not an error
		// and not a repair.
		return nil, nil
	}

	r.appendAuditComment(ctx, task, res, reason, evidence)

	if r.broadcaster != nil {
		r.broadcaster.Broadcast(events.Event{
			Type:   events.EventTaskRepaired,
			TaskID: task.ID,
			From:   string(res.From),
			To:     string(res.To),
			Actor:  "reconcile",
			Reason: reason,
			At:     r.now(),
		})
	}

	log.Printf("reconcile: task %s corrected %s -> %s (%s)", task.ID, res.From, res.To, reason)
	return &Repair{
		TaskID: task.ID,
		Title:  task.Title,
		From:   res.From,
		To:     res.To,
		Reason: reason,
	}, nil
}

func (r *Reconciler) appendAuditComment(ctx context.Context, task tasks.Task, res tasks.TransitionResult, reason string, ev Evidence) {
	var detail string
	switch reason {
	case ReasonObservedActivity:
		detail = fmt.Sprintf(
			"Reconciliation observed agent activity (%d assistant messages, baseline %d) and moved this task from %s to %s.",
			ev.AssistantMessageCount, task.DispatchMessageCountStart, res.From, res.To,
		)
	case ReasonMissingActivity:
		detail = fmt.Sprintf(
			"Reconciliation found no agent activity since dispatch and moved this task from %s back to %s.",
			res.From, res.To,
		)
	}

	err := r.store.AddComment(ctx, tasks.Comment{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		AuthorType: tasks.AuthorSystem,
		Content:    detail,
		CreatedAt:  r.now(),
	})
	if err != nil {
		// The transition already committed. Losing the audit comment is
		// logged, not fatal.
		log.Printf("reconcile: audit comment for task %s failed: %v", task.ID, err)
	}
}
