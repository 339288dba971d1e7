// Package planning watches in-progress planning conversations on the agent
// gateway for a completion signal and folds the result into the task's
// typed planning sub-state.
package planning

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ent0n29/warden/internal/events"
	"github.com/ent0n29/warden/internal/openclaw"
	"github.com/ent0n29/warden/internal/tasks"
)

type Config struct {
	GatewayCallTimeout time.Duration
	// ListLimit bounds the task scan per poll.
	ListLimit int
}

type Poller struct {
	store       tasks.Store
	gateway     openclaw.Client
	broadcaster *events.Broadcaster
	callTimeout time.Duration
	listLimit   int
	now         func() time.Time
}

func NewPoller(cfg Config, store tasks.Store, gateway openclaw.Client, broadcaster *events.Broadcaster) *Poller {
	callTimeout := cfg.GatewayCallTimeout
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	listLimit := cfg.ListLimit
	if listLimit <= 0 {
		listLimit = 200
	}
	return &Poller{
		store:       store,
		gateway:     gateway,
		broadcaster: broadcaster,
		callTimeout: callTimeout,
		listLimit:   listLimit,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PollOnce scans planning-phase tasks and refreshes each from its gateway
// conversation. Per-task failures are logged and skipped; the scan continues.
func (p *Poller) PollOnce(ctx context.Context) error {
	all, err := p.store.ListTasks(ctx, p.listLimit)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	watched := make([]tasks.Task, 0)
	for _, task := range all {
		if task.Status != tasks.StatusPlanning {
			continue
		}
		if strings.TrimSpace(task.Planning.SessionKey) == "" {
			continue
		}
		if task.Planning.Complete() {
			continue
		}
		watched = append(watched, task)
	}
	if len(watched) == 0 {
		return nil
	}

	conn, err := p.gateway.Connect(ctx)
	if err != nil {
		return fmt.Errorf("gateway connect: %w", err)
	}
	defer conn.Close()

	for _, task := range watched {
		if err := p.refreshTask(ctx, conn, task); err != nil {
			log.Printf("planning poll: task %s: %v", task.ID, err)
		}
	}
	return nil
}

func (p *Poller) refreshTask(ctx context.Context, conn openclaw.Conn, task tasks.Task) error {
	fetchCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	history, err := conn.ChatHistory(fetchCtx, task.Planning.SessionKey)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch planning history: %w", err)
	}

	next := task.Planning.Clone()
	next.Messages = toPlanningMessages(history)

	signal, found := latestSignal(history)
	switch {
	case found && signal.Complete:
		next.Phase = tasks.PlanningComplete
		next.Question = ""
		if next.Spec == nil {
			// Spec is set once; a repeated completion signal never
			// overwrites the recorded result.
			next.Spec = signal.Spec
		}
	case found && signal.Question != "":
		next.Phase = tasks.PlanningAwaitingAnswer
		next.Question = signal.Question
	default:
		if len(next.Messages) > len(task.Planning.Messages) && next.Phase == tasks.PlanningNotStarted {
			next.Phase = tasks.PlanningAwaitingAnswer
		}
	}

	if planningEqual(task.Planning, next) {
		return nil
	}

	_, err = p.store.UpdateTaskIf(ctx, task.ID, tasks.StatusPlanning, tasks.StatusPlanning, tasks.Patch{Planning: &next})
	if err != nil {
		if errors.Is(err, tasks.ErrStatusConflict) {
			// Task moved on while we were polling; drop the update.
			return nil
		}
		return fmt.Errorf("persist planning state: %w", err)
	}

	if p.broadcaster != nil {
		p.broadcaster.Broadcast(events.Event{
			Type:   events.EventPlanningUpdated,
			TaskID: task.ID,
			Detail: string(next.Phase),
			At:     p.now(),
		})
	}
	return nil
}

func toPlanningMessages(history []openclaw.ChatMessage) []tasks.PlanningMessage {
	out := make([]tasks.PlanningMessage, 0, len(history))
	for _, msg := range history {
		out = append(out, tasks.PlanningMessage{
			Role:    msg.Role,
			Content: msg.Content,
			At:      msg.Timestamp,
		})
	}
	return out
}

func latestSignal(history []openclaw.ChatMessage) (Signal, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != "assistant" {
			continue
		}
		if signal, ok := ParseCompletionSignal(history[i].Content); ok {
			return signal, true
		}
	}
	return Signal{}, false
}

func planningEqual(a, b tasks.PlanningState) bool {
	if a.Phase != b.Phase || a.Question != b.Question || a.SessionKey != b.SessionKey {
		return false
	}
	if (a.Spec == nil) != (b.Spec == nil) {
		return false
	}
	return len(a.Messages) == len(b.Messages)
}
