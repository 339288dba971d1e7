// Package poller provides the adaptive polling scheduler that drives every
// periodic fetch in warden: reconciliation cadence, the planning-session
// poll, and any future consumer. One scheduler instance never overlaps its
// own ticks; separate instances run independently.
package poller

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

type PollFunc func(ctx context.Context) error

type Config struct {
	// Name labels the consumer in logs and metrics.
	Name string
	// Interval is the base delay between successful polls.
	Interval time.Duration
	// HiddenInterval is the reduced cadence while the consumer is in a
	// background state. Nil pauses polling entirely while hidden.
	HiddenInterval *time.Duration
	// MaxBackoff caps the failure backoff delay.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay per consecutive failure.
	BackoffMultiplier float64
	// JitterRatio adds up to ±ratio×delay of uniform jitter.
	JitterRatio float64
	Enabled     bool
}

type schedulerState int

const (
	stateIdle schedulerState = iota
	statePending
	stateInFlight
)

// TimerHandle abstracts the pending-tick timer so tests can drive the
// scheduler without wall-clock waits.
type TimerHandle interface {
	Stop() bool
}

type TimerFactory func(d time.Duration, fn func()) TimerHandle

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

func defaultTimerFactory(d time.Duration, fn func()) TimerHandle {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type Option func(*Scheduler)

func WithTimerFactory(f TimerFactory) Option {
	return func(s *Scheduler) { s.newTimer = f }
}

// WithRand injects the jitter source; tests pin it.
func WithRand(f func() float64) Option {
	return func(s *Scheduler) { s.randFloat = f }
}

// WithObserver installs a per-poll outcome hook (metrics).
func WithObserver(f func(consumer string, err error, elapsed time.Duration)) Option {
	return func(s *Scheduler) { s.observe = f }
}

// Scheduler runs a poll operation repeatedly with single-flight semantics,
// exponential backoff on failure, and visibility-aware cadence. It is an
// explicit state machine (idle, pending, inFlight) rather than nested timer
// callbacks.
type Scheduler struct {
	mu sync.Mutex

	cfg       Config
	poll      PollFunc
	newTimer  TimerFactory
	randFloat func() float64
	observe   func(consumer string, err error, elapsed time.Duration)

	state        schedulerState
	attempts     int
	enabled      bool
	hidden       bool
	deferredTick bool
	timer        TimerHandle

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

func NewScheduler(cfg Config, poll PollFunc, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.JitterRatio < 0 {
		cfg.JitterRatio = 0
	}
	s := &Scheduler{
		cfg:       cfg,
		poll:      poll,
		newTimer:  defaultTimerFactory,
		randFloat: rand.Float64,
		enabled:   cfg.Enabled,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins scheduling. The first tick fires immediately when enabled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil || s.stopped {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.enabled {
		s.kickLocked()
	}
}

// Stop cancels any pending tick and in-flight poll context. The scheduler
// cannot be restarted after Stop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stopTimerLocked()
	if s.cancel != nil {
		s.cancel()
	}
	if s.state == statePending {
		s.state = stateIdle
	}
}

// RefreshNow forces an immediate tick, resetting the error counter and
// cancelling any pending timer. If a poll is in flight the tick runs right
// after it completes instead of overlapping.
func (s *Scheduler) RefreshNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.stopTimerLocked()
	if s.state == statePending {
		s.state = stateIdle
	}
	s.kickLocked()
}

// SetEnabled toggles scheduling. Disabling cancels the pending tick;
// re-enabling ticks immediately.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == enabled {
		return
	}
	s.enabled = enabled
	if !enabled {
		s.stopTimerLocked()
		if s.state == statePending {
			s.state = stateIdle
		}
		return
	}
	s.kickLocked()
}

// SetHidden signals background/foreground state. Going hidden reschedules
// to the hidden cadence (or pauses when none is configured); returning to
// the foreground catches up with an immediate tick.
func (s *Scheduler) SetHidden(hidden bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hidden == hidden {
		return
	}
	s.hidden = hidden
	if hidden {
		if s.state == statePending {
			s.stopTimerLocked()
			s.state = stateIdle
			s.scheduleNextLocked()
		}
		return
	}
	s.stopTimerLocked()
	if s.state == statePending {
		s.state = stateIdle
	}
	s.kickLocked()
}

// kickLocked requests an immediate tick. Single-flight: while a poll is in
// flight the tick is deferred, never overlapped.
func (s *Scheduler) kickLocked() {
	if s.stopped || !s.enabled || s.ctx == nil {
		return
	}
	if s.state == stateInFlight {
		s.deferredTick = true
		return
	}
	s.stopTimerLocked()
	s.state = stateInFlight
	go s.runPoll()
}

func (s *Scheduler) runPoll() {
	started := time.Now()
	err := s.poll(s.ctx)
	elapsed := time.Since(started)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.observe != nil {
		s.observe(s.cfg.Name, err, elapsed)
	}
	if err != nil {
		s.attempts++
	} else {
		s.attempts = 0
	}

	s.state = stateIdle
	if s.stopped || !s.enabled {
		return
	}
	if s.deferredTick {
		s.deferredTick = false
		s.state = stateInFlight
		go s.runPoll()
		return
	}
	s.scheduleNextLocked()
}

func (s *Scheduler) scheduleNextLocked() {
	delay, ok := s.nextDelayLocked()
	if !ok {
		// Hidden with no hidden cadence: stay idle until something wakes us.
		return
	}
	s.state = statePending
	s.timer = s.newTimer(delay, s.onTimerFired)
}

func (s *Scheduler) onTimerFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != statePending {
		return
	}
	s.timer = nil
	s.state = stateIdle
	s.kickLocked()
}

// nextDelayLocked computes the next delay: base (or hidden) interval on
// success, capped exponential backoff on failure, plus bounded jitter.
func (s *Scheduler) nextDelayLocked() (time.Duration, bool) {
	base := s.cfg.Interval
	if s.hidden {
		if s.cfg.HiddenInterval == nil {
			return 0, false
		}
		base = *s.cfg.HiddenInterval
	}

	delay := base
	if s.attempts > 0 {
		backoff := float64(s.cfg.Interval) * math.Pow(s.cfg.BackoffMultiplier, float64(s.attempts-1))
		if backoff > float64(s.cfg.MaxBackoff) {
			backoff = float64(s.cfg.MaxBackoff)
		}
		delay = time.Duration(backoff)
	}

	if s.cfg.JitterRatio > 0 {
		jitter := (s.randFloat()*2 - 1) * s.cfg.JitterRatio * float64(delay)
		delay += time.Duration(jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay, true
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Attempts reports the consecutive-failure counter; exposed for tests and
// introspection endpoints.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
