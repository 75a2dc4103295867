// Package scheduler runs desktop sync in the background: periodically, on
// demand, and with exponential backoff while the server is unreachable.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	syncpkg "github.com/fieldledger/fieldledger/backend/internal/sync"
)

// State is the scheduler's view of the connection to the server.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateOnline  State = "online"
	StateOffline State = "offline"
	StateError   State = "error"
)

// subscriberBuffer is the channel capacity per subscriber. Events beyond it
// are dropped for that subscriber.
const subscriberBuffer = 16

// StateEvent is posted on every state transition.
type StateEvent struct {
	State    State            `json:"state"`
	Previous State            `json:"previous"`
	At       time.Time        `json:"at"`
	Result   *syncpkg.Result  `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Code     errors.ErrorCode `json:"code,omitempty"`
	RetryIn  time.Duration    `json:"retry_in,omitempty"`
	Halted   bool             `json:"halted,omitempty"`
}

// Config holds scheduler configuration.
type Config struct {
	Interval    time.Duration // between successful syncs
	BackoffBase time.Duration // first retry delay after a network failure
	BackoffMax  time.Duration // retry delay cap
	RunTimeout  time.Duration // bound on a single RunOnce
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:    5 * time.Minute,
		BackoffBase: time.Minute,
		BackoffMax:  time.Hour,
		RunTimeout:  5 * time.Minute,
	}
}

// Status is a snapshot of the scheduler.
type Status struct {
	State       State           `json:"state"`
	Running     bool            `json:"running"`
	Halted      bool            `json:"halted"`
	Failures    int             `json:"consecutive_failures"`
	LastSync    *time.Time      `json:"last_sync,omitempty"`
	LastResult  *syncpkg.Result `json:"last_result,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	NextAttempt *time.Time      `json:"next_attempt,omitempty"`
}

// Scheduler manages background sync operations.
type Scheduler struct {
	syncer syncpkg.Syncer
	cfg    Config

	runMu sync.Mutex // one RunOnce at a time

	mu          sync.RWMutex
	state       State
	running     bool
	halted      bool
	failures    int
	lastSync    time.Time
	lastResult  *syncpkg.Result
	lastErr     error
	nextAttempt time.Time
	subs        map[chan StateEvent]struct{}

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

// New creates a Scheduler. A nil config uses DefaultConfig.
func New(syncer syncpkg.Syncer, cfg *Config) *Scheduler {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	c := *cfg
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = def.RunTimeout
	}
	return &Scheduler{
		syncer:  syncer,
		cfg:     c,
		state:   StateIdle,
		subs:    make(map[chan StateEvent]struct{}),
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Start launches the background loop. The first sync runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stop)

	logging.Info("sync scheduler started", map[string]interface{}{
		"interval": s.cfg.Interval.String(),
	})
}

// Stop stops the loop and waits for a sync in progress to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("sync scheduler stopped", nil)
}

// Close stops the scheduler and closes every subscriber channel.
func (s *Scheduler) Close() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
}

func (s *Scheduler) loop(ctx context.Context, stop chan struct{}) {
	defer func() {
		// A cancelled context ends the loop without Stop; a later Start
		// owns a new stop channel and must not be marked stopped.
		s.mu.Lock()
		if s.stopCh == stop {
			s.running = false
		}
		s.mu.Unlock()
		s.wg.Done()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if s.IsHalted() {
			logging.Debug("sync halted, waiting for resume", nil)
			timer.Reset(s.cfg.Interval)
			continue
		}
		_, err := s.run(ctx)
		delay := s.delayAfter(err)
		s.mu.Lock()
		s.nextAttempt = s.now().Add(delay)
		s.mu.Unlock()
		timer.Reset(delay)
	}
}

// delayAfter picks the wait before the next attempt.
func (s *Scheduler) delayAfter(err error) time.Duration {
	if err == nil {
		return s.cfg.Interval
	}
	s.mu.RLock()
	failures := s.failures
	s.mu.RUnlock()
	return Backoff(failures, s.cfg.BackoffBase, s.cfg.BackoffMax)
}

// Backoff returns base * 2^(failures-1), capped at max.
func Backoff(failures int, base, max time.Duration) time.Duration {
	if failures <= 1 {
		return base
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	return d
}

// halting reports whether an error needs operator action before syncing
// again: schema, corruption, and credential problems.
func halting(err error) bool {
	if errors.IsFatal(err) {
		return true
	}
	switch errors.CodeOf(err) {
	case errors.ErrAuthentication, errors.ErrNodeInactive, errors.ErrSyncNotConfigured:
		return true
	}
	return false
}

// run performs one RunOnce and records the outcome.
func (s *Scheduler) run(ctx context.Context) (*syncpkg.Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.transition(StateEvent{State: StateSyncing})

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	result, err := s.syncer.RunOnce(runCtx)

	if err == nil {
		s.mu.Lock()
		s.failures = 0
		s.lastSync = s.now()
		s.lastResult = result
		s.lastErr = nil
		s.mu.Unlock()
		s.transition(StateEvent{State: StateOnline, Result: result})
		logging.Info("sync completed", map[string]interface{}{
			"rounds":    result.Rounds,
			"sent":      result.Sent,
			"applied":   result.Applied,
			"conflicts": result.Conflicts,
			"rejected":  result.Rejected,
		})
		return result, nil
	}

	code := errors.CodeOf(err)
	ev := StateEvent{Error: err.Error(), Code: code}
	s.mu.Lock()
	s.lastErr = err
	s.failures++
	failures := s.failures
	switch {
	case halting(err):
		s.halted = true
		ev.State = StateError
		ev.Halted = true
	case code == errors.ErrNetwork:
		ev.State = StateOffline
		ev.RetryIn = Backoff(failures, s.cfg.BackoffBase, s.cfg.BackoffMax)
	default:
		ev.State = StateError
		ev.RetryIn = Backoff(failures, s.cfg.BackoffBase, s.cfg.BackoffMax)
	}
	s.mu.Unlock()
	s.transition(ev)

	if ev.Halted {
		logging.ErrorWithCode("sync halted", string(code), err, map[string]interface{}{
			"failures": failures,
		})
	} else {
		logging.Warn("sync failed", map[string]interface{}{
			"error":    err.Error(),
			"code":     string(code),
			"failures": failures,
			"retry_in": ev.RetryIn.String(),
		})
	}
	return nil, err
}

// transition records the new state and posts it to subscribers without
// blocking.
func (s *Scheduler) transition(ev StateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Previous = s.state
	ev.At = s.now().UTC()
	s.state = ev.State
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of state transitions. Slow readers miss
// events rather than stall the scheduler.
func (s *Scheduler) Subscribe() <-chan StateEvent {
	ch := make(chan StateEvent, subscriberBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (s *Scheduler) Unsubscribe(ch <-chan StateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.subs {
		if c == ch {
			delete(s.subs, c)
			close(c)
			return
		}
	}
}

// TriggerSync asks the loop for an immediate sync. It returns false when the
// scheduler is stopped, halted, or already has a sync queued.
func (s *Scheduler) TriggerSync() bool {
	s.mu.RLock()
	ok := s.running && !s.halted
	s.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// SyncNow runs a sync on the caller's goroutine, waiting for one in progress
// to finish first. It works while halted so an operator can test a fix, and
// a success clears the halt.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	res, err := s.run(ctx)
	if err == nil {
		s.mu.Lock()
		s.halted = false
		s.mu.Unlock()
	}
	return res, err
}

// Resume clears a halt and schedules a sync.
func (s *Scheduler) Resume() bool {
	s.mu.Lock()
	if !s.halted {
		s.mu.Unlock()
		return false
	}
	s.halted = false
	s.failures = 0
	s.mu.Unlock()
	s.transition(StateEvent{State: StateIdle})
	logging.Info("sync resumed", nil)
	s.TriggerSync()
	return true
}

// IsHalted reports whether periodic sync is paused on a fatal error.
func (s *Scheduler) IsHalted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

// IsRunning returns whether the background loop is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		State:      s.state,
		Running:    s.running,
		Halted:     s.halted,
		Failures:   s.failures,
		LastResult: s.lastResult,
	}
	if !s.lastSync.IsZero() {
		t := s.lastSync
		st.LastSync = &t
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.running && !s.halted && !s.nextAttempt.IsZero() {
		t := s.nextAttempt
		st.NextAttempt = &t
	}
	return st
}
