package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/fieldledger/backend/internal/errors"
	syncpkg "github.com/fieldledger/fieldledger/backend/internal/sync"
)

// fakeSyncer returns the queued errors in order, then succeeds.
type fakeSyncer struct {
	mu    sync.Mutex
	errs  []error
	calls atomic.Int32
	block chan struct{}
}

func (f *fakeSyncer) RunOnce(ctx context.Context) (*syncpkg.Result, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrNetwork, "cancelled", ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &syncpkg.Result{Rounds: 1, Applied: 2}, nil
}

func fastConfig() *Config {
	return &Config{
		Interval:    time.Hour,
		BackoffBase: 20 * time.Millisecond,
		BackoffMax:  40 * time.Millisecond,
		RunTimeout:  time.Second,
	}
}

// next waits for the next event in state want, skipping others.
func next(t *testing.T, ch <-chan StateEvent, want State) StateEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(&fakeSyncer{}, nil)
	assert.Equal(t, *DefaultConfig(), s.cfg)
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, s.IsRunning())

	s = New(&fakeSyncer{}, &Config{Interval: time.Second, BackoffBase: time.Minute, BackoffMax: time.Second})
	assert.Equal(t, time.Minute, s.cfg.BackoffMax, "cap never below base")
}

func TestBackoff(t *testing.T) {
	base, max := time.Minute, time.Hour
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{200, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.failures, base, max), "failures=%d", tt.failures)
	}
}

func TestStart_SyncsImmediatelyAndGoesOnline(t *testing.T) {
	f := &fakeSyncer{}
	s := New(f, fastConfig())
	events := s.Subscribe()

	s.Start(context.Background())
	defer s.Close()

	ev := next(t, events, StateSyncing)
	assert.Equal(t, StateIdle, ev.Previous)
	ev = next(t, events, StateOnline)
	require.NotNil(t, ev.Result)
	assert.Equal(t, 2, ev.Result.Applied)

	st := s.Status()
	assert.True(t, st.Running)
	assert.NotNil(t, st.LastSync)
	assert.Zero(t, st.Failures)
}

func TestNetworkFailure_BacksOffAndRecovers(t *testing.T) {
	netErr := errors.New(errors.ErrNetwork, "connection refused")
	f := &fakeSyncer{errs: []error{netErr, netErr}}
	s := New(f, fastConfig())
	events := s.Subscribe()

	s.Start(context.Background())
	defer s.Close()

	ev := next(t, events, StateOffline)
	assert.Equal(t, errors.ErrNetwork, ev.Code)
	assert.Equal(t, 20*time.Millisecond, ev.RetryIn)
	ev = next(t, events, StateOffline)
	assert.Equal(t, 40*time.Millisecond, ev.RetryIn)

	next(t, events, StateOnline)
	assert.Equal(t, int32(3), f.calls.Load())
	assert.Zero(t, s.Status().Failures)
}

func TestFatalError_HaltsUntilResume(t *testing.T) {
	for _, code := range []errors.ErrorCode{errors.ErrSchemaVersion, errors.ErrQueueCorruption, errors.ErrAuthentication} {
		t.Run(string(code), func(t *testing.T) {
			f := &fakeSyncer{errs: []error{errors.New(code, "fatal")}}
			s := New(f, fastConfig())
			events := s.Subscribe()

			s.Start(context.Background())
			defer s.Close()

			ev := next(t, events, StateError)
			assert.True(t, ev.Halted)
			assert.Equal(t, code, ev.Code)
			assert.True(t, s.IsHalted())
			assert.False(t, s.TriggerSync(), "halted scheduler ignores triggers")

			time.Sleep(60 * time.Millisecond)
			assert.Equal(t, int32(1), f.calls.Load(), "no retries while halted")

			assert.True(t, s.Resume())
			next(t, events, StateOnline)
			assert.False(t, s.IsHalted())
			assert.False(t, s.Resume())
		})
	}
}

func TestTriggerSync(t *testing.T) {
	f := &fakeSyncer{}
	s := New(f, fastConfig())
	assert.False(t, s.TriggerSync(), "not running")

	events := s.Subscribe()
	s.Start(context.Background())
	defer s.Close()
	next(t, events, StateOnline)

	require.True(t, s.TriggerSync())
	next(t, events, StateOnline)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestSyncNow_ClearsHalt(t *testing.T) {
	f := &fakeSyncer{errs: []error{errors.New(errors.ErrSchemaVersion, "too old")}}
	s := New(f, fastConfig())

	_, err := s.SyncNow(context.Background())
	require.Error(t, err)
	assert.True(t, s.IsHalted())
	assert.Equal(t, StateError, s.State())

	res, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rounds)
	assert.False(t, s.IsHalted())
	assert.Equal(t, StateOnline, s.State())
}

func TestSyncNow_WaitsForRunningSync(t *testing.T) {
	f := &fakeSyncer{block: make(chan struct{})}
	s := New(f, fastConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.SyncNow(context.Background())
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan struct{})
	go func() {
		defer close(second)
		_, _ = s.SyncNow(context.Background())
	}()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), f.calls.Load(), "second run waits for the first")

	close(f.block)
	<-done
	<-second
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New(&fakeSyncer{}, fastConfig())
	slow := s.Subscribe()
	for i := 0; i < subscriberBuffer*2; i++ {
		_, err := s.SyncNow(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, slow, subscriberBuffer)

	s.Unsubscribe(slow)
	_, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	for range slow {
	}
}

func TestStop_Idempotent(t *testing.T) {
	s := New(&fakeSyncer{}, fastConfig())
	s.Stop()
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())

	s.Start(context.Background())
	assert.True(t, s.IsRunning())
	s.Close()
	assert.False(t, s.IsRunning())
}

func TestContextCancelStopsLoop(t *testing.T) {
	f := &fakeSyncer{}
	s := New(f, fastConfig())
	events := s.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	next(t, events, StateOnline)
	cancel()
	require.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.Status().Running)
	assert.False(t, s.TriggerSync(), "nothing reads the trigger once the loop is gone")
	s.Stop()
	assert.Equal(t, int32(1), f.calls.Load())

	// The scheduler can be started again with a live context.
	s.Start(context.Background())
	assert.True(t, s.IsRunning())
	assert.Equal(t, StateOnline, next(t, events, StateOnline).State)
	s.Close()
	assert.False(t, s.IsRunning())
}
