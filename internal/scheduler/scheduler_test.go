package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zulip-gotify-relay-go/internal/cache"
	"zulip-gotify-relay-go/internal/config"
	"zulip-gotify-relay-go/internal/metrics"
	"zulip-gotify-relay-go/internal/model"
	"zulip-gotify-relay-go/internal/relay"
	"zulip-gotify-relay-go/internal/sink"
)

// scriptedSource yields its events, then fails with err or blocks until
// the context ends.
type scriptedSource struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (s *scriptedSource) Next(ctx context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		s.mu.Unlock()
		return json.RawMessage(ev), nil
	}
	err := s.err
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedSource) Email() string { return "me@example.com" }
func (s *scriptedSource) Close() error  { return nil }

type recordingSink struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (r *recordingSink) Post(_ context.Context, n model.Notification) (model.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return model.Delivery{ID: int64(len(r.sent))}, nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// blockingSink holds every Post until release is closed.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	ctxErrs []error
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blockingSink) Post(ctx context.Context, _ model.Notification) (model.Delivery, error) {
	b.entered <- struct{}{}
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctxErrs = append(b.ctxErrs, ctx.Err())
	if err := ctx.Err(); err != nil {
		return model.Delivery{}, err
	}
	return model.Delivery{ID: 1}, nil
}

func (s *scriptedSource) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newDispatcher(t *testing.T, s sink.Sink) *relay.Dispatcher {
	t.Helper()
	c, err := cache.New[model.Key, model.Delivery](cache.Options{})
	require.NoError(t, err)
	return relay.NewDispatcher(s, c, metrics.NewMetrics(prometheus.NewRegistry()), relay.Options{Identity: "me@example.com"})
}

func TestSchedulerDeliversEventsInOrder(t *testing.T) {
	rec := &recordingSink{}
	src := &scriptedSource{events: []string{
		`{"type":"typing","op":"start","sender":{"email":"a@example.com"}}`,
		`{"type":"heartbeat"}`,
		`{"type":"typing","op":"start","sender":{"email":"me@example.com"}}`,
		`{"type":"typing","op":"start","sender":{"email":"a@example.com"}}`,
		`{"type":"typing","op":"start","sender":{"email":"b@example.com"}}`,
	}}
	sched := New(&config.RelayConfig{}, src, newDispatcher(t, rec))

	require.NoError(t, sched.Start())
	assert.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, sched.Stop())
	sched.Wait()

	assert.Equal(t, "a@example.com started typing", rec.sent[0].Message)
	assert.Equal(t, "b@example.com started typing", rec.sent[1].Message)
	assert.NoError(t, sched.Err())
}

func TestSchedulerRestart(t *testing.T) {
	sched := New(&config.RelayConfig{SweepSchedule: "@every 1h"}, &scriptedSource{}, newDispatcher(t, &recordingSink{}))

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	assert.Error(t, sched.Start(), "second start while running")
	assert.False(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Stop())
	sched.Wait()
	assert.False(t, sched.IsRunning())
	assert.True(t, sched.GetNextRun().IsZero())

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	// context should be active
	require.NotNil(t, sched.ctx)
	assert.NoError(t, sched.ctx.Err())
	assert.NoError(t, sched.Healthy())

	require.NoError(t, sched.Stop())
	sched.Wait()
}

func TestSchedulerSourceFailureEndsLoop(t *testing.T) {
	fatal := errors.New("zulip rejected credentials")
	sched := New(&config.RelayConfig{}, &scriptedSource{err: fatal}, newDispatcher(t, &recordingSink{}))

	require.NoError(t, sched.Start())
	select {
	case <-sched.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit")
	}

	assert.ErrorIs(t, sched.Err(), fatal)
	assert.ErrorIs(t, sched.Healthy(), fatal)
	assert.ErrorIs(t, <-sched.Fatal(), fatal)
	require.NoError(t, sched.Stop())
}

func TestSchedulerRejectsBadSweepSchedule(t *testing.T) {
	sched := New(&config.RelayConfig{SweepSchedule: "every now and then"}, &scriptedSource{}, newDispatcher(t, &recordingSink{}))
	assert.Error(t, sched.Start())
	assert.False(t, sched.IsRunning())
}

func TestSweepNow(t *testing.T) {
	sched := New(&config.RelayConfig{}, &scriptedSource{}, newDispatcher(t, &recordingSink{}))
	assert.Equal(t, 0, sched.SweepNow())
}

func TestStopWaitsForInFlightEventAndPullsNoMore(t *testing.T) {
	snk := newBlockingSink()
	src := &scriptedSource{events: []string{
		`{"type":"typing","op":"start","sender":{"email":"a@example.com"}}`,
		`{"type":"typing","op":"start","sender":{"email":"b@example.com"}}`,
		`{"type":"typing","op":"start","sender":{"email":"c@example.com"}}`,
	}}
	d := newDispatcher(t, snk)
	sched := New(&config.RelayConfig{}, src, d)

	require.NoError(t, sched.Start())
	<-snk.entered

	stopped := make(chan error, 1)
	go func() { stopped <- sched.Stop() }()

	assert.Eventually(t, func() bool { return !sched.IsRunning() }, 2*time.Second, 10*time.Millisecond)
	assert.Error(t, sched.Start(), "old loop has not exited yet")
	select {
	case <-stopped:
		t.Fatal("Stop returned while an event was in flight")
	default:
	}

	close(snk.release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, []error{nil}, snk.ctxErrs)
	assert.Equal(t, 2, src.remaining())
	assert.Equal(t, uint64(1), d.Stats().Delivered)
	assert.Equal(t, uint64(0), d.Stats().Failed)

	require.NoError(t, sched.Start())
	assert.Eventually(t, func() bool { return src.remaining() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, sched.Stop())
	assert.Equal(t, uint64(3), d.Stats().Delivered)
}
