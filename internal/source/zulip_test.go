package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zulip-gotify-relay-go/internal/config"
)

// fakeZulip serves a scripted sequence of /events responses.
type fakeZulip struct {
	mu          sync.Mutex
	registers   int
	polls       []string
	lastEventID []string
	eventTypes  string
	deleted     string
	pollReplies []func(w http.ResponseWriter)
}

func (f *fakeZulip) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, pass, ok := r.BasicAuth()
	if !ok || user != "bot@example.com" || pass != "key" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"result":"error","msg":"Invalid API key","code":"UNAUTHORIZED"}`))
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/register":
		f.registers++
		_ = r.ParseForm()
		f.eventTypes = r.PostForm.Get("event_types")
		fmt.Fprintf(w, `{"result":"success","msg":"","queue_id":"q%d","last_event_id":-1}`, f.registers)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/events":
		f.polls = append(f.polls, r.URL.Query().Get("queue_id"))
		f.lastEventID = append(f.lastEventID, r.URL.Query().Get("last_event_id"))
		if len(f.pollReplies) == 0 {
			_, _ = w.Write([]byte(`{"result":"success","events":[{"type":"heartbeat","id":99}]}`))
			return
		}
		reply := f.pollReplies[0]
		f.pollReplies = f.pollReplies[1:]
		reply(w)
	case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/events":
		f.deleted = r.URL.Query().Get("queue_id")
		_, _ = w.Write([]byte(`{"result":"success","msg":""}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func reply(status int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func newTestSource(t *testing.T, url, apiKey string) *ZulipSource {
	t.Helper()
	s, err := NewZulipSource(&config.ZulipConfig{
		Site:        url,
		Email:       "bot@example.com",
		APIKey:      apiKey,
		PollTimeout: 5 * time.Second,
		EventTypes:  []string{"message", "typing"},
	})
	require.NoError(t, err)
	s.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return s
}

func TestNextYieldsEventsInOrder(t *testing.T) {
	f := &fakeZulip{pollReplies: []func(http.ResponseWriter){
		reply(http.StatusOK, `{"result":"success","events":[{"type":"message","id":0},{"type":"typing","id":1}]}`),
		reply(http.StatusOK, `{"result":"success","events":[{"type":"presence","id":2}]}`),
	}}
	srv := httptest.NewServer(f)
	defer srv.Close()

	s := newTestSource(t, srv.URL, "key")
	ctx := context.Background()

	var types []string
	for i := 0; i < 3; i++ {
		ev, err := s.Next(ctx)
		require.NoError(t, err)
		types = append(types, string(ev))
	}

	assert.Equal(t, []string{`{"type":"message","id":0}`, `{"type":"typing","id":1}`, `{"type":"presence","id":2}`}, types)
	assert.Equal(t, "bot@example.com", s.Email())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.registers)
	assert.Equal(t, `["message","typing"]`, f.eventTypes)
	assert.Equal(t, []string{"-1", "1"}, f.lastEventID)
}

func TestNextReregistersOnBadQueue(t *testing.T) {
	f := &fakeZulip{pollReplies: []func(http.ResponseWriter){
		reply(http.StatusBadRequest, `{"result":"error","msg":"Bad event queue id: q1","code":"BAD_EVENT_QUEUE_ID","queue_id":"q1"}`),
		reply(http.StatusOK, `{"result":"success","events":[{"type":"message","id":5}]}`),
	}}
	srv := httptest.NewServer(f)
	defer srv.Close()

	s := newTestSource(t, srv.URL, "key")
	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","id":5}`, string(ev))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 2, f.registers)
	assert.Equal(t, []string{"q1", "q2"}, f.polls)
}

func TestNextRetriesTransientErrors(t *testing.T) {
	f := &fakeZulip{pollReplies: []func(http.ResponseWriter){
		reply(http.StatusBadGateway, `upstream down`),
		reply(http.StatusTooManyRequests, `{"result":"error","code":"RATE_LIMIT_HIT","msg":"slow down"}`),
		reply(http.StatusOK, `{"result":"success","events":[{"type":"message","id":1}]}`),
	}}
	srv := httptest.NewServer(f)
	defer srv.Close()

	s := newTestSource(t, srv.URL, "key")
	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","id":1}`, string(ev))
}

func TestNextUnauthorizedIsFatal(t *testing.T) {
	srv := httptest.NewServer(&fakeZulip{})
	defer srv.Close()

	s := newTestSource(t, srv.URL, "wrong")
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNextStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(&fakeZulip{})
	defer srv.Close()

	s := newTestSource(t, srv.URL, "key")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextKeepsBufferedEventsAfterCancel(t *testing.T) {
	f := &fakeZulip{pollReplies: []func(http.ResponseWriter){
		reply(http.StatusOK, `{"result":"success","events":[{"type":"message","id":0},{"type":"typing","id":1}]}`),
	}}
	srv := httptest.NewServer(f)
	defer srv.Close()

	s := newTestSource(t, srv.URL, "key")
	_, err := s.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	ev, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(ev), `"typing"`)
}

func TestCloseDeletesQueue(t *testing.T) {
	f := &fakeZulip{}
	srv := httptest.NewServer(f)
	defer srv.Close()

	s := newTestSource(t, srv.URL, "key")
	assert.NoError(t, s.Close(), "closing before registering is a no-op")

	_, err := s.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "q1", f.deleted)
}
