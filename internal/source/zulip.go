// Package source reads the Zulip real-time event feed.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"zulip-gotify-relay-go/internal/config"
)

var (
	// ErrBadQueue means the server garbage-collected the event queue.
	ErrBadQueue = errors.New("zulip event queue expired")
	// ErrUnauthorized means the server rejected the account credentials.
	ErrUnauthorized = errors.New("zulip rejected credentials")
)

// EventSource yields raw chat events one at a time
type EventSource interface {
	// Next blocks until an event is available or the source fails for good.
	Next(ctx context.Context) (json.RawMessage, error)
	// Email is the address of the account the source is logged in as.
	Email() string
	Close() error
}

// ZulipSource implements EventSource over the Zulip event queue API
type ZulipSource struct {
	client     *http.Client
	site       string
	email      string
	apiKey     string
	eventTypes []string
	maxElapsed time.Duration
	newBackOff func() backoff.BackOff

	queueID     string
	lastEventID int64
	pending     []json.RawMessage
}

// NewZulipSource creates a new Zulip event source. No request is made until
// the first call to Next.
func NewZulipSource(cfg *config.ZulipConfig) (*ZulipSource, error) {
	if _, err := url.Parse(cfg.Site); err != nil {
		return nil, fmt.Errorf("failed to parse zulip site: %w", err)
	}

	return &ZulipSource{
		client:     &http.Client{Timeout: cfg.PollTimeout},
		site:       strings.TrimRight(cfg.Site, "/"),
		email:      cfg.Email,
		apiKey:     cfg.APIKey,
		eventTypes: cfg.EventTypes,
		maxElapsed: cfg.RetryMaxElapsed,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			return b
		},
		lastEventID: -1,
	}, nil
}

// Email returns the account's own address
func (s *ZulipSource) Email() string {
	return s.email
}

// Next returns the next event, polling the server when the local batch is
// drained. Transient failures are retried with exponential backoff. Once ctx
// is done Next returns its error, leaving buffered events in place. Next is
// not safe for concurrent use.
func (s *ZulipSource) Next(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for len(s.pending) == 0 {
		// A zero max elapsed time retries until ctx is done.
		events, err := backoff.Retry(ctx, func() ([]json.RawMessage, error) {
			return s.poll(ctx)
		},
			backoff.WithBackOff(s.newBackOff()),
			backoff.WithMaxElapsedTime(s.maxElapsed),
			backoff.WithNotify(func(err error, wait time.Duration) {
				logrus.WithError(err).Warnf("Zulip poll failed, retrying in %v", wait)
			}),
		)
		if err != nil {
			return nil, err
		}
		s.pending = events
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

// poll registers a queue if needed and fetches one batch of events. Errors
// that retrying cannot fix are marked permanent.
func (s *ZulipSource) poll(ctx context.Context) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, backoff.Permanent(err)
	}

	if s.queueID == "" {
		if err := s.register(ctx); err != nil {
			return nil, s.retryable(err)
		}
	}

	events, err := s.getEvents(ctx)
	if errors.Is(err, ErrBadQueue) {
		logrus.WithField("queue_id", s.queueID).Warn("Zulip event queue expired, registering a new one")
		s.queueID = ""
		return nil, nil
	}
	if err != nil {
		return nil, s.retryable(err)
	}
	return events, nil
}

func (s *ZulipSource) retryable(err error) error {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	return err
}

// register creates a new event queue
func (s *ZulipSource) register(ctx context.Context) error {
	form := url.Values{}
	if len(s.eventTypes) > 0 {
		types, err := json.Marshal(s.eventTypes)
		if err != nil {
			return fmt.Errorf("failed to encode event types: %w", err)
		}
		form.Set("event_types", string(types))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.site+"/api/v1/register", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := s.do(req)
	if err != nil {
		return fmt.Errorf("failed to register event queue: %w", err)
	}

	queueID := gjson.GetBytes(body, "queue_id").String()
	if queueID == "" {
		return fmt.Errorf("failed to register event queue: response has no queue_id")
	}
	s.queueID = queueID
	s.lastEventID = gjson.GetBytes(body, "last_event_id").Int()
	s.pending = nil

	logrus.WithField("queue_id", queueID).Info("Registered Zulip event queue")
	return nil
}

// getEvents long-polls the queue for events after lastEventID
func (s *ZulipSource) getEvents(ctx context.Context) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("queue_id", s.queueID)
	q.Set("last_event_id", strconv.FormatInt(s.lastEventID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.site+"/api/v1/events?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build events request: %w", err)
	}

	body, err := s.do(req)
	if err != nil {
		return nil, err
	}

	var events []json.RawMessage
	gjson.GetBytes(body, "events").ForEach(func(_, ev gjson.Result) bool {
		if id := ev.Get("id"); id.Exists() && id.Int() > s.lastEventID {
			s.lastEventID = id.Int()
		}
		events = append(events, json.RawMessage(ev.Raw))
		return true
	})
	return events, nil
}

// do sends an authenticated request and maps Zulip error envelopes onto
// the package's sentinel errors
func (s *ZulipSource) do(req *http.Request) ([]byte, error) {
	req.SetBasicAuth(s.email, s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}

	result := gjson.GetBytes(body, "result").String()
	if resp.StatusCode == http.StatusOK && result == "success" {
		return body, nil
	}

	code := gjson.GetBytes(body, "code").String()
	msg := gjson.GetBytes(body, "msg").String()
	if code == "BAD_EVENT_QUEUE_ID" {
		return nil, ErrBadQueue
	}
	return nil, fmt.Errorf("zulip error: status %d: %s %s", resp.StatusCode, code, msg)
}

// Close deletes the event queue on the server, if one was registered
func (s *ZulipSource) Close() error {
	if s.queueID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := url.Values{}
	q.Set("queue_id", s.queueID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.site+"/api/v1/events?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build delete queue request: %w", err)
	}
	if _, err := s.do(req); err != nil {
		return fmt.Errorf("failed to delete event queue: %w", err)
	}
	s.queueID = ""
	return nil
}
