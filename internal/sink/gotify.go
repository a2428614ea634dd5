// Package sink delivers notifications to a Gotify server.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"zulip-gotify-relay-go/internal/config"
	"zulip-gotify-relay-go/internal/model"
)

// ErrDelivery is returned when Gotify answers with a non-success status.
var ErrDelivery = errors.New("gotify rejected notification")

// Sink accepts notifications for delivery
type Sink interface {
	Post(ctx context.Context, n model.Notification) (model.Delivery, error)
}

// GotifySink posts notifications to a Gotify message endpoint
type GotifySink struct {
	client   *http.Client
	postURL  *url.URL
	priority int
	breaker  *gobreaker.CircuitBreaker
}

// NewGotifySink creates a new Gotify sink
func NewGotifySink(cfg *config.GotifyConfig) (*GotifySink, error) {
	u, err := url.Parse(cfg.PostURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gotify post url: %w", err)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	settings := gobreaker.Settings{
		Name:        "gotify",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Gotify circuit breaker changed state")
		},
	}

	return &GotifySink{
		client:   &http.Client{Timeout: cfg.Timeout},
		postURL:  u,
		priority: cfg.Priority,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// Post sends one notification. While the breaker is open Post fails fast
// with gobreaker.ErrOpenState.
func (s *GotifySink) Post(ctx context.Context, n model.Notification) (model.Delivery, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.post(ctx, n)
	})
	if err != nil {
		return model.Delivery{}, fmt.Errorf("failed to post notification: %w", err)
	}
	return res.(model.Delivery), nil
}

func (s *GotifySink) post(ctx context.Context, n model.Notification) (model.Delivery, error) {
	u := *s.postURL
	q := u.Query()
	q.Set("title", n.Title)
	q.Set("message", n.Message)
	if s.priority > 0 {
		q.Set("priority", strconv.Itoa(s.priority))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return model.Delivery{}, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return model.Delivery{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return model.Delivery{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := gjson.GetBytes(body, "errorDescription").String()
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		return model.Delivery{}, fmt.Errorf("%w: status %d: %s", ErrDelivery, resp.StatusCode, detail)
	}

	return model.Delivery{
		ID:          gjson.GetBytes(body, "id").Int(),
		DeliveredAt: time.Now(),
	}, nil
}

// State reports the circuit breaker state: closed, half-open or open
func (s *GotifySink) State() string {
	return s.breaker.State().String()
}

// Close releases idle connections
func (s *GotifySink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
