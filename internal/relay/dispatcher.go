// Package relay turns chat events into deduplicated push notifications.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"zulip-gotify-relay-go/internal/cache"
	"zulip-gotify-relay-go/internal/classifier"
	"zulip-gotify-relay-go/internal/metrics"
	"zulip-gotify-relay-go/internal/model"
	"zulip-gotify-relay-go/internal/sink"
)

// DefaultTTL is how long an identical notification stays suppressed.
const DefaultTTL = 120 * time.Second

// Outcome is what Handle did with an event.
type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

// Options configures a Dispatcher
type Options struct {
	// Identity is the sender whose events never notify.
	Identity string
	// TTL is the dedup window; zero means DefaultTTL.
	TTL time.Duration
	// LogEvents logs every received event at info instead of debug.
	LogEvents bool
	// Classify replaces classifier.Classify.
	Classify func(model.Event) classifier.Decision
}

// Stats are running totals since start.
type Stats struct {
	Handled    uint64    `json:"handled"`
	Delivered  uint64    `json:"delivered"`
	Duplicates uint64    `json:"duplicates"`
	Suppressed uint64    `json:"suppressed"`
	Skipped    uint64    `json:"skipped"`
	Failed     uint64    `json:"failed"`
	LastEvent  time.Time `json:"last_event,omitempty"`
}

// Dispatcher handles one event at a time: classify, drop self-originated
// events, collapse duplicates and post the rest to the sink.
type Dispatcher struct {
	sink      sink.Sink
	cache     *cache.Memoizer[model.Key, model.Delivery]
	metrics   *metrics.Metrics
	identity  string
	ttl       time.Duration
	logEvents bool
	classify  func(model.Event) classifier.Decision

	counts    [5]atomic.Uint64
	lastEvent atomic.Int64
}

// NewDispatcher creates a new dispatcher. A nil m records into a private
// registry.
func NewDispatcher(s sink.Sink, c *cache.Memoizer[model.Key, model.Delivery], m *metrics.Metrics, opts Options) *Dispatcher {
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	classify := opts.Classify
	if classify == nil {
		classify = classifier.Classify
	}

	return &Dispatcher{
		sink:      s,
		cache:     c,
		metrics:   m,
		identity:  opts.Identity,
		ttl:       ttl,
		logEvents: opts.LogEvents,
		classify:  classify,
	}
}

// Handle processes one raw event. It never panics and never returns an
// error: failures are logged with the offending payload and reported as
// OutcomeFailed so the caller's loop can carry on.
func (d *Dispatcher) Handle(ctx context.Context, raw json.RawMessage) (outcome Outcome) {
	start := time.Now()
	d.lastEvent.Store(start.UnixNano())

	defer func() {
		if r := recover(); r != nil {
			d.fail(raw, fmt.Errorf("panic: %v", r), logrus.Fields{"stack": string(debug.Stack())})
			outcome = OutcomeFailed
		}
		d.count(outcome)
		d.metrics.ProcessingTime.Observe(time.Since(start).Seconds())
	}()

	outcome, err := d.handle(ctx, raw)
	if err != nil {
		d.fail(raw, err, nil)
		return OutcomeFailed
	}
	return outcome
}

func (d *Dispatcher) handle(ctx context.Context, raw json.RawMessage) (Outcome, error) {
	ev := classifier.Decode(raw)
	eventType := ev.RawType()
	if eventType == "" {
		eventType = "unknown"
	}
	d.metrics.EventsReceived.WithLabelValues(eventType).Inc()

	entry := logrus.WithFields(logrus.Fields{"event_type": eventType, "kind": ev.Kind()})
	if d.logEvents {
		entry.WithField("event", string(raw)).Info("Received event")
	} else {
		entry.Debug("Received event")
	}

	sender := classifier.SenderOf(ev)
	if sender != "" && sender == d.identity {
		d.metrics.SelfSuppressed.Inc()
		entry.Debug("Ignoring event from suppressed sender")
		return OutcomeSuppressed, nil
	}

	decision := d.classify(ev)
	if !decision.Send {
		if decision.Diagnostic != "" {
			entry.Warn(decision.Diagnostic)
		}
		d.metrics.Skipped.WithLabelValues(decision.Reason).Inc()
		return OutcomeSkipped, nil
	}

	n := decision.Notification
	delivery, hit, err := d.cache.Memoize(n.Key(), d.ttl, func() (model.Delivery, error) {
		return d.sink.Post(ctx, n)
	})
	if err != nil {
		return OutcomeFailed, err
	}
	if hit {
		d.metrics.DedupHits.Inc()
		entry.WithField("title", n.Title).Debug("Duplicate notification suppressed")
		return OutcomeDuplicate, nil
	}

	d.metrics.Delivered.Inc()
	d.metrics.CacheEntries.Set(float64(d.cache.Len()))
	entry.WithFields(logrus.Fields{"title": n.Title, "gotify_id": delivery.ID}).Info("Notification delivered")
	return OutcomeDelivered, nil
}

func (d *Dispatcher) fail(raw json.RawMessage, err error, extra logrus.Fields) {
	d.metrics.HandleFailures.Inc()
	fields := logrus.Fields{"event": string(raw)}
	for k, v := range extra {
		fields[k] = v
	}
	logrus.WithFields(fields).WithError(err).Error("Failed to handle event")
}

var outcomeIndex = map[Outcome]int{
	OutcomeDelivered:  0,
	OutcomeDuplicate:  1,
	OutcomeSuppressed: 2,
	OutcomeSkipped:    3,
	OutcomeFailed:     4,
}

func (d *Dispatcher) count(o Outcome) {
	if i, ok := outcomeIndex[o]; ok {
		d.counts[i].Add(1)
	}
}

// Stats returns the running totals
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Delivered:  d.counts[0].Load(),
		Duplicates: d.counts[1].Load(),
		Suppressed: d.counts[2].Load(),
		Skipped:    d.counts[3].Load(),
		Failed:     d.counts[4].Load(),
	}
	s.Handled = s.Delivered + s.Duplicates + s.Suppressed + s.Skipped + s.Failed
	if ns := d.lastEvent.Load(); ns != 0 {
		s.LastEvent = time.Unix(0, ns)
	}
	return s
}

// Identity returns the suppressed sender
func (d *Dispatcher) Identity() string {
	return d.identity
}

// CacheSize returns the number of remembered notifications
func (d *Dispatcher) CacheSize() int {
	return d.cache.Len()
}

// SweepCache forgets notifications whose dedup window has passed
func (d *Dispatcher) SweepCache() int {
	removed := d.cache.Sweep(d.ttl)
	d.metrics.CacheSweptTotal.Add(float64(removed))
	d.metrics.CacheEntries.Set(float64(d.cache.Len()))
	if removed > 0 {
		logrus.Infof("Swept %d expired notifications from dedup cache", removed)
	}
	return removed
}
