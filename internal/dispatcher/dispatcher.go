package dispatcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/studyhook/internal/event"
	"github.com/loykin/studyhook/internal/history"
	"github.com/loykin/studyhook/internal/metrics"
	"github.com/loykin/studyhook/internal/payload"
)

// Defaults applied by New for zero config values.
const (
	DefaultTimeout          = 10 * time.Second
	DefaultMaxBodyLog       = 512
	DefaultRetryInterval    = 500 * time.Millisecond
	DefaultRetryMaxInterval = 10 * time.Second
	DefaultUserAgent        = "studyhook"

	// DeliveryHeader carries the delivery id; retries of one record share it.
	DeliveryHeader = "X-Studyhook-Delivery"

	// Journal writes get half the delivery timeout, capped at this.
	maxJournalTimeout = 2 * time.Second
)

var ErrInvalidURL = errors.New("notification url must be an absolute http(s) url")

// Config controls which events are forwarded and how.
type Config struct {
	URL     string
	Timeout time.Duration
	// Event is the kind that triggers a notification (default StableStudy).
	Event event.Kind
	// Level, when set, additionally restricts matches to one resource level.
	Level event.Level

	// Retries is the number of extra attempts after a transport failure.
	// Rejected deliveries are never retried.
	Retries          int
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration

	MaxBodyLog int
	Headers    map[string]string
	UserAgent  string
	TLS        *tls.Config

	Sequencer payload.Sequencer
	Journal   history.Multi
	Logger    *slog.Logger
	// Client overrides the HTTP client built from Timeout and TLS.
	Client *http.Client
}

// Dispatcher turns matching lifecycle events into HTTP notifications.
// It is safe for concurrent use.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger

	done      chan struct{}
	closeOnce sync.Once

	received, filtered, accepted, rejected, unreachable, buildFailed atomic.Uint64

	// build is replaced in tests to exercise panic recovery.
	build func(event.Event, int64) payload.Record
}

// New validates cfg, applies defaults and returns a ready dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Event == event.KindUnknown {
		cfg.Event = event.KindStableStudy
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if cfg.MaxBodyLog <= 0 {
		cfg.MaxBodyLog = DefaultMaxBodyLog
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Sequencer == nil {
		cfg.Sequencer = payload.ZeroSequencer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.TLS != nil {
			tr.TLSClientConfig = cfg.TLS
		}
		client = &http.Client{Timeout: cfg.Timeout, Transport: tr}
	}

	return &Dispatcher{
		cfg:    cfg,
		client: client,
		log:    cfg.Logger.With("component", "dispatcher"),
		done:   make(chan struct{}),
		build:  payload.Build,
	}, nil
}

// Subscribe registers the dispatcher's handler on src.
func (d *Dispatcher) Subscribe(src event.Source) {
	src.Subscribe(d.HandleEvent)
}

// HandleEvent is the event.Handler entry point. It never panics and never
// reports failure to the caller; outcomes go to logs, metrics and the journal.
func (d *Dispatcher) HandleEvent(ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panic", "resource_id", ev.ResourceID, "panic", r)
		}
	}()
	d.Handle(ev)
}

// Handle processes one event and returns its outcome.
func (d *Dispatcher) Handle(ev event.Event) DeliveryOutcome {
	d.received.Add(1)
	metrics.IncEvent(ev.Kind.String())

	if !d.matches(ev) {
		out := DeliveryOutcome{Kind: FilteredOut}
		d.log.Debug("event filtered out", "change_type", ev.Kind.String(), "resource_id", ev.ResourceID)
		d.count(out)
		return out
	}

	rec, err := d.buildRecord(ev)
	if err != nil {
		out := DeliveryOutcome{Kind: BuildFailure, DeliveryID: uuid.NewString(), Err: err}
		d.log.Error("failed to build notification", "resource_id", ev.ResourceID, "error", err)
		d.count(out)
		d.journal(out, ev)
		return out
	}
	return d.Deliver(context.Background(), rec)
}

func (d *Dispatcher) matches(ev event.Event) bool {
	if ev.Kind != d.cfg.Event {
		return false
	}
	return d.cfg.Level == event.LevelUnknown || ev.Level == d.cfg.Level
}

func (d *Dispatcher) buildRecord(ev event.Event) (rec payload.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("build record: %v", r)
		}
	}()
	return d.build(ev, d.cfg.Sequencer.Next()), nil
}

// Deliver posts rec to the configured endpoint, retrying transport failures
// up to cfg.Retries times, and records the classified outcome.
func (d *Dispatcher) Deliver(ctx context.Context, rec payload.Record) DeliveryOutcome {
	out := DeliveryOutcome{DeliveryID: uuid.NewString(), Record: rec}
	start := time.Now()

	body, err := rec.Marshal()
	if err != nil {
		out.Kind = BuildFailure
		out.Err = fmt.Errorf("encode record: %w", err)
		out.Duration = time.Since(start)
		d.log.Error("failed to encode notification", "resource_id", rec.ID, "error", out.Err)
		d.count(out)
		d.journalRecord(out)
		return out
	}

	for {
		out.Attempts++
		out.StatusCode, out.Body, out.Err = d.attempt(ctx, out.DeliveryID, body)
		if out.Err == nil || out.Attempts > d.cfg.Retries {
			break
		}
		wait := d.backoff(out.Attempts - 1)
		d.log.Warn("notification attempt failed, retrying",
			"resource_id", rec.ID, "attempt", out.Attempts, "wait", wait, "error", out.Err)
		metrics.IncRetry()
		if !d.sleep(ctx, wait) {
			break
		}
	}
	out.Duration = time.Since(start)

	switch {
	case out.Err != nil:
		out.Kind = DeliveryUnreachable
		d.log.Error("notification endpoint unreachable",
			"resource_id", rec.ID, "url", d.cfg.URL, "attempts", out.Attempts,
			"error", fmt.Sprintf("failed to send notification for %s: %v", rec.ID, out.Err))
	case out.StatusCode == http.StatusOK:
		out.Kind = DeliveryAccepted
		d.log.Info("notification delivered",
			"resource_id", rec.ID, "change_type", rec.ChangeType, "delivery_id", out.DeliveryID,
			"attempts", out.Attempts, "duration", out.Duration)
	default:
		out.Kind = DeliveryRejected
		d.log.Error("notification rejected",
			"resource_id", rec.ID, "status", out.StatusCode, "body", out.Body, "delivery_id", out.DeliveryID)
	}

	d.count(out)
	metrics.ObserveDelivery(out.Kind.String(), out.Duration.Seconds())
	d.journalRecord(out)
	return out
}

// attempt performs a single POST bounded by cfg.Timeout.
func (d *Dispatcher) attempt(ctx context.Context, id string, body []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	for k, v := range d.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(DeliveryHeader, id)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return resp.StatusCode, "", nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.cfg.MaxBodyLog)+1))
	return resp.StatusCode, truncate(b, d.cfg.MaxBodyLog), nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}

// backoff returns RetryInterval * 2^n capped at RetryMaxInterval.
func (d *Dispatcher) backoff(n int) time.Duration {
	wait := d.cfg.RetryInterval
	for i := 0; i < n && wait < d.cfg.RetryMaxInterval; i++ {
		wait *= 2
	}
	if wait > d.cfg.RetryMaxInterval {
		wait = d.cfg.RetryMaxInterval
	}
	return wait
}

func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-d.done:
		return false
	}
}

func (d *Dispatcher) count(out DeliveryOutcome) {
	switch out.Kind {
	case FilteredOut:
		d.filtered.Add(1)
	case DeliveryAccepted:
		d.accepted.Add(1)
	case DeliveryRejected:
		d.rejected.Add(1)
	case DeliveryUnreachable:
		d.unreachable.Add(1)
	case BuildFailure:
		d.buildFailed.Add(1)
	}
	metrics.IncOutcome(out.Kind.String())
}

func (d *Dispatcher) journal(out DeliveryOutcome, ev event.Event) {
	out.Record = payload.Record{
		ChangeType:   ev.Kind.String(),
		ID:           ev.ResourceID,
		ResourceType: ev.Level.String(),
	}
	d.journalRecord(out)
}

func (d *Dispatcher) journalRecord(out DeliveryOutcome) {
	if len(d.cfg.Journal) == 0 {
		return
	}
	e := history.Entry{
		DeliveryID:   out.DeliveryID,
		OccurredAt:   time.Now().UTC(),
		Outcome:      out.Kind.String(),
		ChangeType:   out.Record.ChangeType,
		ResourceType: out.Record.ResourceType,
		ResourceID:   out.Record.ID,
		Path:         out.Record.Path,
		Seq:          out.Record.Seq,
		StatusCode:   out.StatusCode,
		Attempts:     out.Attempts,
		DurationMS:   out.Duration.Milliseconds(),
	}
	if out.Err != nil {
		e.Error = out.Err.Error()
	} else if out.Kind == DeliveryRejected {
		e.Error = out.Body
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.journalTimeout())
	defer cancel()
	for _, se := range history.SinkErrors(d.cfg.Journal.Send(ctx, e)) {
		metrics.IncJournalError(se.Sink)
		d.log.Warn("journal write failed", "sink", se.Sink, "delivery_id", e.DeliveryID, "error", se.Err)
	}
}

// journalTimeout bounds all sinks together; they are written concurrently.
func (d *Dispatcher) journalTimeout() time.Duration {
	return min(d.cfg.Timeout/2, maxJournalTimeout)
}

// Stats returns a snapshot of the outcome counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:     d.received.Load(),
		FilteredOut:  d.filtered.Load(),
		Accepted:     d.accepted.Load(),
		Rejected:     d.rejected.Load(),
		Unreachable:  d.unreachable.Load(),
		BuildFailure: d.buildFailed.Load(),
	}
}

// Close ends pending retry waits. In-flight attempts still run to their
// own timeout. Close is idempotent.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}
