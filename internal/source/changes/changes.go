package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loykin/studyhook/internal/event"
)

const (
	DefaultPollInterval = time.Second
	DefaultLimit        = 100
	// FromTail starts polling after the newest existing change.
	FromTail int64 = -1

	requestTimeout = 30 * time.Second
)

// Options configures a Poller.
type Options struct {
	URL          string
	Username     string
	Password     string
	PollInterval time.Duration
	Limit        int
	Since        int64
	Client       *http.Client
	Logger       *slog.Logger
}

// Page is one response of GET /changes.
type Page struct {
	Changes []event.Change `json:"Changes"`
	Done    bool           `json:"Done"`
	Last    int64          `json:"Last"`
}

// Poller follows the archive's change feed and publishes every entry, in
// feed order, to its subscribers. It implements event.Source.
type Poller struct {
	opts   Options
	base   *url.URL
	bus    *event.Bus
	client *http.Client
	log    *slog.Logger

	last atomic.Int64
}

func New(opts Options) (*Poller, error) {
	u, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid changes url %q", opts.URL)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: requestTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Poller{
		opts:   opts,
		base:   u,
		bus:    event.NewBus(),
		client: opts.Client,
		log:    opts.Logger.With("component", "changes"),
	}
	p.last.Store(opts.Since)
	return p, nil
}

func (p *Poller) Subscribe(h event.Handler) { p.bus.Subscribe(h) }

// Last is the sequence number of the newest change consumed so far.
func (p *Poller) Last() int64 { return p.last.Load() }

// Run polls until ctx is cancelled. Pages are fetched back to back while
// the archive reports more (Done=false); otherwise Run waits PollInterval.
// Fetch errors are logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	if p.last.Load() < 0 {
		if err := p.seekTail(ctx); err != nil {
			return err
		}
	}
	p.log.Info("following change feed", "url", p.base.String(), "since", p.last.Load())

	for {
		done, err := p.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn("change feed poll failed", "since", p.last.Load(), "error", err)
			done = true
		}
		if !done {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// seekTail positions the poller after the newest change, retrying until
// the archive answers or ctx ends.
func (p *Poller) seekTail(ctx context.Context) error {
	for {
		page, err := p.fetch(ctx, url.Values{"last": {""}})
		if err == nil {
			p.last.Store(page.Last)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("cannot read change feed tail", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// Poll fetches one page after Last, publishes its entries and advances
// Last. It reports whether the feed is drained.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	since := p.last.Load()
	if since < 0 {
		since = 0
	}
	q := url.Values{
		"since": {strconv.FormatInt(since, 10)},
		"limit": {strconv.Itoa(p.opts.Limit)},
	}
	page, err := p.fetch(ctx, q)
	if err != nil {
		return false, err
	}
	for _, ch := range page.Changes {
		p.bus.Publish(ch.Event())
	}
	if page.Last > since {
		p.last.Store(page.Last)
	}
	return page.Done || len(page.Changes) == 0, nil
}

func (p *Poller) fetch(ctx context.Context, q url.Values) (*Page, error) {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + "/changes"
	// "last" is a bare flag in the archive's API.
	u.RawQuery = strings.Replace(q.Encode(), "last=", "last", 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if p.opts.Username != "" {
		req.SetBasicAuth(p.opts.Username, p.opts.Password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("changes: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("changes: decode: %w", err)
	}
	if page.Changes == nil && page.Last == 0 && !page.Done {
		return nil, errors.New("changes: unexpected response shape")
	}
	return &page, nil
}
