package changes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/studyhook/internal/event"
)

// fakeArchive serves a growing change feed with basic auth.
type fakeArchive struct {
	mu      sync.Mutex
	changes []event.Change
	fail    int
	queries []string
}

func (f *fakeArchive) add(changeType, resourceType, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := int64(len(f.changes) + 1)
	f.changes = append(f.changes, event.Change{ChangeType: changeType, ResourceType: resourceType, ID: id, Seq: seq, Date: "20240101T000000"})
}

func (f *fakeArchive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u, p, ok := r.BasicAuth(); !ok || u != "orthanc" || p != "orthanc" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.URL.Path != "/changes" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, r.URL.RawQuery)
	if f.fail > 0 {
		f.fail--
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
		return
	}

	page := Page{Changes: []event.Change{}}
	if r.URL.RawQuery == "last" {
		if n := len(f.changes); n > 0 {
			page.Changes = f.changes[n-1:]
			page.Last = f.changes[n-1].Seq
		}
		page.Done = true
	} else {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		page.Last = since
		for _, c := range f.changes {
			if c.Seq > since && len(page.Changes) < limit {
				page.Changes = append(page.Changes, c)
				page.Last = c.Seq
			}
		}
		page.Done = len(f.changes) == 0 || page.Last == f.changes[len(f.changes)-1].Seq
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

type collector struct {
	mu  sync.Mutex
	evs []event.Event
}

func (c *collector) handle(e event.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, e)
	c.mu.Unlock()
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.evs))
	for _, e := range c.evs {
		out = append(out, e.ResourceID)
	}
	return out
}

func newPoller(t *testing.T, url string, since int64, limit int) (*Poller, *collector) {
	t.Helper()
	p, err := New(Options{URL: url + "/", Username: "orthanc", Password: "orthanc", Since: since, Limit: limit, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	c := &collector{}
	p.Subscribe(c.handle)
	return p, c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Options{URL: "localhost:8042"})
	assert.Error(t, err)
	_, err = New(Options{URL: ""})
	assert.Error(t, err)
}

func TestPollPagesInOrder(t *testing.T) {
	fa := &fakeArchive{}
	for i := 1; i <= 5; i++ {
		fa.add("NewInstance", "Instance", "i"+strconv.Itoa(i))
	}
	srv := httptest.NewServer(fa)
	defer srv.Close()

	p, c := newPoller(t, srv.URL, 0, 2)
	ctx := context.Background()

	done, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(2), p.Last())

	done, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, int64(5), p.Last())
	assert.Equal(t, []string{"i1", "i2", "i3", "i4", "i5"}, c.ids())

	assert.Equal(t, "limit=2&since=0", fa.queries[0])
}

func TestPollConvertsChanges(t *testing.T) {
	fa := &fakeArchive{}
	fa.add("StableStudy", "Study", "abc123")
	srv := httptest.NewServer(fa)
	defer srv.Close()

	p, c := newPoller(t, srv.URL, 0, 10)
	_, err := p.Poll(context.Background())
	require.NoError(t, err)

	require.Len(t, c.evs, 1)
	ev := c.evs[0]
	assert.Equal(t, event.KindStableStudy, ev.Kind)
	assert.Equal(t, event.LevelStudy, ev.Level)
	assert.Equal(t, int64(1), ev.Seq)
	assert.False(t, ev.Date.IsZero())
}

func TestPollErrors(t *testing.T) {
	fa := &fakeArchive{fail: 1}
	srv := httptest.NewServer(fa)
	defer srv.Close()

	p, _ := newPoller(t, srv.URL, 0, 10)
	_, err := p.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")

	bad, err := New(Options{URL: srv.URL, Username: "x", Password: "y"})
	require.NoError(t, err)
	_, err = bad.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestRunFromTailSkipsHistory(t *testing.T) {
	fa := &fakeArchive{}
	fa.add("StableStudy", "Study", "old1")
	fa.add("StableStudy", "Study", "old2")
	srv := httptest.NewServer(fa)
	defer srv.Close()

	p, c := newPoller(t, srv.URL, FromTail, 10)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Last() == 2 }, 2*time.Second, 10*time.Millisecond)
	fa.add("StableStudy", "Study", "new1")
	require.Eventually(t, func() bool { return len(c.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, []string{"new1"}, c.ids())
}

func TestRunSurvivesTransientFailures(t *testing.T) {
	fa := &fakeArchive{fail: 2}
	fa.add("StableStudy", "Study", "s1")
	srv := httptest.NewServer(fa)
	defer srv.Close()

	p, c := newPoller(t, srv.URL, 0, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(c.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunTailCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := newPoller(t, srv.URL, FromTail, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)
}
