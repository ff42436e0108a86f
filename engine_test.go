package kleinwatch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewjhunter/kleinwatch/internal/config"
	"github.com/matthewjhunter/kleinwatch/internal/extract"
	"github.com/matthewjhunter/kleinwatch/internal/logger"
	"github.com/matthewjhunter/kleinwatch/internal/metrics"
	"github.com/matthewjhunter/kleinwatch/internal/notify"
	"github.com/matthewjhunter/kleinwatch/internal/storage"
)

// site serves search pages under /search/<name> and detail pages under
// /s-anzeige/.
type site struct {
	mu      sync.Mutex
	pages   map[string][]string
	status  map[string]int
	details map[string]int

	searchHits atomic.Int32
}

func newSite() *site {
	return &site{
		pages:   map[string][]string{},
		status:  map[string]int{},
		details: map[string]int{},
	}
}

func (s *site) setPage(name string, ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[name] = ids
}

func (s *site) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/search/"):
		s.searchHits.Add(1)
		name := strings.TrimPrefix(r.URL.Path, "/search/")
		if code := s.status[name]; code != 0 {
			w.WriteHeader(code)
			return
		}
		var b strings.Builder
		b.WriteString("<html><body><ul>")
		for _, id := range s.pages[name] {
			fmt.Fprintf(&b, `<li><article data-adid="%s"><a href="/s-anzeige/car-%s/%s-216-3869">Car %s</a></article></li>`, id, id, id, id)
		}
		b.WriteString("</ul></body></html>")
		fmt.Fprint(w, b.String())

	case strings.HasPrefix(r.URL.Path, "/s-anzeige/"):
		id := strings.TrimPrefix(r.URL.Path, "/s-anzeige/car-")
		id = id[:strings.Index(id, "/")]
		if code := s.details[id]; code != 0 {
			w.WriteHeader(code)
			return
		}
		fmt.Fprintf(w, `<html><head><title>BMW 320d %s in Sachsen - Chemnitz | Kleinanzeigen</title></head>
<body><h1>BMW 320d %s</h1><h2>12.500 €</h2>
<ul><li>Erstzulassung: 03/2015</li></ul>
<span>09111 Chemnitz</span></body></html>`, id, id)

	default:
		http.NotFound(w, r)
	}
}

type message struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []message
	calls int
	// fail rejects messages containing this substring when set.
	fail string
	hook func(text string)
}

func (n *fakeNotifier) SendMessage(_ context.Context, chatID int64, text string) bool {
	n.mu.Lock()
	n.calls++
	fail, hook := n.fail, n.hook
	n.mu.Unlock()

	if hook != nil {
		hook(text)
	}
	if fail != "" && strings.Contains(text, fail) {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, message{chatID: chatID, text: text})
	return true
}

func (n *fakeNotifier) messages() []message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]message(nil), n.sent...)
}

func (n *fakeNotifier) setFail(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = s
}

type fixture struct {
	engine   *Engine
	site     *site
	notifier *fakeNotifier
	srv      *httptest.Server
	metrics  *metrics.Metrics
}

func (f *fixture) searchURL(name string) string {
	return f.srv.URL + "/search/" + name
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := newSite()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Monitor.SearchURL = srv.URL + "/search/default"
	cfg.Monitor.BaseURL = srv.URL
	cfg.HTTP.Timeout = 5 * time.Second
	cfg.HTTP.MaxRetries = 1
	cfg.HTTP.RetryDelay = 0
	cfg.HTTP.StatusBackoff = 0
	cfg.HTTP.RequestsPerMinute = 0
	cfg.Pacing = config.PacingConfig{}

	n := &fakeNotifier{}
	m := metrics.New(nil)
	e, err := New(cfg, n, logger.NewNop(), m)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return &fixture{engine: e, site: s, notifier: n, srv: srv, metrics: m}
}

func (f *fixture) subscribe(t *testing.T, chatID int64) {
	t.Helper()
	require.NoError(t, f.engine.Subscribe(chatID, "user", "User"))
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Monitor.SearchURL = ""
	_, err := New(cfg, &fakeNotifier{}, logger.NewNop(), nil)
	assert.Error(t, err)
}

func TestCheckSubscriberDeliversEachListingOnce(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.site.setPage("default", "101", "102", "103")

	res, err := f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, CheckResult{ChatID: 1, Total: 3, New: 3, Sent: 3}, *res)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0].text, "/s-anzeige/car-101/101-216-3869")
	assert.Contains(t, msgs[0].text, "BMW 320d 101")
	assert.Contains(t, msgs[0].text, "Year: 2015")
	assert.Equal(t, int64(1), msgs[0].chatID)

	res, err = f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, CheckResult{ChatID: 1, Total: 3, New: 0, Sent: 0}, *res)
	assert.Len(t, f.notifier.messages(), 3)
}

func TestCheckSubscriberIsolatesSubscribers(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.subscribe(t, 2)
	f.site.setPage("default", "101", "102")

	_, err := f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)

	res, err := f.engine.CheckSubscriber(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Len(t, f.notifier.messages(), 4)
}

func TestCheckSubscriberOnlyUnseenListings(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.site.setPage("default", "1", "2", "3", "4", "5")
	require.NoError(t, f.engine.store.MarkListingSent(1, "2", "", 0))
	require.NoError(t, f.engine.store.MarkListingSent(1, "4", "", 0))

	res, err := f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, CheckResult{ChatID: 1, Total: 5, New: 3, Sent: 3}, *res)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 3)
	for i, id := range []string{"1", "3", "5"} {
		assert.Contains(t, msgs[i].text, "car-"+id+"/")
	}
}

func TestCheckSubscriberBudget(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.site.setPage("default", "1", "2", "3", "4", "5")
	ctx := context.Background()

	res, err := f.engine.CheckSubscriber(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 3, res.New, "listing at the cutoff is counted as new")

	res, err = f.engine.CheckSubscriber(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 3, res.New)

	res, err = f.engine.CheckSubscriber(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.New)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 5)
	for i, id := range []string{"1", "2", "3", "4", "5"} {
		assert.Contains(t, msgs[i].text, "car-"+id+"/", "page order is preserved")
	}
}

func TestCheckSubscriberBudgetSpansQueries(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	_, err := f.engine.store.AddQuery(1, f.searchURL("second"))
	require.NoError(t, err)
	f.site.setPage("default", "a1", "a2")
	f.site.setPage("second", "b1", "b2")

	res, err := f.engine.CheckSubscriber(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, CheckResult{ChatID: 1, Total: 4, New: 4, Sent: 3}, *res)
}

func TestCheckSubscriberStopsWhenBudgetSpent(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	_, err := f.engine.store.AddQuery(1, f.searchURL("second"))
	require.NoError(t, err)
	f.site.setPage("default", "a1", "a2")
	f.site.setPage("second", "b1")

	res, err := f.engine.CheckSubscriber(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, int32(1), f.site.searchHits.Load(), "second query is never fetched")
}

func TestCheckSubscriberPartialRecordOnDetailFailure(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.site.setPage("default", "7")
	f.site.details["7"] = http.StatusNotFound

	res, err := f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "Car 7")
	assert.Contains(t, msgs[0].text, "Year: —")
	assert.Contains(t, msgs[0].text, "/s-anzeige/car-7/7-216-3869")

	seen, err := f.engine.store.IsListingSeen(1, "7")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestCheckSubscriberDeliveryFailureLeavesUnseen(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.site.setPage("default", "1", "2", "3")
	f.notifier.setFail("car-2/")

	res, err := f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, CheckResult{ChatID: 1, Total: 3, New: 3, Sent: 2}, *res)
	assert.Equal(t, 4, f.notifier.calls, "failed delivery is retried once")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeliveryFailuresTotal))

	seen, err := f.engine.store.IsListingSeen(1, "2")
	require.NoError(t, err)
	assert.False(t, seen)

	f.notifier.setFail("")
	res, err = f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, res.Sent)
}

func TestCheckSubscriberPanicMarksListingSeen(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.site.setPage("default", "1", "2")
	f.engine.render = func(d extract.ListingDetails) string {
		if d.ID == "1" {
			panic("boom")
		}
		return notify.FormatListing(d)
	}

	res, err := f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, CheckResult{ChatID: 1, Total: 2, New: 2, Sent: 1}, *res)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ProcessingErrorsTotal))

	seen, err := f.engine.store.IsListingSeen(1, "1")
	require.NoError(t, err)
	assert.True(t, seen, "listing is not retried after an unexpected error")
}

func TestCheckSubscriberNotifierPanicIsFailedDelivery(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.site.setPage("default", "1")
	f.notifier.hook = func(text string) {
		if strings.Contains(text, "car-1/") {
			panic("boom")
		}
	}

	res, err := f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, CheckResult{ChatID: 1, Total: 1, New: 1}, *res)
	assert.Equal(t, 2, f.notifier.calls, "each attempt is made despite the panic")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeliveryFailuresTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ProcessingErrorsTotal))

	seen, err := f.engine.store.IsListingSeen(1, "1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestCheckSubscriberCountsQueryFailures(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	_, err := f.engine.store.AddQuery(1, f.searchURL("second"))
	require.NoError(t, err)
	f.site.status["default"] = http.StatusForbidden
	f.site.setPage("second", "b1")

	res, err := f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, CheckResult{ChatID: 1, Total: 1, New: 1, Sent: 1, Errors: 1}, *res)

	last, err := f.engine.store.LastCheck(1)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Errors)
	assert.Equal(t, 1, last.Sent)
}

func TestCheckSubscriberWithoutQueriesRecordsStats(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	require.NoError(t, f.engine.Unsubscribe(1))

	res, err := f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, CheckResult{ChatID: 1}, *res)

	n, err := f.engine.store.CountChecks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(0), f.site.searchHits.Load())
}

func TestCheckSubscriberUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CheckSubscriber(context.Background(), 99, 0)
	assert.ErrorIs(t, err, ErrUnknownSubscriber)
}

func TestRunCheckForUserUsesTestLimit(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.Monitor.MaxTestListings = 2
	f.subscribe(t, 1)
	f.site.setPage("default", "1", "2", "3", "4")

	res, err := f.engine.RunCheckForUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
}

func TestRunCheckForUserDuringSweep(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.engine.sweeping.Store(true)
	f.site.setPage("default", "1")

	res, err := f.engine.RunCheckForUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestCheckAllSubscribers(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.subscribe(t, 2)
	f.subscribe(t, 3)
	require.NoError(t, f.engine.Unsubscribe(3))
	f.site.setPage("default", "1", "2")

	assert.True(t, f.engine.CheckAllSubscribers(context.Background()))

	perChat := map[int64]int{}
	for _, m := range f.notifier.messages() {
		perChat[m.chatID]++
	}
	assert.Equal(t, map[int64]int{1: 2, 2: 2}, perChat)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SweepsTotal.WithLabelValues("ran")))
}

func TestCheckAllSubscribersSurvivesFailingSubscriber(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.subscribe(t, 2)
	// Chat 1 only watches a page that is down.
	require.NoError(t, f.engine.store.DisableSubscriberQueries(1))
	_, err := f.engine.store.AddQuery(1, f.searchURL("down"))
	require.NoError(t, err)
	f.site.status["down"] = http.StatusTooManyRequests
	f.site.setPage("default", "1")

	assert.True(t, f.engine.CheckAllSubscribers(context.Background()))

	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2), msgs[0].chatID)

	last, err := f.engine.store.LastCheck(1)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Errors)
}

func TestCheckAllSubscribersSingleFlight(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.site.setPage("default", "1")

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.notifier.hook = func(string) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	done := make(chan bool, 1)
	go func() { done <- f.engine.CheckAllSubscribers(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first sweep never reached delivery")
	}
	assert.False(t, f.engine.CheckAllSubscribers(context.Background()))
	close(release)
	assert.True(t, <-done)

	assert.Equal(t, int32(1), f.site.searchHits.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SweepsTotal.WithLabelValues("skipped")))
	n, err := f.engine.store.CountChecks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCheckAllSubscribersHonorsCustomInterval(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return now }
	f.subscribe(t, 1)
	f.subscribe(t, 2)
	require.NoError(t, f.engine.SetInterval(1, 60))
	require.NoError(t, f.engine.store.RecordCheck(storage.CheckStat{ChatID: 1, CheckTime: now.Add(-10 * time.Minute)}))
	f.site.setPage("default", "1")

	f.engine.CheckAllSubscribers(context.Background())
	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2), msgs[0].chatID)

	now = now.Add(time.Hour)
	f.engine.CheckAllSubscribers(context.Background())
	msgs = f.notifier.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[1].chatID)
}

func TestCheckAllSubscribersCancelled(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.site.setPage("default", "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, f.engine.CheckAllSubscribers(ctx))
	assert.Empty(t, f.notifier.messages())
	assert.Equal(t, int32(0), f.site.searchHits.Load())
}

func TestSubscribeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.subscribe(t, 1)

	st, err := f.engine.Status(1)
	require.NoError(t, err)
	assert.True(t, st.Subscribed)
	require.Len(t, st.Queries, 1)
	assert.Equal(t, f.engine.cfg.Monitor.SearchURL, st.Queries[0].URL)

	require.NoError(t, f.engine.Unsubscribe(1))
	st, err = f.engine.Status(1)
	require.NoError(t, err)
	assert.False(t, st.Subscribed)

	f.subscribe(t, 1)
	st, err = f.engine.Status(1)
	require.NoError(t, err)
	assert.True(t, st.Subscribed)
	assert.Len(t, st.Queries, 1)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.site.setPage("default", "1", "2")

	_, err := f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)

	st, err := f.engine.Status(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Subscriber.ChatID)
	assert.Equal(t, "user", st.Subscriber.Username)
	assert.Equal(t, 2, st.SeenListings)
	assert.Equal(t, 5*time.Minute, st.Interval)
	require.NotNil(t, st.LastCheck)
	assert.Equal(t, 2, st.LastCheck.Sent)
	assert.Equal(t, Totals{Checks: 1, NewFound: 2, Sent: 2}, st.Totals)

	_, err = f.engine.Status(42)
	assert.ErrorIs(t, err, ErrUnknownSubscriber)
}

func TestSetInterval(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)

	err := f.engine.SetInterval(1, 2)
	assert.ErrorIs(t, err, ErrIntervalTooShort)

	require.NoError(t, f.engine.SetInterval(1, 30))
	d, err := f.engine.Interval(1)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)

	assert.ErrorIs(t, f.engine.SetInterval(7, 30), ErrUnknownSubscriber)
}

func TestSubscribers(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 2)
	f.subscribe(t, 1)

	subs, err := f.engine.Subscribers()
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.ElementsMatch(t, []int64{1, 2}, []int64{subs[0].ChatID, subs[1].ChatID})
}

func TestQueryManagement(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	f.site.setPage("default", "1")
	f.site.setPage("second", "1", "2")

	_, err := f.engine.AddQuery(1, "ftp://example.com/x")
	assert.Error(t, err)
	_, err = f.engine.AddQuery(9, f.searchURL("second"))
	assert.ErrorIs(t, err, ErrUnknownSubscriber)

	q, err := f.engine.AddQuery(1, f.searchURL("second"))
	require.NoError(t, err)
	assert.True(t, q.Enabled)
	assert.Equal(t, f.searchURL("second"), q.URL)

	queries, err := f.engine.Queries(1)
	require.NoError(t, err)
	require.Len(t, queries, 2)

	// listing 1 appears on both searches but is delivered once
	res, err := f.engine.CheckSubscriber(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)

	require.NoError(t, f.engine.EnableQuery(1, q.ID, false))
	assert.ErrorIs(t, f.engine.EnableQuery(2, q.ID, false), ErrUnknownQuery)

	st, err := f.engine.Status(1)
	require.NoError(t, err)
	assert.True(t, st.Subscribed)
	assert.False(t, st.Queries[1].Enabled)

	require.NoError(t, f.engine.EnableQuery(1, st.Queries[0].ID, false))
	st, err = f.engine.Status(1)
	require.NoError(t, err)
	assert.False(t, st.Subscribed, "no enabled query left")
	require.NoError(t, f.engine.EnableQuery(1, st.Queries[0].ID, true))

	require.NoError(t, f.engine.RemoveQuery(1, q.ID))
	assert.ErrorIs(t, f.engine.RemoveQuery(1, q.ID), ErrUnknownQuery)

	queries, err = f.engine.Queries(1)
	require.NoError(t, err)
	assert.Len(t, queries, 1)
}
