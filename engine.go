package kleinwatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matthewjhunter/kleinwatch/internal/config"
	"github.com/matthewjhunter/kleinwatch/internal/extract"
	"github.com/matthewjhunter/kleinwatch/internal/fetcher"
	"github.com/matthewjhunter/kleinwatch/internal/logger"
	"github.com/matthewjhunter/kleinwatch/internal/metrics"
	"github.com/matthewjhunter/kleinwatch/internal/notify"
	"github.com/matthewjhunter/kleinwatch/internal/storage"
)

var (
	// ErrUnknownSubscriber is returned for chats that never sent /start.
	ErrUnknownSubscriber = errors.New("unknown subscriber")
	// ErrIntervalTooShort is returned when a requested interval is below
	// the base check interval.
	ErrIntervalTooShort = errors.New("interval below the base check interval")
	// ErrUnknownQuery is returned for query ids the chat does not own.
	ErrUnknownQuery = errors.New("unknown query")
)

// Engine is the public API for kleinwatch's check cycle. It wraps the
// store, the page fetcher and extractor, and a notifier.
type Engine struct {
	store    *storage.Store
	fetcher  *fetcher.Fetcher
	parser   *extract.Parser
	notifier Notifier
	cfg      *config.Config
	log      logger.Logger
	metrics  *metrics.Metrics

	sweeping atomic.Bool
	now      func() time.Time
	render   func(extract.ListingDetails) string
}

// New opens the database at cfg.Database.Path and builds an engine around
// it. m may be nil.
func New(cfg *config.Config, notifier Notifier, log logger.Logger, m *metrics.Metrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	parser, err := extract.NewParser(cfg.Monitor.BaseURL, cfg.Monitor.MaxListingsPerQuery, log)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	f := fetcher.New(fetcher.Options{
		Timeout:        cfg.HTTP.Timeout,
		MaxRetries:     cfg.HTTP.MaxRetries,
		RetryDelay:     cfg.HTTP.RetryDelay,
		StatusBackoff:  cfg.HTTP.StatusBackoff,
		UserAgent:      cfg.HTTP.UserAgent,
		AcceptLanguage: cfg.HTTP.AcceptLanguage,

		RequestsPerMinute: cfg.HTTP.RequestsPerMinute,
	}, log, m)

	return &Engine{
		store:    store,
		fetcher:  f,
		parser:   parser,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		now:      time.Now,
		render:   notify.FormatListing,
	}, nil
}

// CheckAllSubscribers runs one fleet sweep. It returns false without doing
// anything when another sweep is already in progress.
func (e *Engine) CheckAllSubscribers(ctx context.Context) bool {
	if !e.sweeping.CompareAndSwap(false, true) {
		e.log.Info("sweep already running, skipping")
		e.metrics.SweepSkipped()
		return false
	}
	defer e.sweeping.Store(false)
	done := e.metrics.SweepStarted()
	defer done()

	groups, err := e.store.EnabledQueriesBySubscriber()
	if err != nil {
		e.log.Error("list subscriber queries", zap.Error(err))
		return true
	}
	e.log.Info("sweep started", zap.Int("subscribers", len(groups)))

	base := e.cfg.Monitor.Interval
	for i, g := range groups {
		if ctx.Err() != nil {
			e.log.Info("sweep cancelled", zap.Int("remaining", len(groups)-i))
			break
		}
		due, err := e.due(g.ChatID, base)
		if err != nil {
			e.log.Warn("interval lookup failed", zap.Int64("chat_id", g.ChatID), zap.Error(err))
		}
		if !due {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("subscriber check panicked",
						zap.Int64("chat_id", g.ChatID), zap.Any("panic", r))
				}
			}()
			if _, err := e.checkSubscriber(ctx, g.ChatID, e.cfg.Monitor.MaxNewPerCycle, g.Queries, metrics.TriggerScheduled); err != nil {
				e.log.Error("subscriber check failed", zap.Int64("chat_id", g.ChatID), zap.Error(err))
			}
		}()

		if i < len(groups)-1 {
			e.pace(ctx, e.cfg.Pacing.Subscriber)
		}
	}
	e.log.Info("sweep finished")
	return true
}

// due reports whether a subscriber with a custom interval longer than base
// should be checked now. Lookup failures fall back to checking.
func (e *Engine) due(chatID int64, base time.Duration) (bool, error) {
	interval, err := e.store.GetInterval(chatID, base)
	if err != nil {
		return true, err
	}
	if interval <= base {
		return true, nil
	}
	last, err := e.store.LastCheck(chatID)
	if err != nil {
		return true, err
	}
	if last == nil {
		return true, nil
	}
	return e.now().Sub(last.CheckTime) >= interval, nil
}

// CheckSubscriber checks every enabled query of chatID, delivering at most
// limit new listings. limit <= 0 means unlimited.
func (e *Engine) CheckSubscriber(ctx context.Context, chatID int64, limit int) (*CheckResult, error) {
	if _, err := e.subscriber(chatID); err != nil {
		return nil, err
	}
	queries, err := e.store.EnabledQueries(chatID)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	return e.checkSubscriber(ctx, chatID, limit, queries, metrics.TriggerManual)
}

// RunCheckForUser is the on-demand check behind /test. It is capped by
// monitor.max_test_listings and may run alongside a fleet sweep.
func (e *Engine) RunCheckForUser(ctx context.Context, chatID int64) (*CheckResult, error) {
	return e.CheckSubscriber(ctx, chatID, e.cfg.Monitor.MaxTestListings)
}

func (e *Engine) checkSubscriber(ctx context.Context, chatID int64, limit int, queries []storage.Query, trigger string) (*CheckResult, error) {
	log := e.log.With(zap.Int64("chat_id", chatID))
	res := &CheckResult{ChatID: chatID}

	for i, q := range queries {
		if ctx.Err() != nil {
			break
		}
		budget := 0
		if limit > 0 {
			budget = limit - res.Sent
			if budget <= 0 {
				break
			}
		}

		qr, err := e.checkQuery(ctx, chatID, q, budget)
		res.Total += qr.Total
		res.New += qr.New
		res.Sent += qr.Sent
		if err != nil {
			res.Errors++
			log.Warn("query check failed", zap.Int64("query_id", q.ID), zap.Error(err))
		}
		if limit > 0 && res.Sent >= limit {
			break
		}
		if i < len(queries)-1 {
			e.pace(ctx, e.cfg.Pacing.Request)
		}
	}

	stat := storage.CheckStat{
		ChatID:     chatID,
		CheckTime:  e.now(),
		TotalFound: res.Total,
		NewFound:   res.New,
		Sent:       res.Sent,
		Errors:     res.Errors,
	}
	if err := e.store.RecordCheck(stat); err != nil {
		e.metrics.SubscriberChecked(trigger, res.Total, res.New, res.Sent, err)
		return res, fmt.Errorf("record check: %w", err)
	}
	e.metrics.SubscriberChecked(trigger, res.Total, res.New, res.Sent, nil)

	log.Info("subscriber checked",
		zap.String("trigger", trigger),
		zap.Int("total", res.Total),
		zap.Int("new", res.New),
		zap.Int("sent", res.Sent),
		zap.Int("errors", res.Errors))
	return res, nil
}

type queryResult struct {
	Total, New, Sent int
}

// checkQuery processes one search results page. budget <= 0 means
// unlimited. Fetch failures of the search page are returned; everything
// that goes wrong for a single listing is not.
func (e *Engine) checkQuery(ctx context.Context, chatID int64, q storage.Query, budget int) (queryResult, error) {
	var res queryResult

	page, err := e.fetcher.Fetch(ctx, q.URL)
	if err != nil {
		return res, err
	}
	previews := e.parser.ParseSearchPage(page, e.cfg.Monitor.MaxListingsPerQuery)
	res.Total = len(previews)

	for _, p := range previews {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		seen, err := e.store.IsListingSeen(chatID, p.ID)
		if err != nil {
			return res, fmt.Errorf("check seen listing %s: %w", p.ID, err)
		}
		if seen {
			continue
		}

		res.New++
		if budget > 0 && res.Sent >= budget {
			break
		}

		sent, err := e.processListing(ctx, chatID, q.ID, p)
		if sent {
			res.Sent++
		}
		if err != nil && ctx.Err() == nil {
			e.metrics.ProcessingError()
			e.log.Error("listing processing failed",
				zap.Int64("chat_id", chatID),
				zap.String("listing_id", p.ID),
				zap.Error(err))
			if err := e.store.MarkListingSent(chatID, p.ID, p.URL, q.ID); err != nil {
				e.log.Error("mark failed listing", zap.String("listing_id", p.ID), zap.Error(err))
			}
		}

		e.pace(ctx, e.cfg.Pacing.Listing)
	}
	return res, nil
}

// processListing fetches details, delivers the notification and records
// the listing. A delivery failure leaves it unseen and is not an error.
func (e *Engine) processListing(ctx context.Context, chatID, queryID int64, p extract.ListingPreview) (sent bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing listing %s: %v", p.ID, r)
		}
	}()

	details := e.listingDetails(ctx, p)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ok := e.sendListing(ctx, chatID, details)
	e.pace(ctx, e.cfg.Pacing.Message)
	if !ok {
		return false, nil
	}
	if err := e.store.MarkListingSent(chatID, p.ID, p.URL, queryID); err != nil {
		return true, fmt.Errorf("mark listing sent: %w", err)
	}
	return true, nil
}

// listingDetails falls back to the preview when the detail page cannot be
// fetched.
func (e *Engine) listingDetails(ctx context.Context, p extract.ListingPreview) extract.ListingDetails {
	page, err := e.fetcher.Fetch(ctx, p.URL)
	if err != nil {
		var ferr *fetcher.FetchError
		if errors.As(err, &ferr) {
			e.log.Warn("detail page unavailable, sending partial listing",
				zap.String("listing_id", p.ID),
				zap.Int("status", ferr.StatusCode),
				zap.Error(err))
		}
		return extract.PartialDetails(p)
	}
	return e.parser.ParseListingDetails(page, p.URL, p.ID)
}

// sendListing makes up to max_retries+1 delivery attempts with a fixed
// delay between them.
func (e *Engine) sendListing(ctx context.Context, chatID int64, d extract.ListingDetails) bool {
	text := e.render(d)
	attempts := e.cfg.HTTP.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if e.deliver(ctx, chatID, d.ID, text) {
			return true
		}
		if attempt == attempts {
			break
		}
		e.log.Warn("delivery failed, retrying",
			zap.Int64("chat_id", chatID),
			zap.String("listing_id", d.ID),
			zap.Int("attempt", attempt))
		if err := fetcher.Delay(ctx, e.cfg.HTTP.RetryDelay, e.cfg.HTTP.RetryDelay); err != nil {
			break
		}
	}
	e.metrics.DeliveryFailed()
	e.log.Error("listing not delivered",
		zap.Int64("chat_id", chatID),
		zap.String("listing_id", d.ID),
		zap.Int("attempts", attempts))
	return false
}

// deliver makes one send attempt. A panicking notifier counts as a failed
// attempt.
func (e *Engine) deliver(ctx context.Context, chatID int64, listingID, text string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("notifier panicked",
				zap.Int64("chat_id", chatID),
				zap.String("listing_id", listingID),
				zap.Any("panic", r))
			ok = false
		}
	}()
	return e.notifier.SendMessage(ctx, chatID, text)
}

func (e *Engine) pace(ctx context.Context, r config.Range) {
	_ = fetcher.Delay(ctx, r.Min, r.Max)
}

// Subscribe registers chatID (refreshing its profile) and makes sure the
// default search is enabled for it.
func (e *Engine) Subscribe(chatID int64, username, firstName string) error {
	if err := e.store.RegisterSubscriber(chatID, username, firstName); err != nil {
		return err
	}
	if err := e.store.EnsureDefaultQuery(chatID, e.cfg.Monitor.SearchURL); err != nil {
		return fmt.Errorf("enable default query: %w", err)
	}
	e.log.Info("subscribed", zap.Int64("chat_id", chatID), zap.String("username", username))
	return nil
}

// Unsubscribe disables every query of chatID. Seen listings are kept so a
// later /start does not resend them.
func (e *Engine) Unsubscribe(chatID int64) error {
	if _, err := e.subscriber(chatID); err != nil {
		return err
	}
	if err := e.store.DisableSubscriberQueries(chatID); err != nil {
		return err
	}
	e.log.Info("unsubscribed", zap.Int64("chat_id", chatID))
	return nil
}

// Touch records activity from chatID. Unknown chats are ignored.
func (e *Engine) Touch(chatID int64) error {
	return e.store.TouchSubscriber(chatID)
}

// Status gathers the subscription state of chatID.
func (e *Engine) Status(chatID int64) (*Status, error) {
	sub, err := e.subscriber(chatID)
	if err != nil {
		return nil, err
	}
	queries, err := e.store.AllQueries(chatID)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	seen, err := e.store.SeenListingsCount(chatID)
	if err != nil {
		return nil, err
	}
	interval, err := e.store.GetInterval(chatID, e.cfg.Monitor.Interval)
	if err != nil {
		return nil, err
	}
	last, err := e.store.LastCheck(chatID)
	if err != nil {
		return nil, err
	}
	sum, err := e.store.StatsSummary(chatID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Subscriber:   subscriberFromInternal(*sub),
		Queries:      queriesFromInternal(queries),
		SeenListings: seen,
		Interval:     interval,
		Totals: Totals{
			Checks:   sum.TotalChecks,
			NewFound: sum.TotalNewFound,
			Sent:     sum.TotalSent,
			Errors:   sum.TotalErrors,
		},
	}
	if st.Subscribed, err = e.store.HasEnabledQuery(chatID); err != nil {
		return nil, err
	}
	if last != nil {
		st.LastCheck = checkFromInternal(*last)
	}
	return st, nil
}

// Interval returns the effective check interval of chatID.
func (e *Engine) Interval(chatID int64) (time.Duration, error) {
	return e.store.GetInterval(chatID, e.cfg.Monitor.Interval)
}

// BaseInterval is the scheduler's sweep interval and the shortest interval
// a subscriber may choose.
func (e *Engine) BaseInterval() time.Duration {
	return e.cfg.Monitor.Interval
}

// SetInterval sets how often chatID is checked, in whole minutes.
func (e *Engine) SetInterval(chatID int64, minutes int) error {
	if _, err := e.subscriber(chatID); err != nil {
		return err
	}
	d := time.Duration(minutes) * time.Minute
	if d < e.cfg.Monitor.Interval {
		return fmt.Errorf("%w: %d minutes, minimum is %s", ErrIntervalTooShort, minutes, e.cfg.Monitor.Interval)
	}
	if err := e.store.SetInterval(chatID, d); err != nil {
		return err
	}
	e.log.Info("interval changed", zap.Int64("chat_id", chatID), zap.Duration("interval", d))
	return nil
}

// Subscribers lists every registered chat.
func (e *Engine) Subscribers() ([]Subscriber, error) {
	subs, err := e.store.ListSubscribers()
	if err != nil {
		return nil, err
	}
	out := make([]Subscriber, len(subs))
	for i, s := range subs {
		out[i] = subscriberFromInternal(s)
	}
	return out, nil
}

// Queries lists every saved search of chatID, enabled or not.
func (e *Engine) Queries(chatID int64) ([]Query, error) {
	if _, err := e.subscriber(chatID); err != nil {
		return nil, err
	}
	queries, err := e.store.AllQueries(chatID)
	if err != nil {
		return nil, err
	}
	return queriesFromInternal(queries), nil
}

// AddQuery saves an extra search results URL for chatID. Its listings are
// deduplicated against everything the chat has already been sent.
func (e *Engine) AddQuery(chatID int64, rawURL string) (*Query, error) {
	if _, err := e.subscriber(chatID); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid search url %q", rawURL)
	}
	id, err := e.store.AddQuery(chatID, rawURL)
	if err != nil {
		return nil, err
	}
	q, err := e.store.GetQuery(chatID, id)
	if err != nil {
		return nil, err
	}
	e.log.Info("query added", zap.Int64("chat_id", chatID), zap.Int64("query_id", id), zap.String("url", rawURL))
	return &queriesFromInternal([]storage.Query{*q})[0], nil
}

// EnableQuery turns one of chatID's searches on or off.
func (e *Engine) EnableQuery(chatID, queryID int64, enabled bool) error {
	ok, err := e.store.ToggleQuery(chatID, queryID, enabled)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQuery, queryID)
	}
	e.log.Info("query toggled", zap.Int64("chat_id", chatID), zap.Int64("query_id", queryID), zap.Bool("enabled", enabled))
	return nil
}

// RemoveQuery deletes one of chatID's searches.
func (e *Engine) RemoveQuery(chatID, queryID int64) error {
	ok, err := e.store.RemoveQuery(chatID, queryID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQuery, queryID)
	}
	e.log.Info("query removed", zap.Int64("chat_id", chatID), zap.Int64("query_id", queryID))
	return nil
}

func (e *Engine) subscriber(chatID int64) (*storage.Subscriber, error) {
	sub, err := e.store.GetSubscriber(chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubscriber, chatID)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close releases idle connections and closes the database.
func (e *Engine) Close() error {
	e.fetcher.Close()
	return e.store.Close()
}

func subscriberFromInternal(s storage.Subscriber) Subscriber {
	return Subscriber{
		ChatID:       s.ChatID,
		Username:     s.Username,
		FirstName:    s.FirstName,
		RegisteredAt: s.CreatedAt,
		LastActiveAt: s.LastActive,
	}
}

func queriesFromInternal(qq []storage.Query) []Query {
	out := make([]Query, len(qq))
	for i, q := range qq {
		out[i] = Query{ID: q.ID, URL: q.URL, Enabled: q.Enabled, CreatedAt: q.CreatedAt}
	}
	return out
}

func checkFromInternal(c storage.CheckStat) *Check {
	return &Check{
		Time:       c.CheckTime,
		TotalFound: c.TotalFound,
		NewFound:   c.NewFound,
		Sent:       c.Sent,
		Errors:     c.Errors,
	}
}
