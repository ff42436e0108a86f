package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// IntervalKey is the per-subscriber setting holding the check interval in
// whole minutes.
const IntervalKey = "interval_minutes"

type Store struct {
	db *sql.DB
}

type Subscriber struct {
	ChatID     int64     `json:"chat_id"`
	Username   string    `json:"username,omitempty"`
	FirstName  string    `json:"first_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type Query struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	URL       string    `json:"url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// SubscriberQueries is one subscriber's enabled queries in creation order.
type SubscriberQueries struct {
	ChatID  int64
	Queries []Query
}

// CheckStat is the outcome of one completed subscriber check.
type CheckStat struct {
	ID         int64     `json:"id"`
	ChatID     int64     `json:"chat_id"`
	CheckTime  time.Time `json:"check_time"`
	TotalFound int       `json:"total_found"`
	NewFound   int       `json:"new_found"`
	Sent       int       `json:"sent"`
	Errors     int       `json:"errors"`
}

type StatsSummary struct {
	TotalChecks   int `json:"total_checks"`
	TotalNewFound int `json:"total_new_found"`
	TotalSent     int `json:"total_sent"`
	TotalErrors   int `json:"total_errors"`
}

// NewStore creates a new database connection and initializes the schema
func NewStore(dbPath string) (*Store, error) {
	dsn := dbPath + "?_time_format=sqlite" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers, so per-row upserts from concurrent
	// checks never race each other.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Migrations for existing databases.
	migrations := []string{
		"ALTER TABLE stats ADD COLUMN sent INTEGER NOT NULL DEFAULT 0",
	}
	for _, m := range migrations {
		db.Exec(m) // ignore "duplicate column" errors
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribers

// RegisterSubscriber creates the subscriber or refreshes its display
// metadata and activity time.
func (s *Store) RegisterSubscriber(chatID int64, username, firstName string) error {
	_, err := s.db.Exec(
		`INSERT INTO users (chat_id, username, first_name, last_active)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   username = excluded.username,
		   first_name = excluded.first_name,
		   last_active = CURRENT_TIMESTAMP`,
		chatID, username, firstName,
	)
	if err != nil {
		return fmt.Errorf("register subscriber %d: %w", chatID, err)
	}
	return nil
}

// TouchSubscriber bumps the activity time without changing metadata.
func (s *Store) TouchSubscriber(chatID int64) error {
	_, err := s.db.Exec("UPDATE users SET last_active = CURRENT_TIMESTAMP WHERE chat_id = ?", chatID)
	return err
}

func (s *Store) GetSubscriber(chatID int64) (*Subscriber, error) {
	var sub Subscriber
	err := s.db.QueryRow(
		"SELECT chat_id, username, first_name, created_at, last_active FROM users WHERE chat_id = ?",
		chatID,
	).Scan(&sub.ChatID, &sub.Username, &sub.FirstName, &sub.CreatedAt, &sub.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber %d: %w", chatID, err)
	}
	return &sub, nil
}

func (s *Store) ListSubscribers() ([]Subscriber, error) {
	rows, err := s.db.Query("SELECT chat_id, username, first_name, created_at, last_active FROM users ORDER BY chat_id")
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.ChatID, &sub.Username, &sub.FirstName, &sub.CreatedAt, &sub.LastActive); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Queries

// AddQuery stores an enabled query for the subscriber and returns its id.
func (s *Store) AddQuery(chatID int64, url string) (int64, error) {
	result, err := s.db.Exec("INSERT INTO queries (chat_id, url) VALUES (?, ?)", chatID, url)
	if err != nil {
		return 0, fmt.Errorf("failed to add query: %w", err)
	}
	return result.LastInsertId()
}

// EnsureDefaultQuery disables every other query of the subscriber and makes
// sure exactly one enabled query points at url. It is idempotent.
func (s *Store) EnsureDefaultQuery(chatID int64, url string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE queries SET enabled = 0 WHERE chat_id = ? AND url != ?", chatID, url); err != nil {
		return fmt.Errorf("disable other queries: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO queries (chat_id, url, enabled) VALUES (?, ?, 1)
		 ON CONFLICT(chat_id, url) DO UPDATE SET enabled = 1`,
		chatID, url,
	); err != nil {
		return fmt.Errorf("upsert default query: %w", err)
	}
	return tx.Commit()
}

func (s *Store) DisableSubscriberQueries(chatID int64) error {
	if _, err := s.db.Exec("UPDATE queries SET enabled = 0 WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("disable queries for %d: %w", chatID, err)
	}
	return nil
}

func (s *Store) HasEnabledQuery(chatID int64) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM queries WHERE chat_id = ? AND enabled = 1 LIMIT 1", chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) GetQuery(chatID, queryID int64) (*Query, error) {
	var q Query
	err := s.db.QueryRow(
		"SELECT id, chat_id, url, enabled, created_at FROM queries WHERE id = ? AND chat_id = ?",
		queryID, chatID,
	).Scan(&q.ID, &q.ChatID, &q.URL, &q.Enabled, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// EnabledQueries returns the subscriber's enabled queries in creation order.
func (s *Store) EnabledQueries(chatID int64) ([]Query, error) {
	return s.queryList("SELECT id, chat_id, url, enabled, created_at FROM queries WHERE chat_id = ? AND enabled = 1 ORDER BY id", chatID)
}

func (s *Store) AllQueries(chatID int64) ([]Query, error) {
	return s.queryList("SELECT id, chat_id, url, enabled, created_at FROM queries WHERE chat_id = ? ORDER BY id", chatID)
}

// EnabledQueriesBySubscriber groups every enabled query by subscriber,
// ordered by chat id and then creation order.
func (s *Store) EnabledQueriesBySubscriber() ([]SubscriberQueries, error) {
	queries, err := s.queryList("SELECT id, chat_id, url, enabled, created_at FROM queries WHERE enabled = 1 ORDER BY chat_id, id")
	if err != nil {
		return nil, err
	}

	var groups []SubscriberQueries
	for _, q := range queries {
		if n := len(groups); n == 0 || groups[n-1].ChatID != q.ChatID {
			groups = append(groups, SubscriberQueries{ChatID: q.ChatID})
		}
		last := &groups[len(groups)-1]
		last.Queries = append(last.Queries, q)
	}
	return groups, nil
}

func (s *Store) queryList(query string, args ...any) ([]Query, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get queries: %w", err)
	}
	defer rows.Close()

	var queries []Query
	for rows.Next() {
		var q Query
		if err := rows.Scan(&q.ID, &q.ChatID, &q.URL, &q.Enabled, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// ToggleQuery reports whether a query owned by chatID was updated.
func (s *Store) ToggleQuery(chatID, queryID int64, enabled bool) (bool, error) {
	res, err := s.db.Exec("UPDATE queries SET enabled = ? WHERE id = ? AND chat_id = ?", enabled, queryID, chatID)
	if err != nil {
		return false, fmt.Errorf("toggle query %d: %w", queryID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveQuery deletes a query. Seen listings keep their dedup entry but
// lose the query reference.
func (s *Store) RemoveQuery(chatID, queryID int64) (bool, error) {
	res, err := s.db.Exec("DELETE FROM queries WHERE id = ? AND chat_id = ?", queryID, chatID)
	if err != nil {
		return false, fmt.Errorf("remove query %d: %w", queryID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Seen listings

func (s *Store) IsListingSeen(chatID int64, listingID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM seen_listings WHERE listing_id = ? AND chat_id = ?",
		listingID, chatID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check seen listing %s: %w", listingID, err)
	}
	return true, nil
}

// MarkListingSent records the listing as seen by the subscriber. Marking
// again keeps first_seen_at and refreshes sent_at. A zero queryID is stored
// as NULL.
func (s *Store) MarkListingSent(chatID int64, listingID, url string, queryID int64) error {
	qid := sql.NullInt64{Int64: queryID, Valid: queryID != 0}
	_, err := s.db.Exec(
		`INSERT INTO seen_listings (listing_id, chat_id, url, query_id, sent_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(listing_id, chat_id) DO UPDATE SET
		   url = excluded.url,
		   query_id = COALESCE(excluded.query_id, seen_listings.query_id),
		   sent_at = CURRENT_TIMESTAMP`,
		listingID, chatID, url, qid,
	)
	if err != nil {
		return fmt.Errorf("mark listing %s sent: %w", listingID, err)
	}
	return nil
}

func (s *Store) SeenListingsCount(chatID int64) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM seen_listings WHERE chat_id = ?", chatID).Scan(&n)
	return n, err
}

// Settings

// GetSetting returns the value and whether it was set.
func (s *Store) GetSetting(chatID int64, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM user_settings WHERE chat_id = ? AND key = ?", chatID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting sets a setting value, creating or updating as needed.
func (s *Store) SetSetting(chatID int64, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO user_settings (chat_id, key, value)
		 VALUES (?, ?, ?)
		 ON CONFLICT(chat_id, key) DO UPDATE SET
		   value = excluded.value`,
		chatID, key, value,
	)
	return err
}

// GetInterval returns the subscriber's check interval, or def when unset or
// unparseable.
func (s *Store) GetInterval(chatID int64, def time.Duration) (time.Duration, error) {
	v, ok, err := s.GetSetting(chatID, IntervalKey)
	if err != nil || !ok {
		return def, err
	}
	minutes, err := strconv.Atoi(v)
	if err != nil || minutes <= 0 {
		return def, nil
	}
	return time.Duration(minutes) * time.Minute, nil
}

// SetInterval stores d rounded down to whole minutes.
func (s *Store) SetInterval(chatID int64, d time.Duration) error {
	minutes := int(d / time.Minute)
	if minutes <= 0 {
		return fmt.Errorf("interval %s is shorter than a minute", d)
	}
	return s.SetSetting(chatID, IntervalKey, strconv.Itoa(minutes))
}

// Stats

// RecordCheck appends a stats row. A zero CheckTime means now.
func (s *Store) RecordCheck(stat CheckStat) error {
	if stat.CheckTime.IsZero() {
		stat.CheckTime = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO stats (chat_id, check_time, total_found, new_found, sent, errors)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		stat.ChatID, stat.CheckTime.UTC(), stat.TotalFound, stat.NewFound, stat.Sent, stat.Errors,
	)
	if err != nil {
		return fmt.Errorf("record check for %d: %w", stat.ChatID, err)
	}
	return nil
}

// LastCheck returns the most recent stats row, or nil if none exists.
func (s *Store) LastCheck(chatID int64) (*CheckStat, error) {
	var c CheckStat
	err := s.db.QueryRow(
		`SELECT id, chat_id, check_time, total_found, new_found, sent, errors
		 FROM stats WHERE chat_id = ? ORDER BY id DESC LIMIT 1`,
		chatID,
	).Scan(&c.ID, &c.ChatID, &c.CheckTime, &c.TotalFound, &c.NewFound, &c.Sent, &c.Errors)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last check for %d: %w", chatID, err)
	}
	return &c, nil
}

func (s *Store) StatsSummary(chatID int64) (StatsSummary, error) {
	var sum StatsSummary
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(new_found), 0), COALESCE(SUM(sent), 0), COALESCE(SUM(errors), 0)
		 FROM stats WHERE chat_id = ?`,
		chatID,
	).Scan(&sum.TotalChecks, &sum.TotalNewFound, &sum.TotalSent, &sum.TotalErrors)
	if err != nil {
		return sum, fmt.Errorf("stats summary for %d: %w", chatID, err)
	}
	return sum, nil
}

// CountChecks returns the number of stats rows across all subscribers.
func (s *Store) CountChecks() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM stats").Scan(&n)
	return n, err
}
