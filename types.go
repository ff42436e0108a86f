package kleinwatch

import (
	"context"
	"time"
)

// Notifier delivers a rendered message to a chat. Implementations report
// failure as false and never panic across the boundary.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) bool
}

// CheckResult summarizes one per-subscriber check. New counts listings seen
// for the first time, including one found at a budget cutoff; Sent counts
// the ones delivered and recorded.
type CheckResult struct {
	ChatID int64 `json:"chat_id"`
	Total  int   `json:"total"`
	New    int   `json:"new"`
	Sent   int   `json:"sent"`
	Errors int   `json:"errors"`
}

// Subscriber is a chat that has talked to the bot.
type Subscriber struct {
	ChatID       int64     `json:"chat_id"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Query is a saved search results URL.
type Query struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Check is one recorded per-subscriber check.
type Check struct {
	Time       time.Time `json:"time"`
	TotalFound int       `json:"total_found"`
	NewFound   int       `json:"new_found"`
	Sent       int       `json:"sent"`
	Errors     int       `json:"errors"`
}

// Totals aggregates every recorded check of a subscriber.
type Totals struct {
	Checks   int `json:"checks"`
	NewFound int `json:"new_found"`
	Sent     int `json:"sent"`
	Errors   int `json:"errors"`
}

// Status is what a subscriber sees for /status.
type Status struct {
	Subscriber   Subscriber    `json:"subscriber"`
	Subscribed   bool          `json:"subscribed"`
	Queries      []Query       `json:"queries"`
	SeenListings int           `json:"seen_listings"`
	Interval     time.Duration `json:"interval"`
	LastCheck    *Check        `json:"last_check,omitempty"`
	Totals       Totals        `json:"totals"`
}
