package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/matthewjhunter/kleinwatch"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatText  Format = "text"
	FormatHuman Format = "human"
)

type Formatter struct {
	format Format
	out    io.Writer
	err    io.Writer
}

// NewFormatter creates a new output formatter
func NewFormatter(format Format) *Formatter {
	return &Formatter{
		format: format,
		out:    os.Stdout,
		err:    os.Stderr,
	}
}

// NewFormatterWithWriters creates a formatter with custom output writers for testability
func NewFormatterWithWriters(format Format, out, errW io.Writer) *Formatter {
	return &Formatter{
		format: format,
		out:    out,
		err:    errW,
	}
}

// OutputCheckResult outputs the result of a per-subscriber check
func (f *Formatter) OutputCheckResult(r *kleinwatch.CheckResult) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(r)
	case FormatText:
		fmt.Fprintf(f.out, "chat_id=%d\ttotal=%d\tnew=%d\tsent=%d\terrors=%d\n",
			r.ChatID, r.Total, r.New, r.Sent, r.Errors)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Check complete\n")
		fmt.Fprintf(f.out, "Listings found: %d\n", r.Total)
		fmt.Fprintf(f.out, "New: %d\n", r.New)
		fmt.Fprintf(f.out, "Sent: %d\n", r.Sent)
		if r.Errors > 0 {
			fmt.Fprintf(f.out, "⚠️  %d search page(s) could not be checked\n", r.Errors)
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputSweep reports whether a fleet sweep ran
func (f *Formatter) OutputSweep(ran bool) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(map[string]bool{"ran": ran})
	case FormatText:
		fmt.Fprintf(f.out, "ran=%t\n", ran)
		return nil
	case FormatHuman:
		if ran {
			fmt.Fprintln(f.out, "Sweep finished")
		} else {
			fmt.Fprintln(f.out, "A sweep is already running, skipped")
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputStatus outputs a subscriber's state and totals
func (f *Formatter) OutputStatus(s *kleinwatch.Status) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(s)
	case FormatText:
		last := ""
		if s.LastCheck != nil {
			last = s.LastCheck.Time.Format(time.RFC3339)
		}
		fmt.Fprintf(f.out, "chat_id=%d\tsubscribed=%t\tqueries=%d\tseen=%d\tinterval=%s\tlast_check=%s\n",
			s.Subscriber.ChatID, s.Subscribed, len(s.Queries), s.SeenListings, s.Interval, last)
		fmt.Fprintf(f.out, "checks=%d\tnew_found=%d\tsent=%d\terrors=%d\n",
			s.Totals.Checks, s.Totals.NewFound, s.Totals.Sent, s.Totals.Errors)
		return nil
	case FormatHuman:
		if s.Subscribed {
			fmt.Fprintln(f.out, "✅ Subscription active")
		} else {
			fmt.Fprintln(f.out, "⏸ Subscription paused")
		}
		fmt.Fprintf(f.out, "Listings seen: %d\n", s.SeenListings)
		fmt.Fprintf(f.out, "Check interval: %d min\n", int(s.Interval/time.Minute))
		if s.LastCheck != nil {
			fmt.Fprintf(f.out, "Last check: %s (found %d, new %d, sent %d)\n",
				s.LastCheck.Time.Local().Format("2006-01-02 15:04"),
				s.LastCheck.TotalFound, s.LastCheck.NewFound, s.LastCheck.Sent)
		} else {
			fmt.Fprintln(f.out, "Last check: never")
		}
		fmt.Fprintf(f.out, "All time: %d checks, %d new, %d sent, %d errors\n",
			s.Totals.Checks, s.Totals.NewFound, s.Totals.Sent, s.Totals.Errors)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputSubscribers outputs the registered chats
func (f *Formatter) OutputSubscribers(subs []kleinwatch.Subscriber) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(subs)
	case FormatText:
		for _, s := range subs {
			fmt.Fprintf(f.out, "chat_id=%d\tusername=%s\tfirst_name=%s\tlast_active=%s\n",
				s.ChatID, s.Username, s.FirstName, s.LastActiveAt.Format(time.RFC3339))
		}
		return nil
	case FormatHuman:
		if len(subs) == 0 {
			fmt.Fprintln(f.out, "No subscribers")
			return nil
		}
		fmt.Fprintf(f.out, "Subscribers (%d):\n\n", len(subs))
		for _, s := range subs {
			name := s.FirstName
			if s.Username != "" {
				name += " (@" + s.Username + ")"
			}
			fmt.Fprintf(f.out, "%d  %s\n", s.ChatID, name)
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputQueries outputs a subscriber's saved searches
func (f *Formatter) OutputQueries(queries []kleinwatch.Query) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(queries)
	case FormatText:
		for _, q := range queries {
			fmt.Fprintf(f.out, "id=%d\tenabled=%t\turl=%s\n", q.ID, q.Enabled, q.URL)
		}
		return nil
	case FormatHuman:
		if len(queries) == 0 {
			fmt.Fprintln(f.out, "No saved searches")
			return nil
		}
		for _, q := range queries {
			state := "on "
			if !q.Enabled {
				state = "off"
			}
			fmt.Fprintf(f.out, "%3d  [%s]  %s\n", q.ID, state, q.URL)
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// Error outputs an error message to stderr
func (f *Formatter) Error(format string, args ...interface{}) {
	fmt.Fprintf(f.err, format+"\n", args...)
}

// Warning outputs a warning message to stderr
func (f *Formatter) Warning(format string, args ...interface{}) {
	fmt.Fprintf(f.err, "Warning: "+format+"\n", args...)
}
