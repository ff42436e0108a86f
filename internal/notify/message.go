// Package notify renders listing notifications and delivers them through
// Telegram.
package notify

import (
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/matthewjhunter/kleinwatch/internal/extract"
)

// Messages are sent with HTML parse mode, so every scraped field goes
// through the strict policy: tags are dropped and entities escaped.
var strict = bluemonday.StrictPolicy()

// Clean strips markup from scraped text for safe inclusion in an HTML
// parse mode message.
func Clean(s string) string {
	return strings.TrimSpace(strict.Sanitize(s))
}

// FormatListing renders the notification for one listing. The title falls
// back to the brand when it could not be extracted.
func FormatListing(d extract.ListingDetails) string {
	heading := d.Title
	if heading == "" || heading == extract.Sentinel {
		heading = d.Brand
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🚗 <b>%s</b>\n", Clean(heading))
	fmt.Fprintf(&b, "📅 Year: %s\n", Clean(d.Year))
	fmt.Fprintf(&b, "📍 %s\n", Clean(d.Location))
	fmt.Fprintf(&b, "🏷 PLZ: %s\n", Clean(d.PostalCode))
	fmt.Fprintf(&b, "💶 Price: %s\n", Clean(d.Price))
	fmt.Fprintf(&b, "\n🔗 %s", Clean(d.URL))
	return b.String()
}
