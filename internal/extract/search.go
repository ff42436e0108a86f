package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

var listingIDPattern = regexp.MustCompile(`/s-anzeige/[^/]+/(\d+)-`)

const listingLink = `a[href*="/s-anzeige/"]`

// ParseSearchPage returns the listing previews on a results page in page
// order, deduplicated by id and capped at maxListings. A cap <= 0 uses the
// parser's configured default.
func (p *Parser) ParseSearchPage(html string, maxListings int) []ListingPreview {
	if maxListings <= 0 {
		maxListings = p.maxListings
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		p.log.Warn("unparseable search page", zap.Error(err))
		return nil
	}

	cards := doc.Find("article[data-adid]")
	if cards.Length() == 0 {
		cards = doc.Find(listingLink)
	}

	var listings []ListingPreview
	seen := make(map[string]struct{})
	cards.EachWithBreak(func(_ int, card *goquery.Selection) bool {
		if maxListings > 0 && len(listings) >= maxListings {
			return false
		}
		preview, err := p.previewFromCard(card)
		if err != nil {
			p.log.Warn("skipping listing card", zap.Error(err))
			return true
		}
		if _, dup := seen[preview.ID]; dup {
			return true
		}
		seen[preview.ID] = struct{}{}
		listings = append(listings, preview)
		return true
	})

	p.log.Debug("parsed search page", zap.Int("listings", len(listings)))
	return listings
}

func (p *Parser) previewFromCard(card *goquery.Selection) (ListingPreview, error) {
	id := strings.TrimSpace(card.AttrOr("data-adid", ""))

	link := card
	if goquery.NodeName(card) != "a" {
		link = card.Find(listingLink).First()
	}
	href, ok := link.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ListingPreview{}, fmt.Errorf("card %q has no listing link", id)
	}

	ref, err := p.base.Parse(strings.TrimSpace(href))
	if err != nil {
		return ListingPreview{}, fmt.Errorf("bad listing href %q: %w", href, err)
	}

	if id == "" {
		if m := listingIDPattern.FindStringSubmatch(href); m != nil {
			id = m[1]
		}
	}
	if id == "" {
		return ListingPreview{}, fmt.Errorf("no listing id in %q", href)
	}

	return ListingPreview{
		ID:    id,
		URL:   ref.String(),
		Title: truncateRunes(squash(link.Text()), maxTitleRunes),
	}, nil
}
