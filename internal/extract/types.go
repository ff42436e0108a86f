// Package extract turns Kleinanzeigen search and listing pages into
// structured records using layered, best-effort heuristics.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/matthewjhunter/kleinwatch/internal/logger"
)

// Sentinel stands in for any field that could not be extracted.
const Sentinel = "—"

const maxTitleRunes = 100

// ListingPreview is one card from a search results page.
type ListingPreview struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ListingDetails is the structured content of a listing page.
type ListingDetails struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Brand      string `json:"brand"`
	Year       string `json:"year"`
	Price      string `json:"price"`
	Location   string `json:"location"`
	PostalCode string `json:"postal_code"`
}

// PartialDetails builds a record from the preview alone, for when the
// listing page itself could not be fetched.
func PartialDetails(p ListingPreview) ListingDetails {
	d := emptyDetails(p.ID, p.URL)
	if t := strings.TrimSpace(p.Title); t != "" {
		d.Title = t
	}
	return d
}

func emptyDetails(id, url string) ListingDetails {
	return ListingDetails{
		ID:         id,
		URL:        url,
		Title:      Sentinel,
		Brand:      Sentinel,
		Year:       Sentinel,
		Price:      Sentinel,
		Location:   Sentinel,
		PostalCode: Sentinel,
	}
}

// Parser holds the site base URL used to resolve relative links and the
// default per-page listing cap.
type Parser struct {
	base        *url.URL
	maxListings int
	log         logger.Logger
}

func NewParser(baseURL string, maxListings int, log logger.Logger) (*Parser, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("base url %q is not absolute", baseURL)
	}
	return &Parser{base: u, maxListings: maxListings, log: log}, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// squash trims s and collapses internal whitespace runs to one space.
func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
