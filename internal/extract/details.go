package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

var (
	yearPattern       = regexp.MustCompile(`\b(19[7-9]\d|20[0-2]\d)\b`)
	postalCodePattern = regexp.MustCompile(`\b(\d{5})\b`)
	pricePattern      = regexp.MustCompile(`([\d.,]+)\s*€`)
	priceClass        = regexp.MustCompile(`(?i)price|preis`)
	locationClass     = regexp.MustCompile(`(?i)location|standort|adress`)
	titleLocation     = regexp.MustCompile(` in ([^|]+?)(?:\s*\||\s*$)`)
)

// page carries the parsed document plus fields later strategies build on.
type page struct {
	doc      *goquery.Document
	title    string
	location string
}

// A strategy extracts one field or reports that it found nothing.
type strategy func(*page) (string, bool)

// firstOf runs strategies in order and returns the first non-empty result,
// or Sentinel.
func firstOf(p *page, strategies ...strategy) string {
	for _, s := range strategies {
		if v, ok := s(p); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return Sentinel
}

// ParseListingDetails extracts what it can from a listing page. It never
// fails; any field it cannot find is Sentinel.
func (p *Parser) ParseListingDetails(html, url, id string) (details ListingDetails) {
	details = emptyDetails(id, url)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("listing page extraction panicked", zap.String("listing_id", id), zap.Any("panic", r))
			details = emptyDetails(id, url)
		}
	}()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		p.log.Warn("unparseable listing page", zap.String("listing_id", id), zap.Error(err))
		return details
	}

	pg := &page{doc: doc}
	details.Title = firstOf(pg, titleFromHeading, titleFromOpenGraph, titleFromTitleTag)
	if details.Title != Sentinel {
		pg.title = details.Title
	}
	details.Brand = firstOf(pg, brandFromCatalog, brandFromVWToken, brandFromMarke, brandFromFirstWord)
	details.Year = firstOf(pg, yearFromLabel("Erstzulassung"), yearFromLabel("Baujahr"), yearFromTitle)
	details.Price = firstOf(pg, priceFromText, priceFromMicrodata)
	details.Location = firstOf(pg, locationFromTitleTag, locationFromClass, locationFromMicrodata)
	if details.Location != Sentinel {
		pg.location = details.Location
	}
	details.PostalCode = firstOf(pg, postalCodeFromLocation, postalCodeFromText, postalCodeFromMicrodata)
	return details
}

// Title.

func titleFromHeading(p *page) (string, bool) {
	h1 := p.doc.Find("h1").First()
	return squash(h1.Text()), h1.Length() > 0
}

func titleFromOpenGraph(p *page) (string, bool) {
	return p.doc.Find(`meta[property="og:title"]`).First().Attr("content")
}

func titleFromTitleTag(p *page) (string, bool) {
	t := p.doc.Find("title").First()
	if t.Length() == 0 {
		return "", false
	}
	head, _, _ := strings.Cut(t.Text(), "|")
	return squash(head), true
}

// Brand.

func brandFromCatalog(p *page) (string, bool) {
	return brandInTitle(p.title)
}

func brandFromVWToken(p *page) (string, bool) {
	return "Volkswagen", hasVWToken(p.title)
}

func brandFromMarke(p *page) (string, bool) {
	v, ok := detailValue(p.doc, "Marke")
	if !ok || v == Sentinel || len([]rune(v)) >= 50 {
		return "", false
	}
	v = strings.TrimSpace(v)
	if strings.HasPrefix(strings.ToLower(v), "modell") {
		v = strings.TrimSpace(v[len("modell"):])
	}
	return v, v != ""
}

func brandFromFirstWord(p *page) (string, bool) {
	fields := strings.Fields(p.title)
	if len(fields) == 0 {
		return "", false
	}
	return catalogBrand(fields[0])
}

// Year.

func yearFromLabel(label string) strategy {
	return func(p *page) (string, bool) {
		v, ok := detailValue(p.doc, label)
		if !ok {
			return "", false
		}
		return firstMatch(yearPattern, v)
	}
}

func yearFromTitle(p *page) (string, bool) {
	return firstMatch(yearPattern, p.title)
}

// Price.

func priceFromText(p *page) (string, bool) {
	candidates := []*goquery.Selection{
		p.doc.Find("h2").FilterFunction(textMatches(pricePattern)).First(),
		p.doc.Find("span").FilterFunction(textMatches(pricePattern)).First(),
		p.doc.Find("[class]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			return priceClass.MatchString(s.AttrOr("class", ""))
		}).First(),
	}
	for _, c := range candidates {
		if c.Length() == 0 {
			continue
		}
		if amount, ok := firstMatch(pricePattern, squash(c.Text())); ok {
			return amount + " €", true
		}
	}
	return "", false
}

func priceFromMicrodata(p *page) (string, bool) {
	el := p.doc.Find(`[itemprop="price"]`).First()
	if el.Length() == 0 {
		return "", false
	}
	v := strings.TrimSpace(el.AttrOr("content", ""))
	if v == "" {
		v = squash(el.Text())
	}
	if v == "" {
		return "", false
	}
	return v + " €", true
}

// Location.

func locationFromTitleTag(p *page) (string, bool) {
	t := p.doc.Find("title").First()
	if t.Length() == 0 {
		return "", false
	}
	return firstMatch(titleLocation, t.Text())
}

func locationFromClass(p *page) (string, bool) {
	var loc string
	p.doc.Find("[class]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !locationClass.MatchString(s.AttrOr("class", "")) {
			return true
		}
		if text := squash(s.Text()); len([]rune(text)) > 3 {
			loc = truncateRunes(text, maxTitleRunes)
			return false
		}
		return true
	})
	return loc, loc != ""
}

func locationFromMicrodata(p *page) (string, bool) {
	el := p.doc.Find(`[itemprop="address"]`).First()
	return squash(el.Text()), el.Length() > 0
}

// Postal code.

func postalCodeFromLocation(p *page) (string, bool) {
	return firstMatch(postalCodePattern, p.location)
}

func postalCodeFromText(p *page) (string, bool) {
	n := findText(p.doc.Get(0), postalCodePattern.MatchString)
	if n == nil {
		return "", false
	}
	return firstMatch(postalCodePattern, n.Data)
}

func postalCodeFromMicrodata(p *page) (string, bool) {
	return firstMatch(postalCodePattern, p.doc.Find(`[itemprop="postalCode"]`).First().Text())
}

func textMatches(re *regexp.Regexp) func(int, *goquery.Selection) bool {
	return func(_ int, s *goquery.Selection) bool {
		return re.MatchString(s.Text())
	}
}

func firstMatch(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
