package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// labelSplit holds the "<label>:" separators of every label the extractor
// reads.
var labelSplit = map[string]*regexp.Regexp{}

func init() {
	for _, label := range []string{"Erstzulassung", "Baujahr", "Marke"} {
		labelSplit[label] = splitPattern(label)
	}
}

func splitPattern(label string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + regexp.QuoteMeta(label) + `[:\s]*`)
}

// detailValue finds the value shown next to a label such as "Erstzulassung".
// It first looks for a text node consisting of the label alone and reads
// the element following its parent (or grandparent). Failing that it scans
// list items containing the label and takes the text after it.
func detailValue(doc *goquery.Document, label string) (string, bool) {
	if n := findText(doc.Get(0), func(s string) bool {
		return strings.EqualFold(strings.TrimSpace(s), label)
	}); n != nil && n.Parent != nil {
		parent := goquery.NewDocumentFromNode(n.Parent).Selection
		if next := parent.Next(); next.Length() > 0 {
			return squash(next.Text()), true
		}
		if next := parent.Parent().Next(); next.Length() > 0 {
			return squash(next.Text()), true
		}
	}

	split, ok := labelSplit[label]
	if !ok {
		split = splitPattern(label)
	}
	lowerLabel := strings.ToLower(label)
	var value string
	var found bool
	doc.Find("li").EachWithBreak(func(_ int, li *goquery.Selection) bool {
		text := li.Text()
		if !strings.Contains(strings.ToLower(text), lowerLabel) {
			return true
		}
		if parts := split.Split(text, 2); len(parts) > 1 {
			value, found = strings.TrimSpace(parts[1]), true
			return false
		}
		return true
	})
	return value, found
}

// findText returns the first text node in document order for which match
// reports true. Script and style contents are skipped.
func findText(n *html.Node, match func(string) bool) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.TextNode && match(n.Data) {
		return n
	}
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return nil
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findText(c, match); found != nil {
			return found
		}
	}
	return nil
}
