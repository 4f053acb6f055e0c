package readability

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	unlikelyCandidates = regexp.MustCompile(`(?i)-ad-|ai2html|banner|breadcrumbs|combx|comment|community|cover-wrap|disqus|extra|footer|gdpr|header|legends|menu|related|remark|replies|rss|shoutbox|sidebar|skyscraper|social|sponsor|supplemental|ad-break|agegate|pagination|pager|popup|yom-remote`)
	okMaybeCandidate   = regexp.MustCompile(`(?i)and|article|body|column|content|main|shadow`)
	displayNone        = regexp.MustCompile(`(?i)display\s*:\s*none`)
)

const (
	minReaderableLength = 140
	minReaderableScore  = 20
)

// IsProbablyReaderable reports whether doc likely holds an article worth extracting. It is a
// cheap pre-check: it looks at paragraph-like nodes only and never builds the article.
//
// Candidates are p and pre elements, divs that use br for paragraph breaks, and list items
// that are mostly text. Each visible, likely candidate longer than 140 characters adds
// sqrt(length-140) to the score; the page is readerable once the score passes 20.
func IsProbablyReaderable(doc *goquery.Document) bool {
	nodes := doc.Find("p, pre").
		AddSelection(doc.Find("div > br").Parent()).
		AddSelection(doc.Find("li, dd").FilterFunction(isTextItem))

	score := 0.0
	readerable := false
	nodes.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		n := s.Get(0)
		if !isVisible(n) {
			return true
		}
		match := attr(n, "class") + " " + attr(n, "id")
		if unlikelyCandidates.MatchString(match) && !okMaybeCandidate.MatchString(match) {
			return true
		}
		if s.Is("li p") || s.Is(`[class*="teaser"],[class*="related"]`) {
			return true
		}
		length := utf8.RuneCountInString(strings.TrimSpace(s.Text()))
		if length < minReaderableLength {
			return true
		}
		score += math.Sqrt(float64(length - minReaderableLength))
		if score > minReaderableScore {
			readerable = true
			return false
		}
		return true
	})
	return readerable
}

// isTextItem keeps list items that read like paragraphs: no nested blocks and at least one
// child that is neither a link, a nested list nor blank text.
func isTextItem(_ int, s *goquery.Selection) bool {
	if s.Find("div, p").Length() > 0 {
		return false
	}
	for c := s.Get(0).FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				return true
			}
		case html.ElementNode:
			switch c.DataAtom {
			case atom.A, atom.Ol, atom.Ul, atom.Dl:
			default:
				return true
			}
		}
	}
	return false
}

func isVisible(n *html.Node) bool {
	if displayNone.MatchString(attr(n, "style")) {
		return false
	}
	if hasAttr(n, "hidden") {
		return false
	}
	return attr(n, "aria-hidden") != "true"
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return true
		}
	}
	return false
}
