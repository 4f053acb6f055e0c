// Package readability extracts the main article from an HTML page.
//
// Extraction follows the Arc90 readability approach: score paragraph-like nodes, propagate the
// scores to their ancestors, pick the best ancestor and pull in related siblings. The result is
// a best-effort heuristic; it makes no attempt to match Mozilla Readability output exactly.
package readability

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Article is the readable content of a page.
type Article struct {
	Title    string `json:"title"`
	Byline   string `json:"byline,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
	SiteName string `json:"siteName,omitempty"`
	// Length is the character count of the article text, title excluded.
	Length int `json:"length"`
	// Text is the title, a blank line, then the article as plain text.
	Text string `json:"text"`
	// HTML is the cleaned article markup.
	HTML string `json:"html"`
	// NonContentHTML is the page body with the article removed.
	NonContentHTML string `json:"nonContentHtml"`
}

const (
	contentMarker      = "data-readability-content"
	minScoredLength    = 25
	scoredAncestors    = 3
	minSiblingScore    = 10
	linkHeavyDensity   = 0.5
	longParagraph      = 80
	siblingLinkDensity = 0.25
)

var (
	positiveClass = regexp.MustCompile(`(?i)article|body|content|entry|hentry|h-entry|main|page|pagination|post|text|blog|story`)
	negativeClass = regexp.MustCompile(`(?i)-ad-|hidden|^hid$| hid$| hid |^hid |banner|combx|comment|com-|contact|foot|footer|footnote|gdpr|masthead|media|meta|outbrain|promo|related|scroll|share|shoutbox|sidebar|skyscraper|sponsor|shopping|tags|tool|widget`)
	sentenceEnd   = regexp.MustCompile(`\.( |$)`)
	titleSplit    = regexp.MustCompile(`\s+[|\-–—\\/>»:]{1,2}\s+`)

	// Never part of an article.
	boilerplateTags = map[atom.Atom]bool{
		atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true,
		atom.Nav: true, atom.Aside: true, atom.Footer: true, atom.Form: true,
		atom.Iframe: true, atom.Svg: true, atom.Button: true, atom.Object: true,
		atom.Embed: true, atom.Input: true, atom.Select: true, atom.Textarea: true,
		atom.Link: true, atom.Meta: true,
	}
	unlikelyRoles = map[string]bool{
		"menu": true, "menubar": true, "complementary": true, "navigation": true,
		"alert": true, "alertdialog": true, "dialog": true,
	}
	blockTags = map[atom.Atom]bool{
		atom.Address: true, atom.Article: true, atom.Blockquote: true, atom.Div: true,
		atom.Dl: true, atom.Figure: true, atom.H1: true, atom.H2: true, atom.H3: true,
		atom.H4: true, atom.H5: true, atom.H6: true, atom.Ol: true, atom.P: true,
		atom.Pre: true, atom.Section: true, atom.Table: true, atom.Ul: true,
	}
)

// Extract parses page and returns its article. It returns nil, nil when the page has no
// usable content, or when force is false and the page does not look readerable.
func Extract(page, pageURL string, force bool) (*Article, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var base *url.URL
	if pageURL != "" {
		base, err = url.Parse(pageURL)
		if err != nil {
			return nil, fmt.Errorf("parse page url: %w", err)
		}
	}
	return Parse(doc, base, force), nil
}

// Parse extracts the article from doc. base resolves relative links and may be nil.
func Parse(doc *goquery.Document, base *url.URL, force bool) *Article {
	if !force && !IsProbablyReaderable(doc) {
		return nil
	}
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return nil
	}

	sc := newScorer()
	picked := sc.pick(body.Get(0))
	if len(picked) == 0 {
		return nil
	}

	content := make([]*goquery.Selection, 0, len(picked))
	for _, n := range picked {
		clone := goquery.NewDocumentFromNode(n).Selection.Clone()
		cleanContent(clone, base)
		content = append(content, clone)
	}
	textContent := renderText(content)
	if textContent == "" {
		return nil
	}

	var markup strings.Builder
	markup.WriteString(`<div id="readability-page-1" class="page">`)
	for _, sel := range content {
		h, err := goquery.OuterHtml(sel)
		if err != nil {
			continue
		}
		markup.WriteString(h)
	}
	markup.WriteString(`</div>`)

	meta := readMetadata(doc)
	if meta.excerpt == "" {
		meta.excerpt = firstParagraph(content)
	}
	return &Article{
		Title:          meta.title,
		Byline:         meta.byline,
		Excerpt:        meta.excerpt,
		SiteName:       meta.siteName,
		Length:         utf8.RuneCountInString(textContent),
		Text:           meta.title + "\n\n" + textContent,
		HTML:           markup.String(),
		NonContentHTML: nonContent(body, picked),
	}
}

// scorer ranks candidate containers by the paragraphs they hold.
type scorer struct {
	scores  map[*html.Node]float64
	order   []*html.Node
	skipped map[*html.Node]bool
}

func newScorer() *scorer {
	return &scorer{scores: map[*html.Node]float64{}, skipped: map[*html.Node]bool{}}
}

// pick returns the nodes that make up the article, in document order.
func (sc *scorer) pick(body *html.Node) []*html.Node {
	sc.walk(body)
	for _, n := range sc.order {
		sc.scores[n] *= 1 - linkDensity(n)
	}

	var top *html.Node
	topScore := math.Inf(-1)
	for _, n := range sc.order {
		if s := sc.scores[n]; s > topScore {
			top, topScore = n, s
		}
	}
	if top == nil || top == body || top.Parent == nil {
		return sc.visibleChildren(body)
	}

	threshold := math.Max(minSiblingScore, topScore*0.2)
	topClass := attr(top, "class")
	var picked []*html.Node
	for c := top.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if c == top {
			picked = append(picked, c)
			continue
		}
		if sc.isSkipped(c) {
			continue
		}
		bonus := 0.0
		if topClass != "" && attr(c, "class") == topClass {
			bonus = topScore * 0.2
		}
		if s, ok := sc.scores[c]; ok && s+bonus >= threshold {
			picked = append(picked, c)
			continue
		}
		if c.DataAtom == atom.P {
			text := normalizedText(c)
			length := utf8.RuneCountInString(text)
			density := linkDensity(c)
			if (length > longParagraph && density < siblingLinkDensity) ||
				(length > 0 && length <= longParagraph && density == 0 && sentenceEnd.MatchString(text)) {
				picked = append(picked, c)
			}
		}
	}
	return picked
}

func (sc *scorer) walk(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if sc.skip(c) {
			continue
		}
		if isScoreTarget(c) {
			sc.score(c)
		}
		sc.walk(c)
	}
}

func (sc *scorer) score(n *html.Node) {
	text := normalizedText(n)
	length := utf8.RuneCountInString(text)
	if length < minScoredLength {
		return
	}
	points := 1 + float64(strings.Count(text, ",")) + math.Min(float64(length/100), 3)

	level := 0
	for p := n.Parent; p != nil && p.Type == html.ElementNode && level < scoredAncestors; p = p.Parent {
		if _, ok := sc.scores[p]; !ok {
			sc.scores[p] = tagWeight(p.DataAtom) + classWeight(p)
			sc.order = append(sc.order, p)
		}
		divider := 1.0
		switch level {
		case 0:
		case 1:
			divider = 2
		default:
			divider = float64(level * 3)
		}
		sc.scores[p] += points / divider
		level++
	}
}

// skip reports whether n (and with it its subtree) is boilerplate.
func (sc *scorer) skip(n *html.Node) bool {
	if v, ok := sc.skipped[n]; ok {
		return v
	}
	v := boilerplateTags[n.DataAtom] || !isVisible(n) || isUnlikely(n)
	sc.skipped[n] = v
	return v
}

func (sc *scorer) isSkipped(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && sc.skip(p) {
			return true
		}
	}
	return false
}

func (sc *scorer) visibleChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && !sc.skip(c) {
			out = append(out, c)
		}
	}
	return out
}

func isUnlikely(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Html, atom.Body, atom.Article, atom.Main, atom.A:
		return false
	}
	if unlikelyRoles[attr(n, "role")] {
		return true
	}
	match := attr(n, "class") + " " + attr(n, "id")
	return unlikelyCandidates.MatchString(match) && !okMaybeCandidate.MatchString(match)
}

// isScoreTarget reports whether n is paragraph-like: a text block, or a div with no block children.
func isScoreTarget(n *html.Node) bool {
	switch n.DataAtom {
	case atom.P, atom.Pre, atom.Td, atom.Blockquote:
		return true
	case atom.Div:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && blockTags[c.DataAtom] {
				return false
			}
		}
		return true
	}
	return false
}

func tagWeight(a atom.Atom) float64 {
	switch a {
	case atom.Div:
		return 5
	case atom.Pre, atom.Td, atom.Blockquote:
		return 3
	case atom.Address, atom.Ol, atom.Ul, atom.Dl, atom.Dd, atom.Dt, atom.Li, atom.Form:
		return -3
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Th:
		return -5
	}
	return 0
}

func classWeight(n *html.Node) float64 {
	weight := 0.0
	for _, v := range []string{attr(n, "class"), attr(n, "id")} {
		if v == "" {
			continue
		}
		if negativeClass.MatchString(v) {
			weight -= 25
		}
		if positiveClass.MatchString(v) {
			weight += 25
		}
	}
	return weight
}

// linkDensity is the share of n's text that sits inside links.
func linkDensity(n *html.Node) float64 {
	total := utf8.RuneCountInString(normalizedText(n))
	if total == 0 {
		return 0
	}
	linked := 0
	var visit func(*html.Node)
	visit = func(m *html.Node) {
		for c := m.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.A {
				linked += utf8.RuneCountInString(normalizedText(c))
				continue
			}
			visit(c)
		}
	}
	visit(n)
	return float64(linked) / float64(total)
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(m *html.Node) {
		if m.Type == html.TextNode {
			b.WriteString(m.Data)
			return
		}
		for c := m.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}

func normalizedText(n *html.Node) string {
	return strings.Join(strings.Fields(nodeText(n)), " ")
}

// cleanContent strips boilerplate, hidden and link-heavy blocks from an article fragment and
// makes its links absolute.
func cleanContent(root *goquery.Selection, base *url.URL) {
	root.Find("*").FilterFunction(func(_ int, s *goquery.Selection) bool {
		n := s.Get(0)
		return boilerplateTags[n.DataAtom] || !isVisible(n) || isUnlikely(n)
	}).Remove()
	root.Find("ul, ol, div, section, table").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return linkDensity(s.Get(0)) > linkHeavyDensity
	}).Remove()

	root.Find("*").AddSelection(root).Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			if a.Key == "style" || strings.HasPrefix(a.Key, "on") {
				continue
			}
			kept = append(kept, a)
		}
		n.Attr = kept
	})

	resolve := func(sel, key string) {
		root.Find(sel).AddSelection(root.Filter(sel)).Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(key)
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(v)), "javascript:") {
				s.RemoveAttr(key)
				return
			}
			if base == nil {
				return
			}
			ref, err := url.Parse(strings.TrimSpace(v))
			if err != nil {
				return
			}
			s.SetAttr(key, base.ResolveReference(ref).String())
		})
	}
	resolve("a[href]", "href")
	resolve("img[src]", "src")
}

// nonContent renders body with the picked article nodes, scripts and styles removed. The
// original tree is left untouched.
func nonContent(body *goquery.Selection, picked []*html.Node) string {
	for _, n := range picked {
		n.Attr = append(n.Attr, html.Attribute{Key: contentMarker})
	}
	clone := body.Clone()
	for _, n := range picked {
		n.Attr = n.Attr[:len(n.Attr)-1]
	}
	clone.Find("[" + contentMarker + "], script, style, noscript, template").Remove()
	out, err := goquery.OuterHtml(clone)
	if err != nil {
		return ""
	}
	return out
}

type metadata struct {
	title    string
	byline   string
	excerpt  string
	siteName string
}

func readMetadata(doc *goquery.Document) metadata {
	meta := func(keys ...string) string {
		for _, k := range keys {
			sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, k, k)).First()
			if v := strings.TrimSpace(sel.AttrOr("content", "")); v != "" {
				return v
			}
		}
		return ""
	}

	var m metadata
	m.title = meta("og:title", "twitter:title", "dc.title")
	if m.title == "" {
		m.title = cleanTitle(doc.Find("head title").First().Text())
	}
	if m.title == "" {
		m.title = strings.Join(strings.Fields(doc.Find("h1").First().Text()), " ")
	}

	m.byline = meta("author", "dc.creator", "twitter:creator")
	if m.byline == "" {
		by := doc.Find(`[rel="author"], [itemprop="author"], .byline, .author`).First()
		text := strings.Join(strings.Fields(by.Text()), " ")
		if utf8.RuneCountInString(text) < 100 {
			m.byline = text
		}
	}
	m.excerpt = meta("description", "og:description", "twitter:description")
	m.siteName = meta("og:site_name")
	return m
}

// cleanTitle drops a trailing site name ("Story - Site") when what is left still reads like a title.
func cleanTitle(raw string) string {
	title := strings.Join(strings.Fields(raw), " ")
	parts := titleSplit.Split(title, -1)
	if len(parts) < 2 {
		return title
	}
	if first := strings.TrimSpace(parts[0]); len(strings.Fields(first)) >= 3 {
		return first
	}
	return title
}

func firstParagraph(content []*goquery.Selection) string {
	for _, sel := range content {
		ps := sel.Find("p").AddSelection(sel.Filter("p"))
		for i := range ps.Nodes {
			if text := normalizedText(ps.Get(i)); text != "" {
				return text
			}
		}
	}
	return ""
}
