package readability

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// renderText turns article fragments into plain text: whitespace collapsed inside blocks, a
// blank line between blocks, a line break per list item, row or br, and pre kept verbatim.
func renderText(content []*goquery.Selection) string {
	w := &textWriter{}
	for _, sel := range content {
		for _, n := range sel.Nodes {
			w.node(n)
		}
	}
	return strings.TrimSpace(w.b.String())
}

type textWriter struct {
	b     strings.Builder
	lines int
	space bool
}

func (w *textWriter) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.text(n.Data)
		return
	case html.ElementNode:
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.node(c)
		}
		return
	}

	switch n.DataAtom {
	case atom.Br:
		w.newline(1)
		return
	case atom.Pre:
		w.newline(2)
		w.write(strings.Trim(nodeText(n), "\n"))
		w.newline(2)
		return
	}
	breaks := lineBreaks(n.DataAtom)
	w.newline(breaks)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.node(c)
	}
	w.newline(breaks)
}

func (w *textWriter) text(data string) {
	fields := strings.Fields(data)
	if len(fields) == 0 {
		if data != "" {
			w.space = true
		}
		return
	}
	if unicode.IsSpace(rune(data[0])) {
		w.space = true
	}
	w.write(strings.Join(fields, " "))
	if unicode.IsSpace(rune(data[len(data)-1])) {
		w.space = true
	}
}

func (w *textWriter) write(s string) {
	if s == "" {
		return
	}
	switch {
	case w.lines > 0:
		w.b.WriteString(strings.Repeat("\n", w.lines))
	case w.space && w.b.Len() > 0:
		w.b.WriteByte(' ')
	}
	w.lines = 0
	w.space = false
	w.b.WriteString(s)
}

func (w *textWriter) newline(n int) {
	if w.b.Len() > 0 && n > w.lines {
		w.lines = n
	}
}

func lineBreaks(a atom.Atom) int {
	switch a {
	case atom.Li, atom.Tr, atom.Dt, atom.Dd, atom.Figcaption:
		return 1
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main, atom.Blockquote,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Ul, atom.Ol, atom.Dl, atom.Table, atom.Figure, atom.Header, atom.Hr:
		return 2
	}
	return 0
}
