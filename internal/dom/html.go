package dom

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/google/uuid"
	"golang.org/x/net/html"
)

// ProcessedAttr is set on elements once they have been claimed
const ProcessedAttr = "data-toxicity-processed"

// Elements whose text is never visible
var hiddenTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
}

// Document is an HTML tree implementing Root. All node reads and writes go
// through the document lock, so nodes may be used from several goroutines.
type Document struct {
	mu  sync.RWMutex
	doc *goquery.Document

	idMu sync.Mutex
	ids  map[*html.Node]NodeID

	selMu     sync.Mutex
	selectors map[string]cascadia.Selector
}

// ParseHTML parses an HTML document
func ParseHTML(r io.Reader) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return newDocument(doc), nil
}

// ParseHTMLString parses an HTML document held in a string
func ParseHTMLString(s string) (*Document, error) {
	return ParseHTML(strings.NewReader(s))
}

func newDocument(doc *goquery.Document) *Document {
	return &Document{
		doc:       doc,
		ids:       make(map[*html.Node]NodeID),
		selectors: make(map[string]cascadia.Selector),
	}
}

// Query implements Root
func (d *Document) Query(selector string) ([]Node, error) {
	sel, err := d.compile(selector)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	matches := d.doc.FindMatcher(sel).Nodes
	d.mu.RUnlock()

	nodes := make([]Node, len(matches))
	for i, n := range matches {
		nodes[i] = d.wrap(n)
	}
	return nodes, nil
}

// AppendHTML parses markup and appends it to every node matching selector
func (d *Document) AppendHTML(selector, markup string) error {
	sel, err := d.compile(selector)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	target := d.doc.FindMatcher(sel)
	if target.Length() == 0 {
		return fmt.Errorf("no node matches %q", selector)
	}
	target.AppendHtml(markup)
	return nil
}

// Render writes the current tree as HTML
func (d *Document) Render(w io.Writer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, n := range d.doc.Nodes {
		if err := html.Render(w, n); err != nil {
			return fmt.Errorf("render html: %w", err)
		}
	}
	return nil
}

// String returns the current tree as HTML
func (d *Document) String() string {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return ""
	}
	return buf.String()
}

func (d *Document) compile(selector string) (cascadia.Selector, error) {
	d.selMu.Lock()
	defer d.selMu.Unlock()

	if sel, ok := d.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", selector, err)
	}
	d.selectors[selector] = sel
	return sel, nil
}

func (d *Document) wrap(n *html.Node) *htmlNode {
	return &htmlNode{doc: d, n: n}
}

func (d *Document) idOf(n *html.Node) NodeID {
	d.idMu.Lock()
	defer d.idMu.Unlock()

	id, ok := d.ids[n]
	if !ok {
		id = NodeID(uuid.NewString())
		d.ids[n] = id
	}
	return id
}

// htmlNode adapts *html.Node to Node
type htmlNode struct {
	doc *Document
	n   *html.Node
}

func (h *htmlNode) ID() NodeID {
	return h.doc.idOf(h.n)
}

func (h *htmlNode) Text() string {
	h.doc.mu.RLock()
	defer h.doc.mu.RUnlock()

	var sb strings.Builder
	textContent(h.n, &sb)
	return sb.String()
}

func (h *htmlNode) SetText(text string) {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()

	if h.n.Type == html.TextNode {
		h.n.Data = text
		return
	}

	for c := h.n.FirstChild; c != nil; {
		next := c.NextSibling
		h.n.RemoveChild(c)
		c = next
	}
	h.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}

func (h *htmlNode) Children() []Node {
	h.doc.mu.RLock()
	var kids []*html.Node
	for c := h.n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			kids = append(kids, c)
		case html.ElementNode:
			if !hiddenTags[c.Data] {
				kids = append(kids, c)
			}
		}
	}
	h.doc.mu.RUnlock()

	nodes := make([]Node, len(kids))
	for i, c := range kids {
		nodes[i] = h.doc.wrap(c)
	}
	return nodes
}

func (h *htmlNode) Kind() Kind {
	h.doc.mu.RLock()
	defer h.doc.mu.RUnlock()

	switch h.n.Type {
	case html.TextNode:
		return Leaf
	case html.ElementNode:
		if h.n.Data == "input" || h.n.Data == "textarea" || isContentEditable(h.n) {
			return Editable
		}
	}
	return Container
}

func (h *htmlNode) MarkProcessed() {
	h.doc.mu.Lock()
	defer h.doc.mu.Unlock()

	if h.n.Type != html.ElementNode {
		return
	}
	for i, a := range h.n.Attr {
		if a.Key == ProcessedAttr {
			h.n.Attr[i].Val = "true"
			return
		}
	}
	h.n.Attr = append(h.n.Attr, html.Attribute{Key: ProcessedAttr, Val: "true"})
}

func textContent(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && hiddenTags[n.Data] {
		return
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		textContent(c, sb)
	}
}

// isContentEditable follows the inherited contenteditable attribute
func isContentEditable(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type != html.ElementNode {
			continue
		}
		for _, a := range p.Attr {
			if a.Key != "contenteditable" {
				continue
			}
			switch strings.ToLower(a.Val) {
			case "false":
				return false
			default:
				return true
			}
		}
	}
	return false
}
