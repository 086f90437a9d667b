// Package cleaner reduces a decision page to its readable content.
//
// Cleaning applies a fixed, ordered rule set to the parsed tree:
//
//  1. remove navigation, chrome, forms, scripts, media, comments and widget containers
//  2. strip inline style attributes
//  3. keep tables, lists and the case-body container intact
//  4. prune empty elements bottom-up and collapse runs of line breaks
//  5. collapse whitespace outside tables, lists and preformatted text
//
// The result is wrapped in a fixed HTML shell. Output is byte-identical for identical input
// and cleaning already-cleaned output returns it unchanged.
package cleaner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

// ErrUnparseable reports input that cannot be treated as an HTML document.
var ErrUnparseable = errors.New("document is not parseable html")

const (
	defaultTitle = "Decision"
	asciiSpace   = " \t\n\f\r"
)

var removedElements = strings.Join([]string{
	"nav", "header", "footer", "aside",
	`[role="navigation"]`, `[role="banner"]`, `[role="contentinfo"]`, `[role="search"]`,
	"form", "input", "button", "select", "textarea", "option", "label", "fieldset",
	"script", "style", "noscript", "template", "link", "meta",
	"img", "picture", "svg", "canvas", "iframe", "embed", "object", "video", "audio",
}, ", ")

// Checked in order; the first selector with a match wins.
var containerSelectors = []string{"main", "#main-content", ".content", "article"}

// maxPasses bounds re-cleaning of rendered output. A tree parsed in quirks mode (no doctype)
// can change shape when re-parsed under the shell's doctype, e.g. a table inside a p.
const maxPasses = 3

// Clean decodes input using contentType (which may be empty) and returns the cleaned document.
func Clean(input []byte, contentType string) ([]byte, error) {
	text, err := decode(input, contentType)
	if err != nil {
		return nil, err
	}
	out, err := cleanPass(text)
	if err != nil {
		return nil, err
	}
	for pass := 1; pass < maxPasses; pass++ {
		next, err := cleanPass(string(out))
		if err != nil {
			return nil, err
		}
		if bytes.Equal(next, out) {
			break
		}
		out = next
	}
	return out, nil
}

func cleanPass(text string) ([]byte, error) {
	root, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	doc := goquery.NewDocumentFromNode(root)

	title := collapseRuns(doc.Find("title").First().Text())
	title = strings.Trim(title, asciiSpace)
	if title == "" {
		title = defaultTitle
	}

	removeComments(root)
	doc.Find(removedElements).Remove()
	container := findContainer(doc)
	removeWidgets(root, container)
	stripStyles(root)

	body := doc.Find("body").Get(0)
	if body == nil {
		return nil, fmt.Errorf("%w: no body", ErrUnparseable)
	}
	pruneEmpty(body, container)
	collapseBreaks(body)
	normalizeWhitespace(body)

	return render(title, body, container)
}

func decode(input []byte, contentType string) (string, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return "", fmt.Errorf("%w: empty document", ErrUnparseable)
	}
	if bytes.IndexByte(input, 0) >= 0 {
		return "", fmt.Errorf("%w: binary content", ErrUnparseable)
	}
	reader, err := charset.NewReader(bytes.NewReader(input), contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("%w: invalid utf-8", ErrUnparseable)
	}
	if !bytes.ContainsRune(decoded, '<') {
		return "", fmt.Errorf("%w: no markup", ErrUnparseable)
	}
	return string(decoded), nil
}

func findContainer(doc *goquery.Document) *html.Node {
	for _, selector := range containerSelectors {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			return sel.Get(0)
		}
	}
	return nil
}

func render(title string, body, container *html.Node) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8"/><title>`)
	buf.WriteString(html.EscapeString(title))
	buf.WriteString("</title></head><body>")
	if container != nil {
		if err := html.Render(&buf, container); err != nil {
			return nil, fmt.Errorf("render container: %w", err)
		}
	} else {
		for c := body.FirstChild; c != nil; c = c.NextSibling {
			if err := html.Render(&buf, c); err != nil {
				return nil, fmt.Errorf("render body: %w", err)
			}
		}
	}
	buf.WriteString("</body></html>")
	return buf.Bytes(), nil
}

func removeComments(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			removeComments(c)
		}
		c = next
	}
}

// removeWidgets drops elements whose class or id marks them as ads, banners, cookie notices,
// sharing widgets or navigation. The container, its ancestors and its descendants are kept.
func removeWidgets(n, container *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			switch {
			case c == container || isAncestor(container, c):
				// Nothing inside the container is a widget.
			case isAncestor(c, container) || isDocumentRoot(c):
				removeWidgets(c, container)
			case isWidget(c):
				n.RemoveChild(c)
			default:
				removeWidgets(c, container)
			}
		}
		c = next
	}
}

func isWidget(n *html.Node) bool {
	tokens := strings.Fields(strings.ToLower(attr(n, "class")))
	if id := strings.ToLower(strings.TrimSpace(attr(n, "id"))); id != "" {
		tokens = append(tokens, id)
	}
	for _, t := range tokens {
		switch {
		case t == "ad", t == "ads", strings.HasPrefix(t, "ad-"), strings.HasPrefix(t, "advert"):
			return true
		case t == "banner", strings.HasPrefix(t, "cookie"), t == "consent", t == "gdpr":
			return true
		case t == "social", strings.HasPrefix(t, "share"), t == "sidebar", t == "widget":
			return true
		case t == "menu", strings.HasPrefix(t, "breadcrumb"), strings.HasPrefix(t, "nav"):
			return true
		}
	}
	return false
}

func stripStyles(n *html.Node) {
	if n.Type == html.ElementNode && len(n.Attr) > 0 {
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			if a.Namespace == "" && a.Key == "style" {
				continue
			}
			kept = append(kept, a)
		}
		n.Attr = kept
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		stripStyles(c)
	}
}

// pruneEmpty repeats bottom-up passes until nothing is removed, at most depth+1 times.
func pruneEmpty(body, container *html.Node) {
	limit := depth(body) + 1
	for pass := 0; pass < limit; pass++ {
		if removeEmpty(body, container) == 0 {
			return
		}
	}
}

func removeEmpty(n, container *html.Node) int {
	removed := 0
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && !isStructural(c) && !isBreak(c) {
			removed += removeEmpty(c, container)
			if c != container && isEmpty(c, container) {
				n.RemoveChild(c)
				removed++
			}
		}
		c = next
	}
	return removed
}

// isEmpty reports whether n holds no text and nothing that must be preserved.
// Line breaks alone do not keep an element alive.
func isEmpty(n, container *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				return false
			}
		case html.ElementNode:
			if c == container || isStructural(c) || c.DataAtom == atom.Hr {
				return false
			}
			if !isEmpty(c, container) {
				return false
			}
		}
	}
	return true
}

// collapseBreaks keeps at most two consecutive <br> siblings.
func collapseBreaks(n *html.Node) {
	run := 0
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.ElementNode && c.DataAtom == atom.Br:
			run++
			if run > 2 {
				n.RemoveChild(c)
			}
		case c.Type == html.TextNode && isBlank(c.Data):
		default:
			run = 0
			if c.Type == html.ElementNode && !keepsWhitespace(c) {
				collapseBreaks(c)
			}
		}
		c = next
	}
}

// normalizeWhitespace merges adjacent text, collapses whitespace runs and trims block edges.
func normalizeWhitespace(n *html.Node) {
	mergeText(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			c.Data = collapseRuns(c.Data)
		case html.ElementNode:
			if !keepsWhitespace(c) {
				normalizeWhitespace(c)
			}
		}
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.TextNode && isBlank(c.Data) &&
			((c.PrevSibling != nil && isBlock(c.PrevSibling)) || (next != nil && isBlock(next))) {
			n.RemoveChild(c)
		}
		c = next
	}
	if isBlock(n) {
		trimEdges(n)
	}
}

func mergeText(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		for c.Type == html.TextNode && c.NextSibling != nil && c.NextSibling.Type == html.TextNode {
			next := c.NextSibling
			c.Data += next.Data
			n.RemoveChild(next)
		}
	}
}

func trimEdges(n *html.Node) {
	for c := n.FirstChild; c != nil && c.Type == html.TextNode; c = n.FirstChild {
		c.Data = strings.TrimLeft(c.Data, asciiSpace)
		if c.Data != "" {
			break
		}
		n.RemoveChild(c)
	}
	for c := n.LastChild; c != nil && c.Type == html.TextNode; c = n.LastChild {
		c.Data = strings.TrimRight(c.Data, asciiSpace)
		if c.Data != "" {
			break
		}
		n.RemoveChild(c)
	}
}
