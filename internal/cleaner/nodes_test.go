package cleaner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func elementWith(class, id string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: "div"}
	if class != "" {
		n.Attr = append(n.Attr, html.Attribute{Key: "class", Val: class})
	}
	if id != "" {
		n.Attr = append(n.Attr, html.Attribute{Key: "id", Val: id})
	}
	return n
}

func TestDepthAndAncestry(t *testing.T) {
	t.Parallel()

	root, err := html.Parse(strings.NewReader(`<div><section><p>x</p></section></div>`))
	require.NoError(t, err)
	var p, div *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p":
				p = n
			case "div":
				div = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	require.NotNil(t, p)
	require.NotNil(t, div)

	assert.True(t, isAncestor(div, p))
	assert.False(t, isAncestor(p, div))
	assert.False(t, isAncestor(nil, p))
	assert.Equal(t, 3, depth(div))
}
