package hostfunc

import (
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// XMLNode wraps a parsed document node for XPath queries. The parser is
// lenient HTML5, so element names are matched in lower case.
type XMLNode struct {
	n *html.Node
}

func parseXML(content string) (*XMLNode, error) {
	doc, err := htmlquery.Parse(strings.NewReader(content))
	if err != nil {
		return nil, err
	}
	return &XMLNode{n: doc}, nil
}

func (x *XMLNode) Find(expr string) ([]*XMLNode, error) {
	nodes, err := htmlquery.QueryAll(x.n, strings.ToLower(expr))
	if err != nil {
		return nil, invalidArgs("xml", "%v", err)
	}
	out := make([]*XMLNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &XMLNode{n: n})
	}
	return out, nil
}

// FindOne returns the first match or null.
func (x *XMLNode) FindOne(expr string) (*XMLNode, error) {
	n, err := htmlquery.Query(x.n, strings.ToLower(expr))
	if err != nil {
		return nil, invalidArgs("xml", "%v", err)
	}
	if n == nil {
		return nil, nil
	}
	return &XMLNode{n: n}, nil
}

func (x *XMLNode) InnerText() string {
	return htmlquery.InnerText(x.n)
}

func (x *XMLNode) Attr(name string) string {
	return htmlquery.SelectAttr(x.n, name)
}

func (x *XMLNode) ToString() string {
	return htmlquery.OutputHTML(x.n, true)
}
