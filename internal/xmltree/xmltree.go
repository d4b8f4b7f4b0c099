// Package xmltree builds a small ordered tree from XML documents and offers
// namespace-agnostic lookups over it. It exists to serve the fixed set of
// fitness schemas the parsers understand, not as a general XML toolkit.
package xmltree

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

// ErrEmptyDocument is returned when a stream contains no root element
var ErrEmptyDocument = errors.New("document has no root element")

// Attr is an element attribute with its namespace already resolved
type Attr struct {
	Space string
	Local string
	Value string
}

// Node is one element of a parsed document.
// Text holds character data that appears before the first child and
// Tail holds character data that follows the element inside its parent,
// which together keep document order for ExtractText.
type Node struct {
	Space    string
	Local    string
	Attrs    []Attr
	Text     string
	Tail     string
	Children []*Node
	Parent   *Node
}

// Tag returns the element tag in "{uri}local" form, or just the local name
// when the element has no namespace.
func (n *Node) Tag() string {
	if n.Space == "" {
		return n.Local
	}
	return "{" + n.Space + "}" + n.Local
}

// Attr returns the value of the attribute with the given local name
func (n *Node) Attr(local string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// Child returns the first direct child whose local name matches
func (n *Node) Child(tag string) *Node {
	want := StripNamespace(tag)
	for _, c := range n.Children {
		if c.Local == want {
			return c
		}
	}
	return nil
}

// Parse reads a whole XML document and returns its root element
func Parse(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true

	var (
		root  *Node
		stack []*Node
		last  *Node // most recently closed element at the current depth
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Space: t.Name.Space, Local: t.Name.Local}
			for _, a := range t.Attr {
				// namespace declarations are not data
				if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
					continue
				}
				n.Attrs = append(n.Attrs, Attr{Space: a.Name.Space, Local: a.Name.Local, Value: a.Value})
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("failed to decode xml: multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				n.Parent = parent
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
			last = nil
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("failed to decode xml: unbalanced end element %q", t.Name.Local)
			}
			last = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			if last != nil && last.Parent == stack[len(stack)-1] {
				last.Tail += string(t)
			} else {
				cur := stack[len(stack)-1]
				cur.Text += string(t)
			}
		}
	}

	if root == nil {
		return nil, ErrEmptyDocument
	}
	return root, nil
}

// StripNamespace removes a "{uri}" or "prefix:" qualifier from a tag.
// Unqualified tags are returned unchanged.
func StripNamespace(tag string) string {
	if strings.HasPrefix(tag, "{") {
		if i := strings.IndexByte(tag, '}'); i >= 0 {
			return tag[i+1:]
		}
		return tag
	}
	if i := strings.LastIndexByte(tag, ':'); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

// Locate yields every element below root whose local name equals the local
// part of tag, depth-first in document order. With includeRoot the root is
// considered too and yielded first when it matches. The sequence is lazy; a
// new call starts a new pass.
func Locate(root *Node, tag string, includeRoot bool) iter.Seq[*Node] {
	want := StripNamespace(tag)
	return func(yield func(*Node) bool) {
		if root == nil {
			return
		}
		if includeRoot && root.Local == want {
			if !yield(root) {
				return
			}
		}

		stack := make([]*Node, 0, 16)
		for i := len(root.Children) - 1; i >= 0; i-- {
			stack = append(stack, root.Children[i])
		}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if n.Local == want {
				if !yield(n) {
					return
				}
			}
			for i := len(n.Children) - 1; i >= 0; i-- {
				stack = append(stack, n.Children[i])
			}
		}
	}
}

// ExtractText concatenates the text of n and all its descendants in
// document order. Whitespace-only runs between elements are dropped and the
// result is trimmed.
func ExtractText(n *Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	appendText(&b, n)
	return strings.TrimSpace(b.String())
}

func appendText(b *strings.Builder, n *Node) {
	writeChunk(b, n.Text)
	for _, c := range n.Children {
		appendText(b, c)
		writeChunk(b, c.Tail)
	}
}

func writeChunk(b *strings.Builder, s string) {
	if strings.TrimSpace(s) == "" {
		return
	}
	b.WriteString(s)
}

// Flatten collapses a subtree into leaf-name -> text pairs. Attributes of
// every element are included under their local names. Leaves called "Value"
// are keyed by their parent's name, which is how the training XML wraps
// scalar readings (<HeartRateBpm><Value>140</Value></HeartRateBpm>).
// When a name repeats, the last occurrence in document order wins.
func Flatten(n *Node) map[string]string {
	out := make(map[string]string)
	if n == nil {
		return out
	}
	flatten(n, out)
	return out
}

func flatten(n *Node, out map[string]string) {
	for _, a := range n.Attrs {
		out[a.Local] = a.Value
	}
	if len(n.Children) == 0 {
		key := n.Local
		if key == "Value" && n.Parent != nil {
			key = n.Parent.Local
		}
		if text := strings.TrimSpace(n.Text); text != "" {
			out[key] = text
		}
		return
	}
	for _, c := range n.Children {
		flatten(c, out)
	}
}
