package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// NodeKind tags the shape of a parsed XML value
type NodeKind int

const (
	TextNode NodeKind = iota
	MapNode
	ListNode
)

const (
	attrPrefix = "@"
	textKey    = "#text"
)

// Node is one value of the parsed document. An element with neither
// attributes nor child elements is a TextNode; repeated child elements
// are gathered into a ListNode.
type Node struct {
	Kind   NodeKind
	Text   string
	Keys   []string
	Fields map[string]*Node
	Items  []*Node
}

func newMap() *Node {
	return &Node{Kind: MapNode, Fields: make(map[string]*Node)}
}

func (n *Node) set(key string, child *Node) {
	existing, ok := n.Fields[key]
	if !ok {
		n.Keys = append(n.Keys, key)
		n.Fields[key] = child
		return
	}
	if existing.Kind == ListNode {
		existing.Items = append(existing.Items, child)
		return
	}
	n.Fields[key] = &Node{Kind: ListNode, Items: []*Node{existing, child}}
}

// Get returns the child stored under key as written in the document
func (n *Node) Get(key string) *Node {
	if n == nil || n.Kind != MapNode {
		return nil
	}
	return n.Fields[key]
}

// Lookup finds a child by key ignoring case and namespace prefix
func (n *Node) Lookup(key string) *Node {
	if n == nil || n.Kind != MapNode {
		return nil
	}
	if child, ok := n.Fields[key]; ok {
		return child
	}
	want := normalizeKey(key)
	for _, k := range n.Keys {
		if normalizeKey(k) == want {
			return n.Fields[k]
		}
	}
	return nil
}

// AsList treats a single value as a one-item list
func (n *Node) AsList() []*Node {
	switch {
	case n == nil:
		return nil
	case n.Kind == ListNode:
		return n.Items
	default:
		return []*Node{n}
	}
}

// String returns the text content of a text node or the #text of an element
func (n *Node) String() string {
	if n == nil {
		return ""
	}
	switch n.Kind {
	case TextNode:
		return n.Text
	case MapNode:
		if t, ok := n.Fields[textKey]; ok {
			return t.Text
		}
	}
	return ""
}

// FirstText digs for the first non-empty text below n
func (n *Node) FirstText() string {
	if n == nil {
		return ""
	}
	switch n.Kind {
	case TextNode:
		return n.Text
	case ListNode:
		for _, item := range n.Items {
			if t := item.FirstText(); t != "" {
				return t
			}
		}
	case MapNode:
		if t := n.String(); t != "" {
			return t
		}
		for _, k := range n.Keys {
			if isMetaKey(k) {
				continue
			}
			if t := n.Fields[k].FirstText(); t != "" {
				return t
			}
		}
	}
	return ""
}

// Interface converts the node into plain Go values
func (n *Node) Interface() any {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case TextNode:
		return n.Text
	case ListNode:
		out := make([]any, 0, len(n.Items))
		for _, item := range n.Items {
			out = append(out, item.Interface())
		}
		return out
	default:
		out := make(map[string]any, len(n.Keys))
		for _, k := range n.Keys {
			out[k] = n.Fields[k].Interface()
		}
		return out
	}
}

// IsEmpty reports whether the node carries no text anywhere
func (n *Node) IsEmpty() bool {
	return strings.TrimSpace(n.FirstText()) == ""
}

func isMetaKey(key string) bool {
	return strings.HasPrefix(key, attrPrefix) ||
		strings.HasPrefix(key, "#") ||
		strings.HasPrefix(strings.ToLower(key), "xmlns")
}

// localName drops a namespace prefix
func localName(key string) string {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// normalizeKey folds a key for comparison: attribute marker and namespace
// prefix dropped, lowercased, separators removed (Urun_Kodu == urunkodu).
func normalizeKey(key string) string {
	key = strings.ToLower(localName(strings.TrimPrefix(key, attrPrefix)))
	return keySeparators.Replace(key)
}

var keySeparators = strings.NewReplacer("-", "", "_", "", " ", "")

type frame struct {
	name        string
	node        *Node
	text        strings.Builder
	hasChildren bool
	hasAttrs    bool
}

// ParseTree decodes raw into a tagged tree whose root map holds the document
// element. Namespace prefixes are kept in keys (g:price) and the declared
// encoding is honored.
func ParseTree(raw []byte, maxNodes int) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charset.NewReaderLabel
	dec.Entity = xml.HTMLEntity
	dec.Strict = true

	root := newMap()
	stack := []*frame{{node: root}}
	count := 0

	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			count++
			if maxNodes > 0 && count > maxNodes {
				return nil, fmt.Errorf("document exceeds %d elements", maxNodes)
			}
			if len(stack) == 1 && len(root.Keys) > 0 {
				return nil, errors.New("multiple root elements")
			}
			f := &frame{name: qualifiedName(t.Name), node: newMap()}
			for _, a := range t.Attr {
				f.node.set(attrPrefix+qualifiedName(a.Name), &Node{Kind: TextNode, Text: a.Value})
				f.hasAttrs = true
			}
			stack[len(stack)-1].hasChildren = true
			stack = append(stack, f)

		case xml.EndElement:
			name := qualifiedName(t.Name)
			if len(stack) < 2 || stack[len(stack)-1].name != name {
				return nil, fmt.Errorf("unexpected closing tag </%s>", name)
			}
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			stack[len(stack)-1].node.set(f.name, f.finish())

		case xml.CharData:
			if len(stack) > 1 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("unclosed element <%s>", stack[len(stack)-1].name)
	}
	if len(root.Keys) == 0 {
		return nil, errors.New("document has no root element")
	}
	return root, nil
}

func (f *frame) finish() *Node {
	text := strings.TrimSpace(f.text.String())
	if !f.hasChildren && !f.hasAttrs {
		return &Node{Kind: TextNode, Text: text}
	}
	if text != "" {
		f.node.set(textKey, &Node{Kind: TextNode, Text: text})
	}
	return f.node
}

func qualifiedName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// DocumentElement returns the name and node of the root element
func DocumentElement(root *Node) (string, *Node) {
	if root == nil || len(root.Keys) == 0 {
		return "", nil
	}
	return root.Keys[0], root.Fields[root.Keys[0]]
}
