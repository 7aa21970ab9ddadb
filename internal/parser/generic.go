package parser

import (
	"strings"

	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/internal/normalizer"
)

// containerPaths are tried in order before falling back to detection
var containerPaths = [][]string{
	{"rss", "channel", "item"},
	{"feed", "entry"},
	{"products", "product"},
	{"urunler", "urun"},
	{"catalog", "products", "product"},
	{"catalog", "product"},
	{"root", "products", "product"},
	{"root", "urunler", "urun"},
	{"root", "product"},
	{"root", "item"},
	{"data", "products", "product"},
	{"xml", "products", "product"},
	{"xml", "urunler", "urun"},
	{"items", "item"},
	{"products", "item"},
	{"urunler", "product"},
	{"channel", "item"},
	{"shop", "offers", "offer"},
	{"yml_catalog", "shop", "offers", "offer"},
}

// productSignals are the key groups the detector looks for in a candidate
// record; a list qualifies when its first record matches two groups.
var productSignals = [][]string{
	{"id", "sku", "code", "kod"},
	{"title", "name", "baslik", "isim"},
	{"price", "fiyat"},
	{"image", "img", "resim", "gorsel", "picture"},
	{"url", "link"},
}

const minProductSignals = 2

// GenericParser extracts products from documents of unknown shape
type GenericParser struct {
	format   model.FeedFormat
	name     string
	fields   FieldTable
	maxDepth int
	maxNodes int
}

// NewGenericParser creates a parser using the built-in generic field table
// with extra candidates merged in front.
func NewGenericParser(maxDepth, maxNodes int, extra map[string][]string) *GenericParser {
	return &GenericParser{
		format:   model.FeedFormatCustom,
		name:     "generic",
		fields:   genericFields.Merge(extra),
		maxDepth: maxDepth,
		maxNodes: maxNodes,
	}
}

// NewFacebookParser is the generic parser driven by the Facebook catalog
// field table.
func NewFacebookParser(maxDepth, maxNodes int, extra map[string][]string) *GenericParser {
	return &GenericParser{
		format:   model.FeedFormatFacebook,
		name:     "facebook",
		fields:   facebookFields.Merge(extra),
		maxDepth: maxDepth,
		maxNodes: maxNodes,
	}
}

// Parse implements Parser
func (p *GenericParser) Parse(raw []byte) (*Result, error) {
	root, err := ParseTree(raw, p.maxNodes)
	if err != nil {
		return nil, &ParseError{Parser: p.name, Err: err}
	}
	return p.parseTree(root), nil
}

func (p *GenericParser) parseTree(root *Node) *Result {
	result := &Result{
		Metadata: Metadata{
			Format:     p.format,
			Parser:     p.name,
			IDStrategy: normalizer.IDByHash,
		},
	}

	if channel := root.Lookup("rss").Lookup("channel"); channel != nil {
		result.Metadata.FeedTitle = channel.Lookup("title").FirstText()
		result.Metadata.FeedLink = channel.Lookup("link").FirstText()
	}

	items, path := findContainer(root, p.maxDepth)
	result.Metadata.ContainerPath = path
	for _, item := range items {
		if item.Kind != MapNode {
			continue
		}
		result.Products = append(result.Products, p.extract(item))
	}
	result.Metadata.ItemCount = len(result.Products)

	campaigns, err := extractCampaigns(root, p.maxDepth)
	if err != nil {
		result.Metadata.Warnings = append(result.Metadata.Warnings, err.Error())
	}
	result.Campaigns = campaigns

	return result
}

func findContainer(root *Node, maxDepth int) ([]*Node, string) {
	for _, path := range containerPaths {
		node := root
		for _, segment := range path {
			node = node.Lookup(segment)
		}
		if items := node.AsList(); len(items) > 0 && items[0].Kind == MapNode {
			return items, strings.Join(path, ".")
		}
	}
	return detectProductList(root, nil, maxDepth)
}

// detectProductList walks the tree depth first, in document order, for the
// first list of records that look like products.
func detectProductList(n *Node, path []string, depthLeft int) ([]*Node, string) {
	if n == nil || n.Kind != MapNode || depthLeft < 0 {
		return nil, ""
	}
	for _, key := range n.Keys {
		if isMetaKey(key) || campaignContainers[normalizeKey(key)] != "" {
			continue
		}
		child := n.Fields[key]
		childPath := append(append([]string(nil), path...), key)

		if child.Kind == ListNode && len(child.Items) > 0 && looksLikeProduct(child.Items[0]) {
			return child.Items, strings.Join(childPath, ".")
		}

		next := child
		if child.Kind == ListNode && len(child.Items) > 0 {
			next = child.Items[0]
		}
		if items, p := detectProductList(next, childPath, depthLeft-1); items != nil {
			return items, p
		}
	}
	return nil, ""
}

func looksLikeProduct(n *Node) bool {
	if n == nil || n.Kind != MapNode {
		return false
	}
	matched := 0
	for _, group := range productSignals {
		if keysContainAny(n.Keys, group) {
			matched++
		}
	}
	return matched >= minProductSignals
}

func keysContainAny(keys []string, tokens []string) bool {
	for _, k := range keys {
		if isMetaKey(k) {
			continue
		}
		nk := normalizeKey(k)
		for _, t := range tokens {
			if strings.Contains(nk, t) {
				return true
			}
		}
	}
	return false
}

type entry struct {
	key   string
	norm  string
	value *Node
}

// flatten turns a record into its key/value entries. Attributes of the
// record element take part too, so <product id="7"> yields an id entry.
func flatten(record *Node) []entry {
	out := make([]entry, 0, len(record.Keys))
	for _, k := range record.Keys {
		if k == textKey || strings.HasPrefix(strings.ToLower(strings.TrimPrefix(k, attrPrefix)), "xmlns") {
			continue
		}
		out = append(out, entry{key: k, norm: normalizeKey(k), value: collapse(record.Fields[k])})
	}
	return out
}

// collapse resolves nested single-text elements to their text
func collapse(n *Node) *Node {
	if n == nil || n.Kind != MapNode {
		return n
	}
	var only *Node
	count := 0
	for _, k := range n.Keys {
		if strings.HasPrefix(k, attrPrefix) {
			continue
		}
		count++
		only = n.Fields[k]
	}
	if count != 1 {
		return n
	}
	if c := collapse(only); c.Kind == TextNode {
		return c
	}
	return n
}

func (p *GenericParser) extract(record *Node) model.RawProduct {
	entries := flatten(record)
	found, used := lookupFields(entries, p.fields)

	text := func(field string) string {
		return strings.TrimSpace(found[field].FirstText())
	}

	rp := model.RawProduct{
		Title:      text(FieldTitle),
		Currency:   text(FieldCurrency),
		ImageURL:   text(FieldImage),
		ProductURL: text(FieldURL),
		Category:   text(FieldCategory),
		Brand:      text(FieldBrand),
	}
	if v := text(FieldID); v != "" {
		rp.ID = v
	}
	if v := text(FieldPrice); v != "" {
		rp.Price = v
	}
	if v := text(FieldSalePrice); v != "" {
		rp.SalePrice = v
	}
	if v := text(FieldStock); v != "" {
		rp.Stock = v
	}
	if desc := text(FieldDescription); desc != "" {
		rp.Description = StripHTML(desc)
	}

	for _, e := range entries {
		if used[e.key] || isMetaKey(e.key) || e.value.IsEmpty() {
			continue
		}
		if rp.Attributes == nil {
			rp.Attributes = make(map[string]any)
		}
		key := localName(e.key)
		if e.value.Kind == TextNode {
			rp.Attributes[key] = e.value.Text
		} else {
			rp.Attributes[key] = e.value.Interface()
		}
	}

	return rp
}
