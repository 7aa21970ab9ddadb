package parser

import (
	"bytes"
	"strings"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/internal/normalizer"
)

const googleNamespacePrefix = "g"

// googleMapped are the g: elements consumed into product fields; every
// other g: element is kept as an attribute.
var googleMapped = map[string]bool{
	"id":                      true,
	"title":                   true,
	"description":             true,
	"link":                    true,
	"image_link":              true,
	"price":                   true,
	"sale_price":              true,
	"availability":            true,
	"brand":                   true,
	"product_type":            true,
	"google_product_category": true,
}

// GoogleParser reads Google Merchant RSS 2.0 and Atom feeds
type GoogleParser struct {
	fallback *GenericParser
}

// NewGoogleParser creates a Google Merchant parser. Documents that are
// neither RSS nor Atom are handed to a generic parser using the Google
// field names.
func NewGoogleParser(maxDepth, maxNodes int, extra map[string][]string) *GoogleParser {
	return &GoogleParser{
		fallback: &GenericParser{
			format:   model.FeedFormatGoogle,
			name:     "google",
			fields:   googleFields.Merge(extra),
			maxDepth: maxDepth,
			maxNodes: maxNodes,
		},
	}
}

// Parse implements Parser. The document is checked for well-formedness
// first so malformed input fails the same way for every strategy.
func (p *GoogleParser) Parse(raw []byte) (*Result, error) {
	root, err := ParseTree(raw, p.fallback.maxNodes)
	if err != nil {
		return nil, &ParseError{Parser: "google", Err: err}
	}

	if name, _ := DocumentElement(root); !isSyndication(name) {
		result := p.fallback.parseTree(root)
		result.Metadata.Warnings = append(result.Metadata.Warnings, "not an RSS or Atom document, read with generic detection")
		return result, nil
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParseError{Parser: "google", Err: err}
	}

	result := &Result{
		Metadata: Metadata{
			Format:        model.FeedFormatGoogle,
			Parser:        "google",
			ContainerPath: containerPathFor(feed),
			FeedTitle:     feed.Title,
			FeedLink:      feed.Link,
			IDStrategy:    normalizer.IDByIndex,
		},
	}
	for _, item := range feed.Items {
		result.Products = append(result.Products, googleProduct(item))
	}
	result.Metadata.ItemCount = len(result.Products)
	return result, nil
}

func isSyndication(rootName string) bool {
	switch strings.ToLower(localName(rootName)) {
	case "rss", "feed", "rdf":
		return true
	}
	return false
}

func containerPathFor(feed *gofeed.Feed) string {
	if feed.FeedType == "atom" {
		return "feed.entry"
	}
	return "rss.channel.item"
}

func googleProduct(item *gofeed.Item) model.RawProduct {
	g := googleExtensions(item)
	value := func(name string) string {
		if exts := g[name]; len(exts) > 0 {
			return strings.TrimSpace(exts[0].Value)
		}
		return ""
	}
	firstOf := func(values ...string) string {
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
		return ""
	}

	rp := model.RawProduct{
		Title:       firstOf(value("title"), item.Title),
		Description: StripHTML(firstOf(value("description"), item.Description, item.Content)),
		ProductURL:  firstOf(value("link"), item.Link),
		Brand:       value("brand"),
		Category:    firstOf(value("product_type"), value("google_product_category"), firstCategory(item)),
	}

	if id := firstOf(value("id"), item.GUID); id != "" {
		rp.ID = id
	}

	rp.ImageURL = value("image_link")
	if rp.ImageURL == "" && item.Image != nil {
		rp.ImageURL = item.Image.URL
	}
	if rp.ImageURL == "" {
		for _, enc := range item.Enclosures {
			if strings.HasPrefix(enc.Type, "image/") {
				rp.ImageURL = enc.URL
				break
			}
		}
	}

	if raw := value("price"); raw != "" {
		if price, currency, ok := normalizer.ParsePrice(raw); ok {
			rp.Price = price
			rp.Currency = currency
		} else {
			rp.Price = raw
		}
	}
	if raw := value("sale_price"); raw != "" {
		if price, currency, ok := normalizer.ParsePrice(raw); ok {
			rp.SalePrice = price
			if rp.Currency == "" {
				rp.Currency = currency
			}
		}
	}
	if availability := value("availability"); availability != "" {
		rp.Stock = normalizer.ParseStockStatus(availability)
	}

	for name, exts := range g {
		if googleMapped[name] || len(exts) == 0 {
			continue
		}
		v := extensionValue(exts)
		if v == nil {
			continue
		}
		if rp.Attributes == nil {
			rp.Attributes = make(map[string]any)
		}
		rp.Attributes[name] = v
	}

	return rp
}

// googleExtensions returns the item's Google Merchant elements. Feeds that
// bind the namespace to a prefix other than g are searched as well.
func googleExtensions(item *gofeed.Item) map[string][]ext.Extension {
	if g, ok := item.Extensions[googleNamespacePrefix]; ok {
		return g
	}
	merged := make(map[string][]ext.Extension)
	for _, byName := range item.Extensions {
		for name, exts := range byName {
			if _, ok := merged[name]; !ok {
				merged[name] = exts
			}
		}
	}
	return merged
}

// extensionValue converts repeated or nested extension elements to plain
// values, dropping empty ones.
func extensionValue(exts []ext.Extension) any {
	values := make([]any, 0, len(exts))
	for _, e := range exts {
		if v := singleExtension(e); v != nil {
			values = append(values, v)
		}
	}
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return values
	}
}

func singleExtension(e ext.Extension) any {
	if len(e.Children) == 0 {
		if v := strings.TrimSpace(e.Value); v != "" {
			return v
		}
		return nil
	}
	out := make(map[string]any, len(e.Children))
	for name, children := range e.Children {
		if v := extensionValue(children); v != nil {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstCategory(item *gofeed.Item) string {
	if len(item.Categories) > 0 {
		return item.Categories[0]
	}
	return ""
}
