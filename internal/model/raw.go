package model

// RawProduct is the parser-side view of one catalog record before
// normalization. Values typed as any hold whatever the feed carried
// (string, number, decimal, nested map) and are resolved by the normalizer.
type RawProduct struct {
	ID          any
	Title       string
	Description string
	Price       any
	SalePrice   any
	Currency    string
	ImageURL    string
	ProductURL  string
	Category    string
	Brand       string
	Stock       any
	Attributes  map[string]any
}
