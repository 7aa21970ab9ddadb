package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/suteetoe/feedsync/internal/model"
)

// IDStrategy decides how a missing product identifier is synthesized
type IDStrategy string

const (
	// IDByIndex yields product-{n}, n being the 1-based record position
	IDByIndex IDStrategy = "index"
	// IDByHash yields a digest of title and product URL
	IDByHash IDStrategy = "hash"
)

// Stats counts what happened to the records of one Normalize call
type Stats struct {
	Input      int `json:"input"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
	Output     int `json:"output"`
}

// Normalize maps raw records to canonical products, drops invalid ones and
// removes duplicate identifiers. The result carries no tenant or feed id.
func Normalize(raws []model.RawProduct, strategy IDStrategy) ([]model.Product, Stats) {
	stats := Stats{Input: len(raws)}

	valid := make([]model.Product, 0, len(raws))
	for i, raw := range raws {
		p := NormalizeProduct(raw, i+1, strategy)
		if !IsValid(p) {
			stats.Invalid++
			continue
		}
		valid = append(valid, p)
	}

	out := Dedupe(valid)
	stats.Duplicates = len(valid) - len(out)
	stats.Output = len(out)
	return out, stats
}

// NormalizeProduct cleans one record. index is its 1-based position in the
// feed, used when the identifier has to be synthesized.
func NormalizeProduct(raw model.RawProduct, index int, strategy IDStrategy) model.Product {
	p := model.Product{
		Title:       CleanText(raw.Title, MaxTitleLength),
		Description: CleanText(raw.Description, MaxDescriptionLength),
		Category:    CleanText(raw.Category, MaxCategoryLength),
		Brand:       CleanText(raw.Brand, MaxBrandLength),
		ImageURL:    NormalizeURL(raw.ImageURL),
		ProductURL:  NormalizeURL(raw.ProductURL),
		StockStatus: ParseStockStatus(raw.Stock),
		Attributes:  NormalizeAttributes(raw.Attributes),
		IsActive:    true,
	}

	price, priceCurrency, ok := priceValue(raw.Price)
	if ok {
		p.Price = price
	}
	if sale, _, ok := priceValue(raw.SalePrice); ok && sale.IsPositive() && sale.LessThan(p.Price) {
		p.SalePrice = &sale
	}

	p.Currency = NormalizeCurrency(raw.Currency)
	if p.Currency == "" {
		p.Currency = priceCurrency
	}
	if p.Currency == "" {
		p.Currency = DefaultCurrency
	}

	p.ExternalID = truncate(strings.TrimSpace(cast.ToString(raw.ID)), MaxIDLength)
	if p.ExternalID == "" {
		p.ExternalID = SynthesizeID(p, index, strategy)
	}
	return p
}

// SynthesizeID builds a stable identifier for a record that has none
func SynthesizeID(p model.Product, index int, strategy IDStrategy) string {
	if strategy == IDByIndex {
		return fmt.Sprintf("product-%d", index)
	}
	sum := sha256.Sum256([]byte(p.Title + "|" + p.ProductURL))
	return "p-" + hex.EncodeToString(sum[:])[:24]
}

// IsValid reports whether p has an identifier, a title and a positive price
func IsValid(p model.Product) bool {
	return p.ExternalID != "" && p.Title != "" && p.Price.GreaterThan(decimal.Zero)
}

// CompletenessScore weighs how much of a product is filled in
func CompletenessScore(p model.Product) int {
	score := 0
	if p.Title != "" {
		score += 2
	}
	if p.Description != "" {
		score++
	}
	if p.Price.IsPositive() {
		score += 2
	}
	if p.ImageURL != "" {
		score += 2
	}
	if p.ProductURL != "" {
		score++
	}
	if p.Category != "" {
		score++
	}
	if p.Brand != "" {
		score++
	}
	return score
}

// Dedupe keeps one product per identifier, the one with the highest
// completeness score. Ties keep the first seen and output order follows
// first appearance.
func Dedupe(products []model.Product) []model.Product {
	out := make([]model.Product, 0, len(products))
	seen := make(map[string]int, len(products))
	for _, p := range products {
		i, ok := seen[p.ExternalID]
		if !ok {
			seen[p.ExternalID] = len(out)
			out = append(out, p)
			continue
		}
		if CompletenessScore(p) > CompletenessScore(out[i]) {
			out[i] = p
		}
	}
	return out
}
