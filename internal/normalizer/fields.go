package normalizer

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"github.com/suteetoe/feedsync/internal/model"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gorm.io/datatypes"
)

// Length caps, in characters
const (
	MaxIDLength          = 255
	MaxTitleLength       = 500
	MaxDescriptionLength = 5000
	MaxCategoryLength    = 255
	MaxBrandLength       = 255
	MaxAttrKeyLength     = 50
	MaxAttrValueLength   = 500
)

// CleanText trims, collapses internal whitespace and caps s at max runes
func CleanText(s string, max int) string {
	return truncate(strings.Join(strings.Fields(s), " "), max)
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max]))
}

// NormalizeURL strips whitespace and makes protocol-relative and bare-host
// URLs absolute over https. Root-relative paths are returned unchanged.
func NormalizeURL(s string) string {
	s = strings.Join(strings.Fields(s), "")
	lower := strings.ToLower(s)
	switch {
	case s == "":
		return ""
	case strings.HasPrefix(s, "//"):
		return "https:" + s
	case strings.HasPrefix(s, "/"):
		return s
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return s
	case looksLikeHost(s):
		return "https://" + s
	}
	return s
}

func looksLikeHost(s string) bool {
	host := s
	slash := strings.IndexByte(s, '/')
	if slash >= 0 {
		host = s[:slash]
	}
	if !strings.Contains(host, ".") || strings.ContainsAny(host, ":@?#") {
		return false
	}
	if slash < 0 && !strings.HasPrefix(strings.ToLower(host), "www.") {
		return false
	}
	for _, r := range host {
		if !(r == '.' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	tld := host[strings.LastIndexByte(host, '.')+1:]
	return len(tld) >= 2 && strings.IndexFunc(tld, func(r rune) bool { return !unicode.IsLetter(r) }) < 0
}

var (
	preorderMarkers   = []string{"preorder", "pre-order", "pre_order", "backorder", "back-order", "back_order"}
	outOfStockMarkers = []string{"out", "yok", "tükendi", "tukendi"}
)

// ParseStockStatus maps availability text or a stock quantity to a status.
// Anything unrecognized counts as in stock.
func ParseStockStatus(v any) model.StockStatus {
	switch s := v.(type) {
	case nil:
		return model.StockInStock
	case model.StockStatus:
		switch s {
		case model.StockInStock, model.StockOutOfStock, model.StockPreorder:
			return s
		}
		return ParseStockStatus(string(s))
	case string:
		return stockFromText(s)
	case bool:
		if s {
			return model.StockInStock
		}
		return model.StockOutOfStock
	}

	qty, err := cast.ToFloat64E(v)
	if err != nil {
		return stockFromText(cast.ToString(v))
	}
	return stockFromQuantity(qty)
}

func stockFromText(s string) model.StockStatus {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return model.StockInStock
	}
	for _, m := range preorderMarkers {
		if strings.Contains(s, m) {
			return model.StockPreorder
		}
	}
	if qty, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64); err == nil {
		return stockFromQuantity(qty)
	}
	for _, m := range outOfStockMarkers {
		if strings.Contains(s, m) {
			return model.StockOutOfStock
		}
	}
	switch s {
	case "false", "no", "none", "hayir", "hayır":
		return model.StockOutOfStock
	}
	return model.StockInStock
}

func stockFromQuantity(qty float64) model.StockStatus {
	if qty <= 0 {
		return model.StockOutOfStock
	}
	return model.StockInStock
}

var keyTransliterator = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeAttrKey lowercases and transliterates key to ASCII and keeps
// only [a-z0-9_]. Separators become underscores.
func NormalizeAttrKey(key string) string {
	key = strings.NewReplacer("ı", "i", "İ", "i").Replace(key)
	if ascii, _, err := transform.String(keyTransliterator, key); err == nil {
		key = ascii
	}
	key = strings.ToLower(key)

	var b strings.Builder
	lastUnderscore := false
	for _, r := range key {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == ':' || r == '.' || r == '/':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if len(out) > MaxAttrKeyLength {
		out = strings.TrimRight(out[:MaxAttrKeyLength], "_")
	}
	return out
}

// NormalizeAttributes cleans keys and values of a free-form attribute map.
// Nested values are stored as JSON strings; nil and empty values are
// dropped. When two keys clean to the same name the one sorting first wins.
func NormalizeAttributes(attrs map[string]any) datatypes.JSONMap {
	if len(attrs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(datatypes.JSONMap, len(attrs))
	for _, k := range keys {
		key := NormalizeAttrKey(k)
		if key == "" {
			continue
		}
		if _, taken := out[key]; taken {
			continue
		}
		if v, ok := attrValue(attrs[k]); ok {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func attrValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		s := truncate(strings.TrimSpace(val), MaxAttrValueLength)
		return s, s != ""
	case map[string]any, []any, map[string]string, []string:
		b, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(b), true
	case decimal.Decimal:
		return val.String(), true
	}

	s, err := cast.ToStringE(v)
	if err != nil {
		b, jerr := json.Marshal(v)
		if jerr != nil {
			return "", false
		}
		s = string(b)
	}
	s = truncate(strings.TrimSpace(s), MaxAttrValueLength)
	return s, s != ""
}
