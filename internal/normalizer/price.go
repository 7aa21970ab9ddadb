package normalizer

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// DefaultCurrency applies when neither the record nor its price names one
const DefaultCurrency = "TRY"

var currencyAliases = map[string]string{
	"TL":     "TRY",
	"YTL":    "TRY",
	"\u20ba": "TRY",
	"EURO":   "EUR",
	"\u20ac": "EUR",
	"DOLLAR": "USD",
	"DOLAR":  "USD",
	"US$":    "USD",
	"$":      "USD",
	"\u00a3": "GBP",
	"POUND":  "GBP",
}

var currencySymbols = []string{"₺", "€", "£", "US$", "$"}

// NormalizeCurrency maps aliases and symbols to ISO codes. Anything that is
// not a known alias or a 3-letter code yields "".
func NormalizeCurrency(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if code, ok := currencyAliases[s]; ok {
		return code
	}
	if len(s) == 3 && isASCIILetters(s) {
		return s
	}
	return ""
}

func isASCIILetters(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ParsePrice reads vendor price strings such as "199.90 TRY", "1.899,90 TL"
// or "₺1.899,90". The amount is rounded to 2 decimals and the currency,
// when present, is normalized. Negative or non-numeric input is rejected.
func ParsePrice(s string) (decimal.Decimal, string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, "", false
	}

	currency := currencyIn(s)

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		}
	}
	number := normalizeSeparators(b.String())
	if number == "" || strings.Trim(number, "-.") == "" {
		return decimal.Zero, currency, false
	}

	amount, err := decimal.NewFromString(number)
	if err != nil || amount.IsNegative() {
		return decimal.Zero, currency, false
	}
	return amount.Round(2), currency, true
}

func currencyIn(s string) string {
	for _, sym := range currencySymbols {
		if strings.Contains(s, sym) {
			return currencyAliases[sym]
		}
	}
	letters := strings.FieldsFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	for _, word := range letters {
		if code := NormalizeCurrency(word); code != "" {
			return code
		}
	}
	return ""
}

// normalizeSeparators rewrites a digits/separators string to a plain
// decimal. When both separators appear the last one is the decimal mark.
// A lone comma followed by one or two digits is a decimal comma. A lone dot
// followed by exactly three digits after a short non-zero integer part is a
// thousands separator.
func normalizeSeparators(s string) string {
	negative := strings.HasPrefix(s, "-")
	s = strings.ReplaceAll(s, "-", "")

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 >= 1 && len(s)-lastComma-1 <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		intPart := s[:lastDot]
		fracLen := len(s) - lastDot - 1
		switch {
		case strings.Count(s, ".") > 1:
			s = strings.ReplaceAll(s, ".", "")
		case fracLen == 3 && len(intPart) >= 1 && len(intPart) <= 3 && strings.TrimLeft(intPart, "0") != "":
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	if strings.Count(s, ".") > 1 {
		return ""
	}
	if negative {
		return "-" + s
	}
	return s
}

// priceValue resolves a raw price of any feed type
func priceValue(v any) (decimal.Decimal, string, bool) {
	switch p := v.(type) {
	case nil:
		return decimal.Zero, "", false
	case decimal.Decimal:
		if p.IsNegative() {
			return decimal.Zero, "", false
		}
		return p.Round(2), "", true
	case *decimal.Decimal:
		if p == nil {
			return decimal.Zero, "", false
		}
		return priceValue(*p)
	case string:
		return ParsePrice(p)
	case float64, float32:
		return priceValue(decimal.NewFromFloat(cast.ToFloat64(p)))
	}

	s, err := cast.ToStringE(v)
	if err != nil {
		return decimal.Zero, "", false
	}
	return ParsePrice(s)
}
