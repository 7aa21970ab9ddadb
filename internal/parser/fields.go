package parser

import (
	"strings"
)

// Canonical product fields filled by the generic lookup
const (
	FieldID          = "id"
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldSalePrice   = "sale_price"
	FieldPrice       = "price"
	FieldCurrency    = "currency"
	FieldImage       = "image"
	FieldURL         = "url"
	FieldCategory    = "category"
	FieldBrand       = "brand"
	FieldStock       = "stock"
)

// fieldOrder is also the claim order of the substring pass, so more
// specific fields come before the ones whose candidates they contain.
var fieldOrder = []string{
	FieldID,
	FieldTitle,
	FieldDescription,
	FieldSalePrice,
	FieldPrice,
	FieldCurrency,
	FieldImage,
	FieldURL,
	FieldCategory,
	FieldBrand,
	FieldStock,
}

// FieldTable maps a canonical field to the feed keys accepted for it,
// most preferred first.
type FieldTable map[string][]string

var genericFields = FieldTable{
	FieldID:          {"id", "product_id", "productid", "item_id", "sku", "stock_code", "stokkodu", "stok_kodu", "urun_id", "urunid", "urun_kodu", "urunkodu", "code", "kod", "barcode", "barkod"},
	FieldTitle:       {"title", "name", "product_name", "productname", "urun_adi", "urunadi", "baslik", "isim", "adi", "ad"},
	FieldDescription: {"description", "desc", "aciklama", "urun_aciklama", "detail", "details", "content", "summary"},
	FieldSalePrice:   {"sale_price", "saleprice", "discounted_price", "discount_price", "special_price", "indirimli_fiyat", "kampanyali_fiyat"},
	FieldPrice:       {"price", "fiyat", "satis_fiyati", "list_price", "regular_price", "piyasa_fiyati", "amount"},
	FieldCurrency:    {"currency", "currency_code", "para_birimi", "doviz", "doviz_tipi"},
	FieldImage:       {"image", "image_link", "image_url", "imageurl", "img", "picture", "photo", "main_image", "images", "resim", "gorsel", "resim_url"},
	FieldURL:         {"url", "link", "product_url", "producturl", "urun_url", "urun_linki", "permalink", "href"},
	FieldCategory:    {"category", "kategori", "category_name", "product_type", "categories", "kategoriler"},
	FieldBrand:       {"brand", "marka", "manufacturer", "uretici", "vendor"},
	FieldStock:       {"stock", "stock_status", "availability", "stok", "stok_durumu", "stock_quantity", "quantity", "qty", "inventory", "miktar"},
}

var googleFields = FieldTable{
	FieldID:          {"id", "item_group_id", "guid"},
	FieldTitle:       {"title"},
	FieldDescription: {"description", "summary", "content"},
	FieldSalePrice:   {"sale_price"},
	FieldPrice:       {"price"},
	FieldCurrency:    {"currency"},
	FieldImage:       {"image_link", "image", "additional_image_link"},
	FieldURL:         {"link", "url"},
	FieldCategory:    {"product_type", "google_product_category", "category"},
	FieldBrand:       {"brand"},
	FieldStock:       {"availability", "quantity"},
}

var facebookFields = FieldTable{
	FieldID:          {"id", "retailer_id", "content_id", "retailer_product_group_id"},
	FieldTitle:       {"title", "name"},
	FieldDescription: {"description", "rich_text_description", "short_description"},
	FieldSalePrice:   {"sale_price"},
	FieldPrice:       {"price"},
	FieldCurrency:    {"currency"},
	FieldImage:       {"image_link", "image_url", "image", "additional_image_link"},
	FieldURL:         {"link", "url"},
	FieldCategory:    {"product_type", "fb_product_category", "google_product_category", "category"},
	FieldBrand:       {"brand"},
	FieldStock:       {"availability", "inventory", "quantity_to_sell_on_facebook", "quantity"},
}

// Merge returns a copy of t with extra candidates placed in front of the
// built-in ones. Unknown canonical fields are ignored.
func (t FieldTable) Merge(extra map[string][]string) FieldTable {
	out := make(FieldTable, len(t))
	for field, candidates := range t {
		merged := make([]string, 0, len(extra[field])+len(candidates))
		merged = append(merged, extra[field]...)
		merged = append(merged, candidates...)
		out[field] = merged
	}
	return out
}

// minSubstringLen keeps two-letter candidates such as "id" from matching
// unrelated keys like "width".
const minSubstringLen = 3

// lookupFields resolves every canonical field against the flattened record.
// Exact and case-insensitive matches are tried for all fields before any
// substring match, and a key is claimed by at most one field.
func lookupFields(record []entry, table FieldTable) (map[string]*Node, map[string]bool) {
	found := make(map[string]*Node, len(fieldOrder))
	used := make(map[string]bool, len(record))

	index := make(map[string]int, len(record))
	for i, e := range record {
		if _, dup := index[e.norm]; !dup {
			index[e.norm] = i
		}
	}

	for _, field := range fieldOrder {
		for _, candidate := range table[field] {
			i, ok := index[normalizeKey(candidate)]
			if !ok || used[record[i].key] || record[i].value.IsEmpty() {
				continue
			}
			found[field] = record[i].value
			used[record[i].key] = true
			break
		}
	}

	for _, field := range fieldOrder {
		if _, ok := found[field]; ok {
			continue
		}
	candidates:
		for _, candidate := range table[field] {
			c := normalizeKey(candidate)
			if len(c) < minSubstringLen {
				continue
			}
			for _, e := range record {
				if used[e.key] || !strings.Contains(e.norm, c) || e.value.IsEmpty() {
					continue
				}
				found[field] = e.value
				used[e.key] = true
				break candidates
			}
		}
	}

	return found, used
}
