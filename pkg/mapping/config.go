package mapping

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Vocabulary holds the header terms that indicate each import kind plus the
// generic synonym rules used for mapping suggestion. Loaded from YAML when a
// path is configured, otherwise the built-in defaults apply.
type Vocabulary struct {
	InventoryTerms []string          `yaml:"inventory_terms" json:"inventory_terms"`
	OrderTerms     []string          `yaml:"order_terms" json:"order_terms"`
	Synonyms       map[string]string `yaml:"synonyms" json:"synonyms"`
}

func LoadVocabulary(path string) (Vocabulary, error) {
	if path == "" {
		return DefaultVocabulary(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultVocabulary(), err
	}

	var vocab Vocabulary
	if err := yaml.Unmarshal(content, &vocab); err != nil {
		return Vocabulary{}, err
	}

	if len(vocab.InventoryTerms) == 0 && len(vocab.OrderTerms) == 0 {
		return Vocabulary{}, errors.New("no detection terms configured")
	}

	if vocab.Synonyms == nil {
		vocab.Synonyms = DefaultVocabulary().Synonyms
	}

	return vocab, nil
}

func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		InventoryTerms: []string{
			"sku", "stock", "on hand", "on-hand", "qty", "quantity", "reorder",
			"warehouse", "bin", "unit cost", "pack size", "upc", "barcode",
		},
		OrderTerms: []string{
			"order", "order id", "order date", "ship date", "customer",
			"line total", "order qty", "invoice", "po number", "ship to",
		},
		Synonyms: map[string]string{
			"sku":           "sku",
			"item":          "sku",
			"item number":   "sku",
			"product code":  "sku",
			"upc":           "upc",
			"barcode":       "upc",
			"description":   "description",
			"product name":  "description",
			"qty":           "quantity",
			"quantity":      "quantity",
			"on hand":       "quantity_on_hand",
			"on-hand":       "quantity_on_hand",
			"unit cost":     "unit_cost",
			"cost":          "unit_cost",
			"price":         "unit_price",
			"unit price":    "unit_price",
			"reorder point": "reorder_point",
			"warehouse":     "warehouse",
			"bin":           "bin_location",
			"order id":      "order_number",
			"order number":  "order_number",
			"order date":    "order_date",
			"ship date":     "ship_date",
			"customer":      "customer_name",
			"customer name": "customer_name",
			"po number":     "po_number",
			"line total":    "line_total",
		},
	}
}
