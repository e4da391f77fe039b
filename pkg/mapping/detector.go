package mapping

import (
	"strings"

	"github.com/stockpilot-ai/platform/pkg/common/models"
)

const (
	// A side must beat the other by this many matches to win outright;
	// anything closer is reported as KindBoth for the user to resolve.
	majorityMargin = 2

	confidenceHigh = 0.9
	confidenceLow  = 0.3
)

type DetectionResult struct {
	Kind           models.ImportKind `json:"kind"`
	Confidence     float64           `json:"confidence"`
	MatchedHeaders []string          `json:"matchedHeaders"`
}

type Detector struct {
	vocab Vocabulary
}

func NewDetector(vocab Vocabulary) *Detector {
	return &Detector{vocab: vocab}
}

// Detect scores headers against the inventory and order vocabularies. A clear
// majority yields that kind at high confidence; a mixed signal yields
// KindBoth; no matches at all falls back to inventory at low confidence.
func (d *Detector) Detect(headers []string) DetectionResult {
	var inventoryHits, orderHits int
	matched := make([]string, 0, len(headers))

	for _, header := range headers {
		normalized := normalizeHeader(header)
		if normalized == "" {
			continue
		}

		hitInventory := matchesAny(normalized, d.vocab.InventoryTerms)
		hitOrder := matchesAny(normalized, d.vocab.OrderTerms)

		if hitInventory {
			inventoryHits++
		}
		if hitOrder {
			orderHits++
		}
		if hitInventory || hitOrder {
			matched = append(matched, header)
		}
	}

	switch {
	case inventoryHits == 0 && orderHits == 0:
		return DetectionResult{Kind: models.KindInventory, Confidence: confidenceLow, MatchedHeaders: matched}
	case inventoryHits >= orderHits+majorityMargin:
		return DetectionResult{Kind: models.KindInventory, Confidence: scaleConfidence(inventoryHits, orderHits), MatchedHeaders: matched}
	case orderHits >= inventoryHits+majorityMargin:
		return DetectionResult{Kind: models.KindOrders, Confidence: scaleConfidence(orderHits, inventoryHits), MatchedHeaders: matched}
	default:
		return DetectionResult{Kind: models.KindBoth, Confidence: confidenceLow, MatchedHeaders: matched}
	}
}

func scaleConfidence(winner, loser int) float64 {
	total := winner + loser
	if total == 0 {
		return confidenceLow
	}
	ratio := float64(winner) / float64(total)
	if ratio > confidenceHigh {
		return confidenceHigh
	}
	return ratio
}

func normalizeHeader(header string) string {
	normalized := strings.ToLower(strings.TrimSpace(header))
	normalized = strings.ReplaceAll(normalized, "_", " ")
	return strings.Join(strings.Fields(normalized), " ")
}

func matchesAny(normalized string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(normalized, term) {
			return true
		}
	}
	return false
}
