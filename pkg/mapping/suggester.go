package mapping

import (
	"context"
	"strings"

	"github.com/stockpilot-ai/platform/pkg/common/logger"
	"github.com/stockpilot-ai/platform/pkg/common/models"
)

// CorrectionSource is the slice of the repository the suggester needs; tests
// substitute a fake.
type CorrectionSource interface {
	ForTenant(ctx context.Context, tenantID string) (map[string]string, error)
}

type Suggester struct {
	vocab       Vocabulary
	corrections CorrectionSource
}

func NewSuggester(vocab Vocabulary, corrections CorrectionSource) *Suggester {
	return &Suggester{vocab: vocab, corrections: corrections}
}

// SuggestMapping applies the generic synonym rules first, then overlays any
// confirmed corrections for the tenant; a previously corrected header always
// wins over the synonym rule. Headers with no rule and no correction become
// custom fields named after the header.
func (s *Suggester) SuggestMapping(ctx context.Context, headers []string, kind models.ImportKind, tenantID string, sampleRows []map[string]string) []models.ColumnMapping {
	confirmed := map[string]string{}
	if s.corrections != nil && tenantID != "" {
		loaded, err := s.corrections.ForTenant(ctx, tenantID)
		if err != nil {
			// Suggestion quality degrades to the generic rules; never a failure.
			logger.Log.WithError(err).WithField("tenant_id", tenantID).Warn("failed to load mapping corrections")
		} else {
			confirmed = loaded
		}
	}

	out := make([]models.ColumnMapping, 0, len(headers))
	for _, header := range headers {
		normalized := normalizeHeader(header)
		if normalized == "" || columnEmpty(header, sampleRows) {
			continue
		}

		if field, ok := confirmed[normalized]; ok {
			out = append(out, models.ColumnMapping{SourceHeader: header, TargetField: field})
			continue
		}

		if field, ok := s.lookupSynonym(normalized); ok {
			out = append(out, models.ColumnMapping{SourceHeader: header, TargetField: field})
			continue
		}

		out = append(out, models.ColumnMapping{
			SourceHeader:  header,
			TargetField:   snakeCase(normalized),
			IsCustomField: true,
		})
	}

	return out
}

func (s *Suggester) lookupSynonym(normalized string) (string, bool) {
	if field, ok := s.vocab.Synonyms[normalized]; ok {
		return field, true
	}
	// Fall back to the longest synonym contained in the header, so
	// "Qty Ordered" still lands on quantity.
	best := ""
	bestLen := 0
	for term, field := range s.vocab.Synonyms {
		if strings.Contains(normalized, term) && len(term) > bestLen {
			best = field
			bestLen = len(term)
		}
	}
	return best, best != ""
}

// columnEmpty reports whether every sampled row has a blank value for the
// header. Without samples no column is considered empty.
func columnEmpty(header string, sampleRows []map[string]string) bool {
	if len(sampleRows) == 0 {
		return false
	}
	for _, row := range sampleRows {
		if strings.TrimSpace(row[header]) != "" {
			return false
		}
	}
	return true
}

func snakeCase(normalized string) string {
	return strings.Join(strings.Fields(normalized), "_")
}
