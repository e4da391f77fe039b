package importer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/stockpilot-ai/platform/pkg/common/logger"
	"github.com/stockpilot-ai/platform/pkg/common/models"
)

// SidecarPayload is the mapping file written next to the data file before the
// worker spawns. Consumed exclusively by the bulk loader.
type SidecarPayload struct {
	ImportID       string            `json:"importId"`
	TenantID       string            `json:"tenantId"`
	ImportKind     models.ImportKind `json:"importKind"`
	ColumnMappings []SidecarMapping  `json:"columnMappings"`
}

type SidecarMapping struct {
	Source        string `json:"source"`
	MapsTo        string `json:"mapsTo"`
	IsCustomField bool   `json:"isCustomField"`
}

// SidecarPath derives the sidecar location from the data file's absolute
// path: always alongside it.
func SidecarPath(dataPath string) string {
	return dataPath + ".mapping.json"
}

func WriteSidecar(dataPath string, batch *ImportBatch, kind models.ImportKind, mappings []models.ColumnMapping) (string, error) {
	payload := SidecarPayload{
		ImportID:       batch.ID,
		TenantID:       batch.TenantID,
		ImportKind:     kind,
		ColumnMappings: make([]SidecarMapping, 0, len(mappings)),
	}
	for _, m := range mappings {
		payload.ColumnMappings = append(payload.ColumnMappings, SidecarMapping{
			Source:        m.SourceHeader,
			MapsTo:        toSnakeCase(m.TargetField),
			IsCustomField: m.IsCustomField,
		})
	}

	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding sidecar: %w", err)
	}

	path := SidecarPath(dataPath)
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return "", fmt.Errorf("writing sidecar: %w", err)
	}
	return path, nil
}

// RemoveSidecar is best-effort; a leftover sidecar is retry evidence, not a
// correctness problem.
func RemoveSidecar(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Log.WithError(err).WithField("path", path).Warn("failed to remove mapping sidecar")
	}
}

// toSnakeCase converts camelCase target fields (quantityPacks) to the
// snake_case the loader expects (quantity_packs). Already-snake input passes
// through.
func toSnakeCase(field string) string {
	var b strings.Builder
	for i, r := range field {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := rune(field[i-1])
				if prev != '_' && !unicode.IsUpper(prev) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == ' ' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
