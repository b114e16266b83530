package enrichment

import (
	"strings"

	"github.com/ternarybob/enrich/internal/models"
)

// RowResult is a generated response for one row plus its accounting
type RowResult struct {
	Text                string
	InputTokens         int
	OutputTokens        int
	TimeTakenMs         int64
	Cost                float64
	ForcedToFinishEarly bool
}

// TouchedColumns returns the target column followed by every bound output column
func TouchedColumns(config *models.EnrichmentConfig, targetColumnID string) []string {
	ids := []string{targetColumnID}
	for _, id := range config.OutputColumnIDs() {
		if id != targetColumnID {
			ids = append(ids, id)
		}
	}
	return ids
}

// MatchOutputFields looks up each configured output field in the structured
// data, matching key names case-insensitively. Fields with no matching key
// map to nil. The result is keyed by column ID.
func MatchOutputFields(data map[string]interface{}, fields []models.OutputField) map[string]interface{} {
	lowered := make(map[string]interface{}, len(data))
	for k, v := range data {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, exists := lowered[key]; !exists {
			lowered[key] = v
		}
	}

	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if f.ColumnID == "" {
			continue
		}
		out[f.ColumnID] = lowered[strings.ToLower(strings.TrimSpace(f.Name))]
	}
	return out
}

// ApplySuccess parses result and writes complete cells for the target and
// every output column into cells.
func ApplySuccess(cells models.CellMap, config *models.EnrichmentConfig, targetColumnID, jobID string, result RowResult) ParsedResponse {
	parsed := ParseResponse(result.Text)

	target := models.NewCompleteCell(parsed.DisplayValue, jobID)
	target.EnrichmentData = parsed.StructuredData
	target.RawResponse = result.Text
	target.Metadata = &models.CellMetadata{
		InputTokens:         result.InputTokens,
		OutputTokens:        result.OutputTokens,
		TimeTakenMs:         result.TimeTakenMs,
		TotalCost:           result.Cost,
		ForcedToFinishEarly: result.ForcedToFinishEarly,
	}
	cells[targetColumnID] = target

	for columnID, value := range MatchOutputFields(parsed.StructuredData, config.OutputFields) {
		if columnID == targetColumnID {
			continue
		}
		cells[columnID] = models.NewCompleteCell(value, jobID)
	}
	return parsed
}

// ApplyValue writes a single computed value to the target column
func ApplyValue(cells models.CellMap, targetColumnID, jobID string, value interface{}, timeTakenMs int64) {
	cell := models.NewCompleteCell(value, jobID)
	cell.Metadata = &models.CellMetadata{TimeTakenMs: timeTakenMs}
	cells[targetColumnID] = cell
}

// ApplyError writes an error cell to the target and every output column
func ApplyError(cells models.CellMap, config *models.EnrichmentConfig, targetColumnID, jobID, message string) {
	for _, columnID := range TouchedColumns(config, targetColumnID) {
		cells[columnID] = models.NewErrorCell(message, jobID)
	}
}

// ApplyStatus marks the target and every output column with an in-flight status
func ApplyStatus(cells models.CellMap, config *models.EnrichmentConfig, targetColumnID, jobID string, status models.CellStatus) {
	for _, columnID := range TouchedColumns(config, targetColumnID) {
		cells[columnID] = models.NewStatusCell(cells[columnID], status, jobID)
	}
}
