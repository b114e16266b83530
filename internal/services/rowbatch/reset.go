package rowbatch

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
)

const resetLoadChunk = 200

// ResetRequest scopes a stuck-cell reset
type ResetRequest struct {
	TableID   string
	RowIDs    []string
	ColumnIDs []string
	// JobID limits the reset to cells written by that job; cells owned by
	// another job are left alone. Empty resets every in-flight cell.
	JobID string
}

// Resetter clears in-flight cell statuses left behind by cancelled or dead jobs
type Resetter struct {
	rows    interfaces.RowStorage
	batcher *Batcher
	logger  arbor.ILogger
}

// NewResetter creates a Resetter writing through batcher
func NewResetter(rows interfaces.RowStorage, batcher *Batcher, logger arbor.ILogger) *Resetter {
	return &Resetter{rows: rows, batcher: batcher, logger: logger}
}

// Reset clears in-flight cells in the requested columns and returns how many
// rows were rewritten. Rows without a matching cell are not written, so
// repeating the call is a no-op.
func (r *Resetter) Reset(ctx context.Context, req ResetRequest) (int, error) {
	if len(req.RowIDs) == 0 || len(req.ColumnIDs) == 0 {
		return 0, nil
	}

	changed := 0
	for start := 0; start < len(req.RowIDs); start += resetLoadChunk {
		end := start + resetLoadChunk
		if end > len(req.RowIDs) {
			end = len(req.RowIDs)
		}

		rows, err := r.rows.GetRows(ctx, req.TableID, req.RowIDs[start:end])
		if err != nil {
			return changed, fmt.Errorf("failed to load rows for reset: %w", err)
		}

		var patches []interfaces.RowPatch
		for _, row := range rows {
			if cells, ok := ResetCells(row.Cells, req.ColumnIDs, req.JobID); ok {
				patches = append(patches, interfaces.RowPatch{RowID: row.ID, Cells: cells})
			}
		}
		if len(patches) == 0 {
			continue
		}
		if err := r.batcher.ApplyPatches(ctx, patches); err != nil {
			return changed, fmt.Errorf("failed to write reset rows: %w", err)
		}
		changed += len(patches)
	}

	if changed > 0 {
		r.logger.Info().
			Str("table_id", req.TableID).
			Str("job_id", req.JobID).
			Int("rows", changed).
			Msg("Reset stuck cells")
	}
	return changed, nil
}

// ResetCells returns a copy of cells with the in-flight status of columnIDs
// cleared where jobID owns the cell, and whether anything changed. A value
// kept visible while the job was queued survives; a cell with no value is
// dropped.
func ResetCells(cells models.CellMap, columnIDs []string, jobID string) (models.CellMap, bool) {
	var result models.CellMap
	for _, columnID := range columnIDs {
		cell, ok := cells[columnID]
		if !ok || !cell.Status.IsInFlight() {
			continue
		}
		if jobID != "" && cell.JobID != "" && cell.JobID != jobID {
			continue
		}
		if result == nil {
			result = cells.Clone()
		}
		if cell.Value == nil {
			delete(result, columnID)
			continue
		}
		result[columnID] = models.CellValue{Value: cell.Value, Status: models.CellStatusNone}
	}
	if result == nil {
		return cells, false
	}
	return result, true
}
