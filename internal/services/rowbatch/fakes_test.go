package rowbatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/enrich/internal/interfaces"
	"github.com/ternarybob/enrich/internal/models"
)

// memRows is an in-memory RowStorage with per-row writes only
type memRows struct {
	mu      sync.Mutex
	rows    map[string]*models.Row
	writes  int
	failIDs map[string]bool
}

func newMemRows(rows ...*models.Row) *memRows {
	m := &memRows{rows: map[string]*models.Row{}, failIDs: map[string]bool{}}
	for _, r := range rows {
		m.rows[r.ID] = r
	}
	return m
}

func (m *memRows) SaveRow(ctx context.Context, row *models.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.ID] = row
	return nil
}

func (m *memRows) GetRow(ctx context.Context, id string) (*models.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("row %s: %w", id, interfaces.ErrNotFound)
	}
	copied := *row
	copied.Cells = row.Cells.Clone()
	return &copied, nil
}

func (m *memRows) GetRows(ctx context.Context, tableID string, rowIDs []string) ([]*models.Row, error) {
	var out []*models.Row
	for _, id := range rowIDs {
		row, err := m.GetRow(ctx, id)
		if err != nil {
			continue
		}
		if tableID != "" && row.TableID != tableID {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *memRows) ListRows(ctx context.Context, tableID string) ([]*models.Row, error) {
	return nil, nil
}

func (m *memRows) UpdateRowCells(ctx context.Context, rowID string, cells models.CellMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIDs[rowID] {
		return fmt.Errorf("write refused")
	}
	m.writes++
	if row, ok := m.rows[rowID]; ok {
		row.Cells = cells
	}
	return nil
}

func (m *memRows) DeleteRow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memRows) cells(id string) models.CellMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Cells
}

// batchRows adds a native multi-statement transport to memRows
type batchRows struct {
	*memRows
	groups [][]interfaces.RowPatch
}

func (b *batchRows) UpdateRowCellsBatch(ctx context.Context, patches []interfaces.RowPatch) error {
	b.mu.Lock()
	group := make([]interfaces.RowPatch, len(patches))
	copy(group, patches)
	b.groups = append(b.groups, group)
	b.mu.Unlock()
	for _, p := range patches {
		if err := b.UpdateRowCells(ctx, p.RowID, p.Cells); err != nil {
			return err
		}
	}
	return nil
}
