package postgres

import (
	"context"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS enrich_rows (
	id         TEXT PRIMARY KEY,
	table_id   TEXT NOT NULL,
	cells      JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_enrich_rows_table ON enrich_rows (table_id, created_at);
`

func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize row schema: %w", err)
	}
	d.logger.Debug().Msg("Row schema initialized")
	return nil
}
