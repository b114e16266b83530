// Package rowbatch applies cell-map patches to many rows at once.
package rowbatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/enrich/internal/interfaces"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize         = 50
	DefaultParallelism       = 4
	DefaultFallbackChunkSize = 10
)

// Options sizes the statement groups sent to the row store
type Options struct {
	ChunkSize         int // Patches per statement group on the native transport
	Parallelism       int // Statement groups in flight on the native transport
	FallbackChunkSize int // Concurrent single-row writes on the fallback path
}

// Batcher replaces whole row cell maps, using the store's native batch
// transport when it has one and parallel single-row writes otherwise
type Batcher struct {
	rows    interfaces.RowStorage
	writer  interfaces.BatchRowWriter
	options Options
	logger  arbor.ILogger
}

// NewBatcher creates a Batcher over rows
func NewBatcher(rows interfaces.RowStorage, options Options, logger arbor.ILogger) *Batcher {
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.Parallelism <= 0 {
		options.Parallelism = DefaultParallelism
	}
	if options.FallbackChunkSize <= 0 {
		options.FallbackChunkSize = DefaultFallbackChunkSize
	}

	b := &Batcher{rows: rows, options: options, logger: logger}
	if writer, ok := rows.(interfaces.BatchRowWriter); ok {
		b.writer = writer
	}
	return b
}

// Native reports whether patches go through a multi-statement transport
func (b *Batcher) Native() bool {
	return b.writer != nil
}

// ApplyPatches writes every patch. Patches for the same row are coalesced to
// the last one in call order. Every group runs to completion; failures are
// joined into the returned error.
func (b *Batcher) ApplyPatches(ctx context.Context, patches []interfaces.RowPatch) error {
	patches = Coalesce(patches)
	if len(patches) == 0 {
		return nil
	}

	var err error
	if b.writer != nil {
		err = b.applyNative(ctx, patches)
	} else {
		err = b.applyFallback(ctx, patches)
	}
	if err != nil {
		b.logger.Warn().Err(err).Int("rows", len(patches)).Msg("Some row updates failed")
		return err
	}

	b.logger.Debug().Int("rows", len(patches)).Bool("native", b.writer != nil).Msg("Row patches applied")
	return nil
}

func (b *Batcher) applyNative(ctx context.Context, patches []interfaces.RowPatch) error {
	return runChunks(ctx, chunk(patches, b.options.ChunkSize), b.options.Parallelism, func(ctx context.Context, group []interfaces.RowPatch) error {
		return b.writer.UpdateRowCellsBatch(ctx, group)
	})
}

func (b *Batcher) applyFallback(ctx context.Context, patches []interfaces.RowPatch) error {
	var errs []error
	for _, group := range chunk(patches, b.options.FallbackChunkSize) {
		singles := chunk(group, 1)
		err := runChunks(ctx, singles, len(singles), func(ctx context.Context, one []interfaces.RowPatch) error {
			if err := b.rows.UpdateRowCells(ctx, one[0].RowID, one[0].Cells); err != nil {
				return fmt.Errorf("row %s: %w", one[0].RowID, err)
			}
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runChunks runs fn over every chunk with at most limit in flight and joins the failures
func runChunks(ctx context.Context, chunks [][]interfaces.RowPatch, limit int, fn func(context.Context, []interfaces.RowPatch) error) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, c := range chunks {
		g.Go(func() error {
			if err := fn(gCtx, c); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Coalesce keeps the last patch per row, preserving first-seen row order
func Coalesce(patches []interfaces.RowPatch) []interfaces.RowPatch {
	index := make(map[string]int, len(patches))
	result := make([]interfaces.RowPatch, 0, len(patches))
	for _, p := range patches {
		if i, ok := index[p.RowID]; ok {
			result[i] = p
			continue
		}
		index[p.RowID] = len(result)
		result = append(result, p)
	}
	return result
}

func chunk(patches []interfaces.RowPatch, size int) [][]interfaces.RowPatch {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]interfaces.RowPatch, 0, (len(patches)+size-1)/size)
	for start := 0; start < len(patches); start += size {
		end := start + size
		if end > len(patches) {
			end = len(patches)
		}
		chunks = append(chunks, patches[start:end])
	}
	return chunks
}
