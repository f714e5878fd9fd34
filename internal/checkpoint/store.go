// Package checkpoint persists ingestion resume markers keyed by
// (venue, symbol, dataType).
package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/keelhq/keel/internal/schema"
)

// Store is the durable checkpoint contract. Backends are interchangeable;
// selection happens at wiring time.
//
// Save is an upsert and must keep lastTimestamp monotonically non-decreasing
// per key while the status is running or completed. A failed checkpoint may
// leave lastTimestamp unchanged but must carry errorMessage.
type Store interface {
	Get(ctx context.Context, venue, symbol string, dataType schema.DataType) (schema.Checkpoint, bool, error)
	Save(ctx context.Context, cp schema.Checkpoint) error
	GetAll(ctx context.Context) ([]schema.Checkpoint, error)
	Delete(ctx context.Context, venue, symbol string, dataType schema.DataType) error
}

// guardMonotonic rejects a save that would move lastTimestamp backwards for a
// live key.
func guardMonotonic(existing, next schema.Checkpoint) error {
	switch next.Status {
	case schema.CheckpointRunning, schema.CheckpointCompleted:
	default:
		return nil
	}
	switch existing.Status {
	case schema.CheckpointRunning, schema.CheckpointCompleted:
	default:
		return nil
	}
	if next.LastTimestamp < existing.LastTimestamp {
		return fmt.Errorf("checkpoint %s: lastTimestamp regression %d -> %d",
			next.Key(), existing.LastTimestamp, next.LastTimestamp)
	}
	return nil
}

// mungeSymbol rewrites the canonical symbol separators for filesystem and
// identifier use: BTC/USDT:USDT -> BTC_USDT_USDT.
func mungeSymbol(symbol string) string {
	r := strings.NewReplacer("/", "_", ":", "_")
	return r.Replace(symbol)
}
