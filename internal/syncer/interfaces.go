package syncer

import (
	"context"

	"github.com/xtxerr/histcache/internal/idcache"
	"github.com/xtxerr/histcache/internal/storage/types"
)

// Storage opens persistence transactions. It also reports the largest
// stored IDs used to seed the ID cache.
type Storage interface {
	idcache.MaxIDSource

	Begin(ctx context.Context) (Tx, error)
}

// Tx is one storage transaction. Errors are classified with
// errors.IsRetriable: retriable errors repeat the whole transaction with
// the same batch, any other error aborts the pass.
type Tx interface {
	PersistHistory(ctx context.Context, rows []types.HistoryRow) error
	PersistDiscovery(ctx context.Context, rows []types.DiscoveryRow) error
	ApplyItemChanges(ctx context.Context, diffs []types.ItemDiff) error

	// PersistTrends stores hourly trends and returns, per item written,
	// the hour from which storage holds no row of the item.
	PersistTrends(ctx context.Context, rows []types.TrendRow) (map[types.ItemID]int64, error)

	Commit() error
	Rollback() error
}

// ItemResolver loads item configuration. Unknown items are left out of
// the result.
type ItemResolver interface {
	ResolveItems(ctx context.Context, ids []types.ItemID) (map[types.ItemID]types.ItemMeta, error)
}

// ExportSink receives persisted rows on a best-effort basis.
type ExportSink interface {
	ExportHistory(rows []types.HistoryRow) error
	ExportTrends(rows []types.TrendRow) error
}

// invalidator is implemented by resolvers that cache item metadata.
type invalidator interface {
	Invalidate(ids ...types.ItemID)
}
