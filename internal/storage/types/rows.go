package types

// HistoryRow is one persisted sample. Value.Type always matches ValueType.
type HistoryRow struct {
	// ID is assigned to log rows only.
	ID        uint64
	ItemID    ItemID
	Timestamp Timestamp
	ValueType ValueType
	Value     Variant
}

// DiscoveryRow is a low-level discovery value handed to the discovery
// table instead of history.
type DiscoveryRow struct {
	ItemID    ItemID
	Timestamp Timestamp
	Value     string
	Error     string
}

// DiffFlags select the fields of an ItemDiff that changed.
type DiffFlags uint8

const (
	DiffLastClock DiffFlags = 1 << iota
	DiffState
	DiffError
	DiffLastLogSize
	DiffMTime
)

// ItemDiff is a change to item runtime data produced by a sync pass.
type ItemDiff struct {
	ItemID      ItemID
	Flags       DiffFlags
	LastClock   int64
	State       ItemState
	Error       string
	LastLogSize uint64
	MTime       int32
}

// TrendRow is one hourly trend. Float trends use Min/Avg/Max, unsigned
// trends use MinUint/AvgUint/MaxUint.
type TrendRow struct {
	ItemID    ItemID
	Clock     int64
	ValueType ValueType
	Num       int

	Min, Avg, Max             float64
	MinUint, AvgUint, MaxUint uint64

	// DisableFrom is the hour from which storage holds no row of this
	// item, so rows at or after it are inserted without a lookup. Zero
	// means unknown.
	DisableFrom int64
}

// Key identifies the stored trend row.
func (r TrendRow) Key() TrendKey {
	return TrendKey{ItemID: r.ItemID, Clock: r.Clock}
}

// TrendKey is the primary key of a trend row.
type TrendKey struct {
	ItemID ItemID
	Clock  int64
}
