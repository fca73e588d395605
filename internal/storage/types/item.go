package types

import "fmt"

// ValueType is the declared value type of an item, numbered as stored in
// the items table.
type ValueType uint8

const (
	ValueTypeFloat ValueType = 0
	ValueTypeStr   ValueType = 1
	ValueTypeLog   ValueType = 2
	ValueTypeUint  ValueType = 3
	ValueTypeText  ValueType = 4
)

// String returns a human-readable representation of the ValueType.
func (v ValueType) String() string {
	switch v {
	case ValueTypeFloat:
		return "Numeric (float)"
	case ValueTypeStr:
		return "Character"
	case ValueTypeLog:
		return "Log"
	case ValueTypeUint:
		return "Numeric (unsigned)"
	case ValueTypeText:
		return "Text"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(v))
	}
}

// Numeric reports whether values of this type feed trends.
func (v ValueType) Numeric() bool {
	return v == ValueTypeFloat || v == ValueTypeUint
}

// Valid reports whether v is a known value type.
func (v ValueType) Valid() bool {
	return v <= ValueTypeText
}

// ItemStatus is the configured status of an item.
type ItemStatus uint8

const (
	ItemActive ItemStatus = iota
	ItemDisabled
)

// ItemMeta is the item configuration the synchronizer needs to persist a
// value.
type ItemMeta struct {
	ItemID      ItemID
	HostID      uint64
	Key         string
	ValueType   ValueType
	Status      ItemStatus
	KeepHistory bool
	KeepTrends  bool
	Discovery   bool
	TriggerIDs  []uint64

	// Runtime data as last persisted.
	State ItemState
	Error string
}

// Enabled reports whether values of the item are persisted.
func (m ItemMeta) Enabled() bool {
	return m.Status == ItemActive
}
