package types

import (
	"fmt"
	"strconv"
	"time"
)

// ItemID identifies a monitored item.
type ItemID uint64

// Timestamp is a sample time with nanosecond precision.
type Timestamp struct {
	Sec int64
	Ns  int32
}

// TimestampOf converts t to a Timestamp.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Sec: t.Unix(), Ns: int32(t.Nanosecond())}
}

// Time returns the timestamp as a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Sec, int64(t.Ns))
}

// Before reports whether t is earlier than o.
func (t Timestamp) Before(o Timestamp) bool {
	return t.Sec < o.Sec || (t.Sec == o.Sec && t.Ns < o.Ns)
}

// HourClock returns the start of the hour containing t, in Unix seconds.
func (t Timestamp) HourClock() int64 {
	return t.Sec - t.Sec%3600
}

// VariantType is the actual type of a submitted value.
type VariantType uint8

const (
	VariantNone VariantType = iota
	VariantFloat
	VariantUint
	VariantStr
	VariantText
	VariantLog
	VariantErr
)

// String returns a human-readable representation of the VariantType.
func (t VariantType) String() string {
	switch t {
	case VariantNone:
		return "none"
	case VariantFloat:
		return "float"
	case VariantUint:
		return "uint"
	case VariantStr:
		return "string"
	case VariantText:
		return "text"
	case VariantLog:
		return "log"
	case VariantErr:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// LogValue is the payload of a log sample.
type LogValue struct {
	Value      string
	Source     string
	Timestamp  int32
	Severity   int32
	LogEventID int32
}

// Variant is a tagged sample payload. Str holds str, text and error
// payloads; Log is set for log payloads only.
type Variant struct {
	Type  VariantType
	Float float64
	Uint  uint64
	Str   string
	Log   *LogValue
}

// FloatVariant returns a float payload.
func FloatVariant(f float64) Variant { return Variant{Type: VariantFloat, Float: f} }

// UintVariant returns an unsigned integer payload.
func UintVariant(u uint64) Variant { return Variant{Type: VariantUint, Uint: u} }

// StrVariant returns a character payload.
func StrVariant(s string) Variant { return Variant{Type: VariantStr, Str: s} }

// TextVariant returns a text payload.
func TextVariant(s string) Variant { return Variant{Type: VariantText, Str: s} }

// LogVariant returns a log payload.
func LogVariant(l LogValue) Variant { return Variant{Type: VariantLog, Log: &l} }

// ErrVariant returns an error payload that turns the item not supported.
func ErrVariant(msg string) Variant { return Variant{Type: VariantErr, Str: msg} }

// String formats the payload the way it is stored in character columns.
func (v Variant) String() string {
	switch v.Type {
	case VariantFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case VariantUint:
		return strconv.FormatUint(v.Uint, 10)
	case VariantLog:
		if v.Log == nil {
			return ""
		}
		return v.Log.Value
	default:
		return v.Str
	}
}

// Flags qualify a submitted value.
type Flags uint8

const (
	// FlagNoValue marks a value that only carries meta or state.
	FlagNoValue Flags = 1 << iota
	// FlagMeta marks a value carrying LastLogSize and MTime.
	FlagMeta
	// FlagUndef marks a value whose item became undefined before sync.
	FlagUndef
	// FlagLLD marks a discovery rule value.
	FlagLLD
	// FlagNoHistory suppresses the history row.
	FlagNoHistory
	// FlagNoTrends suppresses trend aggregation.
	FlagNoTrends
)

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// ItemState is the runtime state of an item.
type ItemState uint8

const (
	StateNormal ItemState = iota
	StateNotSupported
)

// String returns a human-readable representation of the ItemState.
func (s ItemState) String() string {
	if s == StateNotSupported {
		return "not supported"
	}
	return "normal"
}

// Value is one sample as submitted by a producer.
type Value struct {
	ItemID    ItemID
	Timestamp Timestamp
	Variant   Variant
	State     ItemState
	Flags     Flags

	// Set with FlagMeta.
	LastLogSize uint64
	MTime       int32
}
