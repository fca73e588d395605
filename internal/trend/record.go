package trend

import (
	"encoding/binary"
	"math"

	"github.com/xtxerr/histcache/internal/storage/types"
)

// Trend entry layout in the trend arena (little-endian):
// - itemid      (8 bytes)
// - clock       (8 bytes, hour start)
// - disableFrom (8 bytes)
// - num         (8 bytes)
// - min         (8 bytes, float64 bits or uint64)
// - max         (8 bytes, float64 bits or uint64)
// - avg / sumLo (8 bytes, running float mean or low word of the uint sum)
// - sumHi       (8 bytes)
// - valueType   (1 byte)
const (
	offItemID      = 0
	offClock       = 8
	offDisableFrom = 16
	offNum         = 24
	offMin         = 32
	offMax         = 40
	offAvg         = 48
	offSumHi       = 56
	offValueType   = 64
	recordSize     = 72
)

// record is a view over a trend entry stored in the arena.
type record []byte

func (r record) u64(off int) uint64 { return binary.LittleEndian.Uint64(r[off:]) }
func (r record) setU64(off int, v uint64) { binary.LittleEndian.PutUint64(r[off:], v) }
func (r record) f64(off int) float64 { return math.Float64frombits(r.u64(off)) }
func (r record) setF64(off int, v float64) { r.setU64(off, math.Float64bits(v)) }

func (r record) itemID() types.ItemID { return types.ItemID(r.u64(offItemID)) }
func (r record) clock() int64 { return int64(r.u64(offClock)) }
func (r record) disableFrom() int64 { return int64(r.u64(offDisableFrom)) }
func (r record) num() uint64 { return r.u64(offNum) }
func (r record) valueType() types.ValueType { return types.ValueType(r[offValueType]) }

func (r record) setDisableFrom(v int64) { r.setU64(offDisableFrom, uint64(v)) }

func (r record) sum() Uint128 {
	return Uint128{Hi: r.u64(offSumHi), Lo: r.u64(offAvg)}
}

// init prepares a fresh entry.
func (r record) init(id types.ItemID, clock int64, vt types.ValueType) {
	clear(r[:recordSize])
	r.setU64(offItemID, uint64(id))
	r.reset(clock, vt)
}

// reset starts a new hour, keeping disableFrom.
func (r record) reset(clock int64, vt types.ValueType) {
	r.setU64(offClock, uint64(clock))
	r.setU64(offNum, 0)
	r.setU64(offMin, 0)
	r.setU64(offMax, 0)
	r.setU64(offAvg, 0)
	r.setU64(offSumHi, 0)
	r[offValueType] = byte(vt)
}

// add folds one value into the entry.
func (r record) add(v types.Variant) {
	n := r.num()
	switch r.valueType() {
	case types.ValueTypeFloat:
		f := v.Float
		if n == 0 || f < r.f64(offMin) {
			r.setF64(offMin, f)
		}
		if n == 0 || f > r.f64(offMax) {
			r.setF64(offMax, f)
		}
		avg := r.f64(offAvg)
		r.setF64(offAvg, avg+(f-avg)/float64(n+1))
	case types.ValueTypeUint:
		u := v.Uint
		if n == 0 || u < r.u64(offMin) {
			r.setU64(offMin, u)
		}
		if n == 0 || u > r.u64(offMax) {
			r.setU64(offMax, u)
		}
		s := r.sum().Add64(u)
		r.setU64(offAvg, s.Lo)
		r.setU64(offSumHi, s.Hi)
	}
	r.setU64(offNum, n+1)
}

// row converts the entry into a trend row. Integer averages are computed
// here from the 128-bit sum.
func (r record) row() types.TrendRow {
	row := types.TrendRow{
		ItemID:      r.itemID(),
		Clock:       r.clock(),
		ValueType:   r.valueType(),
		Num:         int(r.num()),
		DisableFrom: r.disableFrom(),
	}
	switch row.ValueType {
	case types.ValueTypeFloat:
		row.Min = r.f64(offMin)
		row.Max = r.f64(offMax)
		row.Avg = r.f64(offAvg)
	case types.ValueTypeUint:
		row.MinUint = r.u64(offMin)
		row.MaxUint = r.u64(offMax)
		row.AvgUint = r.sum().Div64(r.num())
	}
	return row
}
