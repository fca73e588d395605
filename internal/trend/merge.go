package trend

import "github.com/xtxerr/histcache/internal/storage/types"

// MergeRows combines two trend rows of the same item and hour. Averages are
// weighted by the value counts; integer averages go through a 128-bit
// intermediate.
func MergeRows(a, b types.TrendRow) types.TrendRow {
	if a.Num == 0 {
		b.DisableFrom = max(b.DisableFrom, a.DisableFrom)
		return b
	}
	if b.Num == 0 {
		a.DisableFrom = max(a.DisableFrom, b.DisableFrom)
		return a
	}

	out := a
	out.Num = a.Num + b.Num
	out.DisableFrom = max(a.DisableFrom, b.DisableFrom)

	switch a.ValueType {
	case types.ValueTypeFloat:
		out.Min = min(a.Min, b.Min)
		out.Max = max(a.Max, b.Max)
		out.Avg = a.Avg + (b.Avg-a.Avg)*float64(b.Num)/float64(out.Num)
	case types.ValueTypeUint:
		out.MinUint = min(a.MinUint, b.MinUint)
		out.MaxUint = max(a.MaxUint, b.MaxUint)
		sum := Mul64(a.AvgUint, uint64(a.Num)).Add(Mul64(b.AvgUint, uint64(b.Num)))
		out.AvgUint = sum.Div64(uint64(out.Num))
	}
	return out
}
