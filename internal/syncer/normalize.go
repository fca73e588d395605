package syncer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xtxerr/histcache/config"
	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/storage/types"
)

// normalize converts a submitted payload to the declared value type of its
// item. A payload that cannot be represented returns an error whose text is
// stored as the item error.
func normalize(vt types.ValueType, v types.Variant) (types.Variant, error) {
	switch vt {
	case types.ValueTypeFloat:
		return toFloat(v)
	case types.ValueTypeUint:
		return toUint(v)
	case types.ValueTypeStr:
		return types.StrVariant(truncate(v.String(), config.MaxStrValueLen)), nil
	case types.ValueTypeText:
		if v.Type == types.VariantText {
			return v, nil
		}
		return types.TextVariant(v.String()), nil
	case types.ValueTypeLog:
		if v.Type == types.VariantLog && v.Log != nil {
			return v, nil
		}
		return types.LogVariant(types.LogValue{Value: v.String()}), nil
	default:
		return types.Variant{}, fmt.Errorf("unknown value type %d: %w", vt, errors.ErrTypeMismatch)
	}
}

func toFloat(v types.Variant) (types.Variant, error) {
	var f float64
	switch v.Type {
	case types.VariantFloat:
		f = v.Float
	case types.VariantUint:
		f = float64(v.Uint)
	case types.VariantStr, types.VariantText, types.VariantLog:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
		if err != nil {
			return types.Variant{}, mismatch(v, types.ValueTypeFloat)
		}
		f = parsed
	default:
		return types.Variant{}, mismatch(v, types.ValueTypeFloat)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return types.Variant{}, fmt.Errorf("value %q is not a finite number: %w", v.String(), errors.ErrInvalidValue)
	}
	return types.FloatVariant(f), nil
}

func toUint(v types.Variant) (types.Variant, error) {
	switch v.Type {
	case types.VariantUint:
		return v, nil
	case types.VariantFloat:
		if u, ok := floatToUint(v.Float); ok {
			return types.UintVariant(u), nil
		}
	case types.VariantStr, types.VariantText, types.VariantLog:
		s := strings.TrimSpace(v.String())
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return types.UintVariant(u), nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if u, ok := floatToUint(f); ok {
				return types.UintVariant(u), nil
			}
		}
	}
	return types.Variant{}, mismatch(v, types.ValueTypeUint)
}

// floatToUint accepts integral values in [0, 2^64).
func floatToUint(f float64) (uint64, bool) {
	if f < 0 || f >= 1<<64 || f != math.Trunc(f) {
		return 0, false
	}
	return uint64(f), true
}

func mismatch(v types.Variant, vt types.ValueType) error {
	return fmt.Errorf("value %q of type %s is not suitable for value type %q: %w",
		truncate(v.String(), 64), v.Type, vt, errors.ErrTypeMismatch)
}

// truncate keeps at most n characters of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
