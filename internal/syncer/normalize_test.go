package syncer

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/storage/types"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		vt      types.ValueType
		in      types.Variant
		want    types.Variant
		wantErr error
	}{
		{"float", types.ValueTypeFloat, types.FloatVariant(1.5), types.FloatVariant(1.5), nil},
		{"uint to float", types.ValueTypeFloat, types.UintVariant(7), types.FloatVariant(7), nil},
		{"text to float", types.ValueTypeFloat, types.TextVariant(" 2.25\n"), types.FloatVariant(2.25), nil},
		{"bad text to float", types.ValueTypeFloat, types.StrVariant("n/a"), types.Variant{}, errors.ErrTypeMismatch},
		{"nan", types.ValueTypeFloat, types.StrVariant("NaN"), types.Variant{}, errors.ErrInvalidValue},
		{"integral float to uint", types.ValueTypeUint, types.FloatVariant(12), types.UintVariant(12), nil},
		{"fraction to uint", types.ValueTypeUint, types.FloatVariant(1.5), types.Variant{}, errors.ErrTypeMismatch},
		{"negative to uint", types.ValueTypeUint, types.StrVariant("-1"), types.Variant{}, errors.ErrTypeMismatch},
		{"large uint", types.ValueTypeUint, types.StrVariant("18446744073709551615"), types.UintVariant(math.MaxUint64), nil},
		{"exponent to uint", types.ValueTypeUint, types.StrVariant("1e3"), types.UintVariant(1000), nil},
		{"overflow to uint", types.ValueTypeUint, types.FloatVariant(1 << 64), types.Variant{}, errors.ErrTypeMismatch},
		{"float to str", types.ValueTypeStr, types.FloatVariant(0.5), types.StrVariant("0.5"), nil},
		{"uint to text", types.ValueTypeText, types.UintVariant(9), types.TextVariant("9"), nil},
		{"text to log", types.ValueTypeLog, types.TextVariant("x"), types.LogVariant(types.LogValue{Value: "x"}), nil},
		{"unknown type", types.ValueType(9), types.FloatVariant(1), types.Variant{}, errors.ErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalize(tt.vt, tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("normalize() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalize() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("normalize() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeTruncatesCharacterValues(t *testing.T) {
	long := strings.Repeat("ä", 300)
	got, err := normalize(types.ValueTypeStr, types.TextVariant(long))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if n := len([]rune(got.Str)); n != 255 {
		t.Errorf("truncated to %d characters, want 255", n)
	}
}
