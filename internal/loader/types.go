package loader

import (
	"fmt"
	"strings"

	"github.com/xtxerr/histcache/internal/storage/types"
)

// =============================================================================
// Item File
// =============================================================================

// File is the root of an item definition file.
type File struct {
	// Include lists glob patterns of further item files, relative to the
	// including file.
	Include []string `yaml:"include,omitempty"`

	// Defaults apply to every item that leaves a field unset.
	Defaults *ItemDefaults `yaml:"defaults,omitempty"`

	// Items maps item IDs to their definitions.
	Items map[uint64]*ItemConfig `yaml:"items"`
}

// ItemDefaults holds file-wide item defaults.
type ItemDefaults struct {
	History *bool `yaml:"history,omitempty"`
	Trends  *bool `yaml:"trends,omitempty"`
}

// ItemConfig defines one item.
type ItemConfig struct {
	Host      uint64   `yaml:"host"`
	Key       string   `yaml:"key"`
	ValueType string   `yaml:"value_type"`
	Status    string   `yaml:"status,omitempty"`
	History   *bool    `yaml:"history,omitempty"`
	Trends    *bool    `yaml:"trends,omitempty"`
	Discovery bool     `yaml:"discovery,omitempty"`
	Triggers  []uint64 `yaml:"triggers,omitempty"`
}

// DefaultFile returns an empty item file with history and trends enabled
// by default.
func DefaultFile() *File {
	history, trends := true, true
	return &File{
		Defaults: &ItemDefaults{History: &history, Trends: &trends},
		Items:    make(map[uint64]*ItemConfig),
	}
}

// ParseValueType maps a value type name to its stored number.
func ParseValueType(s string) (types.ValueType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float", "numeric_float":
		return types.ValueTypeFloat, nil
	case "str", "char", "character":
		return types.ValueTypeStr, nil
	case "log":
		return types.ValueTypeLog, nil
	case "uint", "unsigned", "numeric_unsigned":
		return types.ValueTypeUint, nil
	case "text":
		return types.ValueTypeText, nil
	default:
		return 0, fmt.Errorf("unknown value type %q", s)
	}
}

// ParseStatus maps an item status name; empty means active.
func ParseStatus(s string) (types.ItemStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active", "enabled":
		return types.ItemActive, nil
	case "disabled":
		return types.ItemDisabled, nil
	default:
		return 0, fmt.Errorf("unknown item status %q", s)
	}
}

// ToMeta converts an item definition into item metadata.
func (c *ItemConfig) ToMeta(id uint64, defaults *ItemDefaults) (types.ItemMeta, error) {
	vt, err := ParseValueType(c.ValueType)
	if err != nil {
		return types.ItemMeta{}, err
	}
	status, err := ParseStatus(c.Status)
	if err != nil {
		return types.ItemMeta{}, err
	}

	meta := types.ItemMeta{
		ItemID:      types.ItemID(id),
		HostID:      c.Host,
		Key:         c.Key,
		ValueType:   vt,
		Status:      status,
		KeepHistory: boolOr(c.History, defaults, func(d *ItemDefaults) *bool { return d.History }),
		KeepTrends:  boolOr(c.Trends, defaults, func(d *ItemDefaults) *bool { return d.Trends }),
		Discovery:   c.Discovery,
		TriggerIDs:  c.Triggers,
	}
	if !vt.Numeric() {
		meta.KeepTrends = false
	}
	return meta, nil
}

func boolOr(v *bool, defaults *ItemDefaults, field func(*ItemDefaults) *bool) bool {
	if v != nil {
		return *v
	}
	if defaults != nil {
		if d := field(defaults); d != nil {
			return *d
		}
	}
	return true
}
