package export

import (
	"github.com/xtxerr/histcache/internal/storage/types"
)

// HistoryRecord is one history row in Parquet format. Value columns not
// used by the value type stay empty.
type HistoryRecord struct {
	ItemID    uint64  `parquet:"itemid"`
	Clock     int64   `parquet:"clock"`
	Ns        int32   `parquet:"ns"`
	ValueType int32   `parquet:"value_type"`
	Float     float64 `parquet:"value_float,optional"`
	Uint      uint64  `parquet:"value_uint,optional"`
	Str       string  `parquet:"value_str,optional,zstd"`

	LogID         uint64 `parquet:"log_id,optional"`
	LogTimestamp  int32  `parquet:"log_timestamp,optional"`
	LogSource     string `parquet:"log_source,optional,zstd"`
	LogSeverity   int32  `parquet:"log_severity,optional"`
	LogLogEventID int32  `parquet:"log_eventid,optional"`
}

// TrendRecord is one hourly trend in Parquet format.
type TrendRecord struct {
	ItemID    uint64  `parquet:"itemid"`
	Clock     int64   `parquet:"clock"`
	ValueType int32   `parquet:"value_type"`
	Num       int32   `parquet:"num"`
	Min       float64 `parquet:"value_min,optional"`
	Avg       float64 `parquet:"value_avg,optional"`
	Max       float64 `parquet:"value_max,optional"`
	MinUint   uint64  `parquet:"value_min_uint,optional"`
	AvgUint   uint64  `parquet:"value_avg_uint,optional"`
	MaxUint   uint64  `parquet:"value_max_uint,optional"`
}

// HistoryToRecord converts a history row.
func HistoryToRecord(r *types.HistoryRow) HistoryRecord {
	rec := HistoryRecord{
		ItemID:    uint64(r.ItemID),
		Clock:     r.Timestamp.Sec,
		Ns:        r.Timestamp.Ns,
		ValueType: int32(r.ValueType),
	}
	switch r.ValueType {
	case types.ValueTypeFloat:
		rec.Float = r.Value.Float
	case types.ValueTypeUint:
		rec.Uint = r.Value.Uint
	case types.ValueTypeLog:
		rec.LogID = r.ID
		rec.Str = r.Value.String()
		if l := r.Value.Log; l != nil {
			rec.LogTimestamp = l.Timestamp
			rec.LogSource = l.Source
			rec.LogSeverity = l.Severity
			rec.LogLogEventID = l.LogEventID
		}
	default:
		rec.Str = r.Value.String()
	}
	return rec
}

// RecordToHistory converts a record back into a history row.
func RecordToHistory(rec *HistoryRecord) types.HistoryRow {
	r := types.HistoryRow{
		ItemID:    types.ItemID(rec.ItemID),
		Timestamp: types.Timestamp{Sec: rec.Clock, Ns: rec.Ns},
		ValueType: types.ValueType(rec.ValueType),
	}
	switch r.ValueType {
	case types.ValueTypeFloat:
		r.Value = types.FloatVariant(rec.Float)
	case types.ValueTypeUint:
		r.Value = types.UintVariant(rec.Uint)
	case types.ValueTypeStr:
		r.Value = types.StrVariant(rec.Str)
	case types.ValueTypeText:
		r.Value = types.TextVariant(rec.Str)
	case types.ValueTypeLog:
		r.ID = rec.LogID
		r.Value = types.LogVariant(types.LogValue{
			Timestamp:  rec.LogTimestamp,
			Source:     rec.LogSource,
			Severity:   rec.LogSeverity,
			Value:      rec.Str,
			LogEventID: rec.LogLogEventID,
		})
	}
	return r
}

// TrendToRecord converts a trend row.
func TrendToRecord(r *types.TrendRow) TrendRecord {
	return TrendRecord{
		ItemID:    uint64(r.ItemID),
		Clock:     r.Clock,
		ValueType: int32(r.ValueType),
		Num:       int32(r.Num),
		Min:       r.Min,
		Avg:       r.Avg,
		Max:       r.Max,
		MinUint:   r.MinUint,
		AvgUint:   r.AvgUint,
		MaxUint:   r.MaxUint,
	}
}

// RecordToTrend converts a record back into a trend row.
func RecordToTrend(rec *TrendRecord) types.TrendRow {
	return types.TrendRow{
		ItemID:    types.ItemID(rec.ItemID),
		Clock:     rec.Clock,
		ValueType: types.ValueType(rec.ValueType),
		Num:       int(rec.Num),
		Min:       rec.Min,
		Avg:       rec.Avg,
		Max:       rec.Max,
		MinUint:   rec.MinUint,
		AvgUint:   rec.AvgUint,
		MaxUint:   rec.MaxUint,
	}
}
