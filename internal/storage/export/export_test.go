package export

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/storage/types"
)

const hour = int64(1_700_002_800)

func newTestSink(t *testing.T, maxRows int) (*Sink, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewSink(Options{Dir: dir, Compression: CompressionZstd, MaxRowsPerFile: maxRows})
	s.now = func() time.Time { return time.Unix(hour, 0) }
	return s, dir
}

func sampleHistory() []types.HistoryRow {
	return []types.HistoryRow{
		{ItemID: 1, Timestamp: types.Timestamp{Sec: hour, Ns: 7}, ValueType: types.ValueTypeFloat, Value: types.FloatVariant(1.25)},
		{ItemID: 2, Timestamp: types.Timestamp{Sec: hour + 1}, ValueType: types.ValueTypeUint, Value: types.UintVariant(1 << 63)},
		{ItemID: 3, Timestamp: types.Timestamp{Sec: hour + 2}, ValueType: types.ValueTypeStr, Value: types.StrVariant("ok")},
		{ItemID: 4, Timestamp: types.Timestamp{Sec: hour + 3}, ValueType: types.ValueTypeText, Value: types.TextVariant("a\nb")},
		{ID: 11, ItemID: 5, Timestamp: types.Timestamp{Sec: hour + 4}, ValueType: types.ValueTypeLog,
			Value: types.LogVariant(types.LogValue{Timestamp: 3, Source: "sshd", Severity: 2, Value: "login", LogEventID: 4624})},
	}
}

func TestExportHistoryRoundTrip(t *testing.T) {
	s, dir := newTestSink(t, 100)
	rows := sampleHistory()

	if err := s.ExportHistory(rows); err != nil {
		t.Fatalf("ExportHistory: %v", err)
	}
	if files, _ := Files(dir, KindHistory); len(files) != 0 {
		t.Fatalf("unfinished file visible: %v", files)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := Files(dir, KindHistory)
	if err != nil || len(files) != 1 {
		t.Fatalf("Files = %v, %v", files, err)
	}
	got, err := ReadHistory(files[0])
	if err != nil {
		t.Fatalf("ReadHistory: %v", err)
	}
	if diff := cmp.Diff(rows, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	info, err := GetFileInfo(files[0])
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if info.NumRows != int64(len(rows)) || info.Size == 0 {
		t.Errorf("file info = %+v", info)
	}
}

func TestExportRotates(t *testing.T) {
	s, dir := newTestSink(t, 2)
	rows := sampleHistory()

	if err := s.ExportHistory(rows[:3]); err != nil {
		t.Fatalf("ExportHistory: %v", err)
	}
	if err := s.ExportHistory(rows[3:]); err != nil {
		t.Fatalf("ExportHistory: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	files, err := Files(dir, KindHistory)
	if err != nil || len(files) != 3 {
		t.Fatalf("Files = %v, %v; want 3", files, err)
	}

	var got []types.HistoryRow
	for _, f := range files {
		part, err := ReadHistory(f)
		if err != nil {
			t.Fatalf("ReadHistory(%s): %v", f, err)
		}
		if len(part) > 2 {
			t.Errorf("%s holds %d rows", f, len(part))
		}
		got = append(got, part...)
	}
	if diff := cmp.Diff(rows, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	if st := s.Stats(); st.Files != 3 || st.Rows != 5 || st.Failures != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExportTrends(t *testing.T) {
	s, dir := newTestSink(t, 100)
	rows := []types.TrendRow{
		{ItemID: 1, Clock: hour, ValueType: types.ValueTypeFloat, Num: 3, Min: 1, Avg: 2, Max: 3},
		{ItemID: 2, Clock: hour, ValueType: types.ValueTypeUint, Num: 2, MinUint: 5, AvgUint: 6, MaxUint: 7},
	}
	if err := s.ExportTrends(rows); err != nil {
		t.Fatalf("ExportTrends: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, _ := Files(dir, KindTrends)
	if len(files) != 1 {
		t.Fatalf("trend files = %v", files)
	}
	got, err := ReadTrends(files[0])
	if err != nil {
		t.Fatalf("ReadTrends: %v", err)
	}
	if diff := cmp.Diff(rows, got); diff != "" {
		t.Errorf("trends mismatch (-want +got):\n%s", diff)
	}
}

func TestExportAfterClose(t *testing.T) {
	s, _ := newTestSink(t, 100)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := s.ExportHistory(sampleHistory())
	if !errors.Is(err, errors.ErrExport) || !errors.Is(err, errors.ErrClosed) {
		t.Errorf("ExportHistory after Close = %v", err)
	}
	if s.Stats().Failures != 1 {
		t.Errorf("failures = %d, want 1", s.Stats().Failures)
	}
}

func TestExportUnwritableDir(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	s := NewSink(Options{Dir: filepath.Join(blocker, "sub"), MaxRowsPerFile: 10})

	if err := s.ExportHistory(sampleHistory()); !errors.Is(err, errors.ErrExport) {
		t.Errorf("ExportHistory into a file path = %v, want ErrExport", err)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := map[string]CompressionType{
		"snappy": CompressionSnappy,
		"zstd":   CompressionZstd,
		"gzip":   CompressionGzip,
		"none":   CompressionNone,
		"":       CompressionNone,
		"brotli": CompressionZstd,
	}
	for in, want := range tests {
		if got := ParseCompressionType(in); got != want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", in, got, want)
		}
	}
}
