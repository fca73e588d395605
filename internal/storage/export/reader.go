package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/storage/types"
)

// Files returns the finished export files of a kind in the order they
// were written.
func Files(dir, kind string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, kind+"-*.parquet"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ParseFileName returns the kind and creation time of an export file
// name as written by the sink.
func ParseFileName(name string) (kind string, created time.Time, err error) {
	base := strings.TrimSuffix(filepath.Base(name), ".parquet")
	parts := strings.Split(base, "-")
	if len(parts) != 3 || base == filepath.Base(name) {
		return "", time.Time{}, fmt.Errorf("%q is not an export file name", name)
	}
	created, err = time.Parse(FileTimeLayout, parts[1])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("export file %q: %w", name, err)
	}
	return parts[0], created, nil
}

// ReadHistory reads every history row of a finished export file.
func ReadHistory(path string) ([]types.HistoryRow, error) {
	recs, err := readAll[HistoryRecord](path)
	if err != nil {
		return nil, err
	}
	rows := make([]types.HistoryRow, len(recs))
	for i := range recs {
		rows[i] = RecordToHistory(&recs[i])
	}
	return rows, nil
}

// ReadTrends reads every trend row of a finished export file.
func ReadTrends(path string) ([]types.TrendRow, error) {
	recs, err := readAll[TrendRecord](path)
	if err != nil {
		return nil, err
	}
	rows := make([]types.TrendRow, len(recs))
	for i := range recs {
		rows[i] = RecordToTrend(&recs[i])
	}
	return rows, nil
}

func readAll[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	pf, err := parquet.OpenFile(f, stat.Size(), parquet.ReadBufferSize(1024*1024))
	if err != nil {
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	reader := parquet.NewGenericReader[T](pf)
	defer reader.Close()

	recs := make([]T, reader.NumRows())
	n, err := reader.Read(recs)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return recs[:n], nil
}

// FileInfo holds information about an export file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns information about an export file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: pf.NumRows(),
	}, nil
}
