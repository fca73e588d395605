package export

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/histcache/config"
	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/logging"
	"github.com/xtxerr/histcache/internal/storage/types"
)

var log = logging.Component("export")

// Options configures a Sink.
type Options struct {
	// Dir receives the export files.
	Dir string

	// Compression is the column codec.
	Compression CompressionType

	// MaxRowsPerFile rotates a file once it holds this many rows.
	MaxRowsPerFile int
}

// DefaultOptions returns the default export options.
func DefaultOptions() Options {
	return Options{
		Dir:            config.DefaultExportDir,
		Compression:    ParseCompressionType(config.DefaultExportCompression),
		MaxRowsPerFile: config.DefaultExportMaxRows,
	}
}

// Kinds of export files.
const (
	KindHistory = "history"
	KindTrends  = "trends"
)

// FileTimeLayout is the UTC creation time embedded in export file names.
const FileTimeLayout = "20060102T150405"

// Sink appends exported rows to rotating Parquet files, one stream for
// history and one for trends. It is safe for concurrent use.
type Sink struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	history *fileWriter[HistoryRecord]
	trends  *fileWriter[TrendRecord]
	seq     uint64
	closed  bool

	files    atomic.Uint64
	exported atomic.Uint64
	failures atomic.Uint64
}

// Stats holds export counters.
type Stats struct {
	Files    uint64
	Rows     uint64
	Failures uint64
}

// NewSink creates a sink writing below opts.Dir.
func NewSink(opts Options) *Sink {
	if opts.MaxRowsPerFile <= 0 {
		opts.MaxRowsPerFile = config.DefaultExportMaxRows
	}
	if opts.Dir == "" {
		opts.Dir = config.DefaultExportDir
	}
	return &Sink{opts: opts, now: time.Now}
}

// ExportHistory appends history rows.
func (s *Sink) ExportHistory(rows []types.HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}
	recs := make([]HistoryRecord, len(rows))
	for i := range rows {
		recs[i] = HistoryToRecord(&rows[i])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track(writeRotating(s, &s.history, KindHistory, recs))
}

// ExportTrends appends trend rows.
func (s *Sink) ExportTrends(rows []types.TrendRow) error {
	if len(rows) == 0 {
		return nil
	}
	recs := make([]TrendRecord, len(rows))
	for i := range rows {
		recs[i] = TrendToRecord(&rows[i])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track(writeRotating(s, &s.trends, KindTrends, recs))
}

func (s *Sink) track(err error) error {
	if err != nil {
		s.failures.Add(1)
		return fmt.Errorf("%w: %w", errors.ErrExport, err)
	}
	return nil
}

// writeRotating writes recs to the open file of a stream, rotating as
// files fill up. Called with s.mu held.
func writeRotating[T any](s *Sink, w **fileWriter[T], kind string, recs []T) error {
	if s.closed {
		return errors.ErrClosed
	}

	for len(recs) > 0 {
		if *w == nil {
			fw, err := createFile[T](s.nextPath(kind), s.opts.Compression)
			if err != nil {
				return err
			}
			*w = fw
			s.files.Add(1)
		}

		n := min(len(recs), s.opts.MaxRowsPerFile-(*w).rows)
		if err := (*w).write(recs[:n]); err != nil {
			return err
		}
		s.exported.Add(uint64(n))
		recs = recs[n:]

		if (*w).rows >= s.opts.MaxRowsPerFile {
			if err := rotate(w, kind); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sink) nextPath(kind string) string {
	s.seq++
	name := fmt.Sprintf("%s-%s-%06d.parquet", kind, s.now().UTC().Format(FileTimeLayout), s.seq)
	return filepath.Join(s.opts.Dir, name)
}

// rotate closes the current file of a stream.
func rotate[T any](w **fileWriter[T], kind string) error {
	fw := *w
	*w = nil
	if err := fw.close(); err != nil {
		return err
	}
	log.Debug("export file finished", "kind", kind, "path", fw.path, "rows", fw.rows)
	return nil
}

// Flush finishes the open files so their rows become readable.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Sink) flushLocked() error {
	var errs []error
	if s.history != nil {
		errs = append(errs, rotate(&s.history, KindHistory))
	}
	if s.trends != nil {
		errs = append(errs, rotate(&s.trends, KindTrends))
	}
	return errors.Join(errs...)
}

// Close finishes the open files. Later exports fail with ErrClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.flushLocked()
}

// Stats returns export counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Files:    s.files.Load(),
		Rows:     s.exported.Load(),
		Failures: s.failures.Load(),
	}
}
