package export

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// ParseCompressionType parses a compression name. Unknown names select
// zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func (c CompressionType) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

func (c CompressionType) codec() compress.Codec {
	switch c {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// fileWriter writes rows of one type to a single Parquet file. It is not
// safe for concurrent use; the Sink serializes access.
type fileWriter[T any] struct {
	path   string
	tmp    string
	file   *os.File
	writer *parquet.GenericWriter[T]
	rows   int
}

// createFile opens path for writing. Rows go to a temporary name until
// the file is closed, so readers never see a file without a footer.
func createFile[T any](path string, c CompressionType) (*fileWriter[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	return &fileWriter[T]{
		path:   path,
		tmp:    tmp,
		file:   f,
		writer: parquet.NewGenericWriter[T](f, parquet.Compression(c.codec())),
	}, nil
}

func (w *fileWriter[T]) write(rows []T) error {
	n, err := w.writer.Write(rows)
	w.rows += n
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

// close writes the footer and moves the file to its final name.
func (w *fileWriter[T]) close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(w.tmp, w.path); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}
