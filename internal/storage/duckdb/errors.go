package duckdb

import (
	"context"
	"database/sql/driver"
	"strings"

	"github.com/xtxerr/histcache/internal/errors"
)

// Error text of transient DuckDB and I/O failures.
var retryablePatterns = []string{
	"database is locked",
	"busy",
	"timeout",
	"connection reset",
	"broken pipe",
	"temporary failure",
	"i/o error",
	"disk full",
	"could not set lock",
}

// classify attaches a storage error kind to err so the synchronizer can
// tell transient failures from fatal ones.
func classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Classify(err, errors.ErrTimeout)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, driver.ErrBadConn):
		return errors.Classify(err, errors.ErrStorageUnavailable)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "conflict") || strings.Contains(msg, "duplicate key") {
		return errors.Classify(err, errors.ErrStorageConflict)
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return errors.Classify(err, errors.ErrStorageUnavailable)
		}
	}
	return errors.Classify(err, errors.ErrStorageFatal)
}
