// Package storage persists the send history. Every delivered (or
// failed) scheduled message and auto-reply gets one Record; the rest of
// the program treats the store as append-only.
package storage

import (
	"context"
	"errors"
	"strings"

	logx "leafbot/pkg/logx"
)

// Store is the persistence surface used by the scheduler and reply
// workers. Implementations must be safe for concurrent use.
type Store interface {
	// AppendHistory records one send attempt.
	AppendHistory(ctx context.Context, rec Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled; callers must treat a
// nil Store as "skip history".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
