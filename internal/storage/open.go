package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "gams/pkg/logx"
)

// Store is the persistence API used by GAMS components.
type Store interface {
	AppendRecord(ctx context.Context, r Record) error
	// RecentRecords returns up to limit records of kind, newest first.
	// An empty kind matches every record.
	RecentRecords(ctx context.Context, kind string, limit int) ([]Record, error)
	// PruneRecords deletes records of kind older than before.
	PruneRecords(ctx context.Context, kind string, before time.Time) (int, error)

	PutSnapshot(ctx context.Context, key string, data []byte) error
	GetSnapshot(ctx context.Context, key string) (data []byte, ok bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
