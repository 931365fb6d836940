package storage

import (
	"context"
	"errors"
	"time"

	"github.com/aircon-ledger/aircon-remote/internal/models"
)

// ErrInvalidData is returned for records the store refuses to write
var ErrInvalidData = errors.New("invalid data")

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Schema
	Migrate(ctx context.Context) error

	// Activity archive
	SaveActivity(ctx context.Context, entry models.LogEntry) error
	SaveActivityBatch(ctx context.Context, entries []models.LogEntry) error
	ListActivity(ctx context.Context, filters ActivityFilters, limit, offset int) ([]*models.LogEntry, int64, error)

	Close() error
}

// ActivityFilters narrows an archive listing
type ActivityFilters struct {
	Origin       *string
	Severity     *models.Severity
	RemoteHandle *string
	SelfOnly     *bool
	StartTime    *time.Time
	EndTime      *time.Time
}
