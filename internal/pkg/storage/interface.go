package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/fliqwatch/fliqwatch/internal/pkg/config"
	"github.com/fliqwatch/fliqwatch/internal/pkg/models"
)

// SeenRecord is the durable bookkeeping for one dispatched market. A key is
// marked seen only after its alert was delivered (or deliberately skipped),
// so a crash between dispatch and MarkSeen re-delivers rather than drops.
type SeenRecord struct {
	Market          models.Market `json:"market"`
	Version         string        `json:"version"`
	FirstDetectedAt time.Time     `json:"first_detected_at"`
	DispatchedAt    time.Time     `json:"dispatched_at"`
	Skipped         bool          `json:"skipped,omitempty"`
}

// Key returns the market key the record is stored under.
func (r SeenRecord) Key() string { return r.Market.Key() }

// SeenStore persists which markets have already been processed so restarts
// neither reprocess nor miss results.
type SeenStore interface {
	// IsSeen reports whether key was already processed at exactly this version.
	IsSeen(ctx context.Context, key, version string) (bool, error)

	// MarkSeen upserts the record for rec.Key().
	MarkSeen(ctx context.Context, rec SeenRecord) error

	// All returns every stored record keyed by market key.
	All(ctx context.Context) (map[string]SeenRecord, error)

	// Delete removes the record for key (no-op when absent).
	Delete(ctx context.Context, key string) error

	// Close closes the underlying resource.
	Close() error
}

// Open creates the configured seen-store backend.
func Open(cfg *config.StoreConfig) (SeenStore, error) {
	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(&cfg.Postgres)
	case "redis":
		return NewRedisStore(&cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
