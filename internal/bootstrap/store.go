// Package bootstrap wires a config.StoreConfig to a concrete store.Store
// backend — the one piece of backend-selection logic both cmd/flowengined
// and cmd/flowenginectl need, grounded on the teacher's daemon.New
// backend switch in internal/daemon/daemon.go.
package bootstrap

import (
	"fmt"

	"github.com/flowcraft/engine/internal/config"
	"github.com/flowcraft/engine/internal/store"
	"github.com/flowcraft/engine/internal/store/memory"
	"github.com/flowcraft/engine/internal/store/postgres"
	"github.com/flowcraft/engine/internal/store/sqlite"
	"github.com/flowcraft/engine/internal/worker"
)

// OpenStore constructs the store.Store backend cfg names and, for
// postgres, the worker.GCLock backing it. Single-node backends (memory,
// sqlite) return a nil GCLock: they have no cross-process lease GC to
// coordinate, so worker.Worker's GC step runs unconditionally.
func OpenStore(cfg config.StoreConfig) (store.Store, worker.GCLock, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.New(), nil, nil
	case "sqlite":
		b, err := sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, WAL: cfg.SQLite.WAL})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return b, nil, nil
	case "postgres":
		b, err := postgres.New(postgres.Config{
			ConnectionString: cfg.Postgres.ConnectionString,
			MaxOpenConns:     cfg.Postgres.MaxOpenConns,
			MaxIdleConns:     cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime:  cfg.Postgres.ConnMaxLifetime(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return b, postgres.NewGCLock(b), nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
