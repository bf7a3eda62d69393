// Package store selects the persistence backend for the session registry.
// Standalone mode uses per-agent JSON files under the sessions directory;
// managed mode uses Postgres.
package store

import (
	"fmt"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/store/file"
	"github.com/openclaw/openclaw/internal/store/pg"
)

// Open returns the session store for the configured backend.
func Open(cfg *config.Config) (sessions.Store, error) {
	if cfg.IsManagedMode() {
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pg.Migrate(db); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return pg.NewSessionStore(db), nil
	}
	return file.NewSessionStore(cfg.SessionsDir(), 0), nil
}
