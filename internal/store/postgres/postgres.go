// Package postgres implements the relational store: write-once signals,
// convergence records with their running aggregates, and append-only
// convergence snapshots. Repositories follow one pattern: a per-operation
// context timeout, sqlx queries, and pq error-code checks for constraint
// violations.
package postgres

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sawpanic/crossarb/internal/config"
)

// Connect opens a pooled connection to the configured database and verifies
// it with a ping.
func Connect(cfg config.PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// queryTimeout falls back to a sane default when the config leaves it unset.
func queryTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}
