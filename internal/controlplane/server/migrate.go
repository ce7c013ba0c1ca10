package server

import (
	"context"
	"fmt"
	"time"
)

func (s *Server) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS trade_attempts (
  id TEXT PRIMARY KEY,
  wallet TEXT NOT NULL,
  pair_id INTEGER NOT NULL,
  params_json TEXT NOT NULL,
  state TEXT NOT NULL,
  error_kind TEXT,
  error_message TEXT,
  error_field TEXT,
  tx_id TEXT,
  tx_hash TEXT,
  needs_approval INTEGER NOT NULL DEFAULT 0,
  late_confirmed INTEGER NOT NULL DEFAULT 0,
  snapshot_json TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  updated_ns INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_attempts_wallet ON trade_attempts(wallet, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_trade_attempts_state ON trade_attempts(state, updated_ns);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
