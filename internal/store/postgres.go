// Package store persists the gateway's durable, out-of-band state: the
// configured backend fleet, a membership change audit log, and periodic
// per-node counter snapshots for longer-retention analysis than the
// in-process metrics ring buffer provides.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fleet_nodes (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			scale_factor INTEGER NOT NULL DEFAULT 1,
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS membership_audit (
			id BIGSERIAL PRIMARY KEY,
			node_id TEXT NOT NULL,
			action TEXT NOT NULL,
			epoch BIGINT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_membership_audit_node ON membership_audit(node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_membership_audit_created_at ON membership_audit(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS node_counter_snapshots (
			id BIGSERIAL PRIMARY KEY,
			node_id TEXT NOT NULL,
			gets BIGINT NOT NULL,
			sets BIGINT NOT NULL,
			deletes BIGINT NOT NULL,
			errors BIGINT NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_counter_snapshots_node_time ON node_counter_snapshots(node_id, taken_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// FleetNode is a persisted backend server definition, surviving gateway
// restarts independently of the server definition file it was originally
// loaded from.
type FleetNode struct {
	ID          string
	IP          string
	Port        int
	ScaleFactor int
	AddedAt     time.Time
}

// SaveFleetNode upserts a backend node definition.
func (s *PostgresStore) SaveFleetNode(ctx context.Context, n FleetNode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fleet_nodes (id, ip, port, scale_factor)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			ip = EXCLUDED.ip, port = EXCLUDED.port, scale_factor = EXCLUDED.scale_factor
	`, n.ID, n.IP, n.Port, n.ScaleFactor)
	if err != nil {
		return fmt.Errorf("save fleet node: %w", err)
	}
	return nil
}

// RemoveFleetNode deletes a persisted backend node definition.
func (s *PostgresStore) RemoveFleetNode(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM fleet_nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove fleet node: %w", err)
	}
	return nil
}

// ListFleetNodes returns every persisted backend node definition, used to
// seed the ring on startup when no server definition file is configured.
func (s *PostgresStore) ListFleetNodes(ctx context.Context) ([]FleetNode, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, ip, port, scale_factor, added_at FROM fleet_nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list fleet nodes: %w", err)
	}
	defer rows.Close()

	var nodes []FleetNode
	for rows.Next() {
		var n FleetNode
		if err := rows.Scan(&n.ID, &n.IP, &n.Port, &n.ScaleFactor, &n.AddedAt); err != nil {
			return nil, fmt.Errorf("list fleet nodes scan: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// RecordMembershipChange appends one entry to the membership audit log —
// add/remove/unlock, who it happened to, and at what coordinator epoch.
func (s *PostgresStore) RecordMembershipChange(ctx context.Context, nodeID, action string, epoch uint64, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO membership_audit (node_id, action, epoch, detail)
		VALUES ($1, $2, $3, $4)
	`, nodeID, action, epoch, detail)
	if err != nil {
		return fmt.Errorf("record membership change: %w", err)
	}
	return nil
}

// NodeCounterSnapshot is one point-in-time read of a node's cumulative
// operation counters, taken at coarser granularity than the in-process
// metrics ring buffer for long-term trend analysis.
type NodeCounterSnapshot struct {
	NodeID  string
	Gets    int64
	Sets    int64
	Deletes int64
	Errors  int64
	TakenAt time.Time
}

// RecordCounterSnapshot persists one NodeCounterSnapshot row.
func (s *PostgresStore) RecordCounterSnapshot(ctx context.Context, snap NodeCounterSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_counter_snapshots (node_id, gets, sets, deletes, errors)
		VALUES ($1, $2, $3, $4, $5)
	`, snap.NodeID, snap.Gets, snap.Sets, snap.Deletes, snap.Errors)
	if err != nil {
		return fmt.Errorf("record counter snapshot: %w", err)
	}
	return nil
}

// RecentCounterSnapshots returns the most recent snapshots for nodeID,
// newest first, bounded by limit.
func (s *PostgresStore) RecentCounterSnapshots(ctx context.Context, nodeID string, limit int) ([]NodeCounterSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, gets, sets, deletes, errors, taken_at
		FROM node_counter_snapshots
		WHERE node_id = $1
		ORDER BY taken_at DESC
		LIMIT $2
	`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent counter snapshots: %w", err)
	}
	defer rows.Close()

	var out []NodeCounterSnapshot
	for rows.Next() {
		var snap NodeCounterSnapshot
		if err := rows.Scan(&snap.NodeID, &snap.Gets, &snap.Sets, &snap.Deletes, &snap.Errors, &snap.TakenAt); err != nil {
			return nil, fmt.Errorf("recent counter snapshots scan: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
