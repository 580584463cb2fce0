// Package snapshot owns the transaction snapshot every source reader
// adopts during the clone, and the logical slot that can export one
// atomically with its consistent point.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/workdir"
	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

// State tracks the manager's lifecycle.
type State string

const (
	StateUnknown       State = "unknown"
	StateExported      State = "exported"
	StateSet           State = "set"
	StateClosed        State = "closed"
	StateSkipped       State = "skipped"
	StateNotConsistent State = "not-consistent"
)

// Manager exports or adopts the shared snapshot. The exporting
// transaction is held open for the manager's whole lifetime: releasing
// it invalidates the token for every joined session.
type Manager struct {
	dsn     string
	replDSN string
	dir     *workdir.Dir
	retry   pgsql.RetryPolicy
	logger  zerolog.Logger

	conn     *pgx.Conn
	tx       pgx.Tx
	replConn replConn
	token    string
	state    State
}

// replConn is the slice of pgconn used here, split out for tests.
type replConn interface {
	Close(ctx context.Context) error
}

// NewManager builds a Manager for the source database.
func NewManager(dsn, replDSN string, dir *workdir.Dir, retry pgsql.RetryPolicy, logger zerolog.Logger) *Manager {
	return &Manager{
		dsn:     dsn,
		replDSN: replDSN,
		dir:     dir,
		retry:   retry,
		logger:  logger.With().Str("component", "snapshot").Logger(),
		state:   StateUnknown,
	}
}

// Token returns the exported or adopted snapshot token.
func (m *Manager) Token() string { return m.token }

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.state }

// Prepare produces the snapshot token. A non-empty argToken is adopted;
// otherwise a fresh snapshot is exported and persisted in the work
// directory. consistent=false skips pinning entirely.
func (m *Manager) Prepare(ctx context.Context, argToken string, consistent bool) (string, error) {
	if !consistent {
		m.state = StateSkipped
		m.logger.Warn().Msg("running without a consistent snapshot (--not-consistent)")
		return "", nil
	}

	conn, err := pgsql.Connect(ctx, m.dsn, m.retry, m.logger)
	if err != nil {
		return "", fmt.Errorf("snapshot connection: %w", err)
	}
	m.conn = conn

	if argToken != "" {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
		if err != nil {
			return "", fmt.Errorf("begin adopt tx: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT %s", pgsql.QuoteLiteral(argToken))); err != nil {
			_ = tx.Rollback(ctx)
			return "", fmt.Errorf("set transaction snapshot %s: %w", argToken, err)
		}
		m.tx = tx
		m.token = argToken
		m.state = StateSet
		m.logger.Info().Str("snapshot", argToken).Msg("adopted snapshot")
		return argToken, nil
	}

	// Serializable but not read-only: filtering needs temp tables inside
	// the exporting transaction.
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable, DeferrableMode: pgx.Deferrable})
	if err != nil {
		return "", fmt.Errorf("begin export tx: %w", err)
	}
	var token string
	if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot()").Scan(&token); err != nil {
		_ = tx.Rollback(ctx)
		return "", fmt.Errorf("export snapshot: %w", err)
	}
	if err := m.dir.WriteSnapshotFile(token); err != nil {
		_ = tx.Rollback(ctx)
		return "", err
	}
	m.tx = tx
	m.token = token
	m.state = StateExported
	m.logger.Info().Str("snapshot", token).Msg("exported snapshot")
	return token, nil
}

// SlotInfo is the persisted record of a slot-exported snapshot.
type SlotInfo struct {
	Name          string        `json:"name"`
	Plugin        string        `json:"plugin"`
	ConsistentLSN pglogrepl.LSN `json:"consistent_lsn"`
	Snapshot      string        `json:"snapshot"`
}

// CreateLogicalSlot creates a logical replication slot whose creation
// exports the snapshot, tying the consistent point and the clone
// snapshot together. A slot persisted by a previous run is reused. The
// replication connection is held open until Close: ending it would
// invalidate the exported snapshot.
func (m *Manager) CreateLogicalSlot(ctx context.Context, plugin, name string) (*SlotInfo, error) {
	if existing, err := m.ReadSlotFile(); err != nil {
		return nil, err
	} else if existing != nil {
		if existing.Plugin != plugin || existing.Name != name {
			return nil, fmt.Errorf("slot on file is %s (plugin %s), not %s (plugin %s); use --restart to discard it",
				existing.Name, existing.Plugin, name, plugin)
		}
		m.token = existing.Snapshot
		m.state = StateExported
		m.logger.Info().Str("slot", existing.Name).Msg("reusing replication slot from work directory")
		return existing, nil
	}

	conn, err := pgsql.ConnectReplication(ctx, m.replDSN, m.retry, m.logger)
	if err != nil {
		return nil, fmt.Errorf("slot connection: %w", err)
	}

	result, err := pglogrepl.CreateReplicationSlot(ctx, conn, name, plugin,
		pglogrepl.CreateReplicationSlotOptions{SnapshotAction: "EXPORT_SNAPSHOT"})
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("create replication slot %s: %w", name, err)
	}
	consistent, err := lsn.Parse(result.ConsistentPoint)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	info := &SlotInfo{
		Name:          name,
		Plugin:        plugin,
		ConsistentLSN: consistent,
		Snapshot:      result.SnapshotName,
	}
	if err := m.writeSlotFile(info); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	if err := m.dir.WriteSnapshotFile(info.Snapshot); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	m.replConn = conn
	m.token = info.Snapshot
	m.state = StateExported
	m.logger.Info().
		Str("slot", name).
		Str("plugin", plugin).
		Str("snapshot", info.Snapshot).
		Stringer("consistent_lsn", consistent).
		Msg("created replication slot")
	return info, nil
}

func (m *Manager) writeSlotFile(info *SlotInfo) error {
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal slot info: %w", err)
	}
	if err := os.WriteFile(m.dir.SlotFile(), append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write slot file: %w", err)
	}
	return nil
}

// ReadSlotFile loads the persisted slot record, nil when absent.
func (m *Manager) ReadSlotFile() (*SlotInfo, error) {
	b, err := os.ReadFile(m.dir.SlotFile())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read slot file: %w", err)
	}
	var info SlotInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("parse slot file: %w", err)
	}
	return &info, nil
}

// Session is a private source connection joined to the shared snapshot,
// for workers that need their own transaction.
type Session struct {
	Conn *pgx.Conn
	tx   pgx.Tx
}

// NewSession opens a worker connection and joins it to the snapshot. A
// worker that cannot join fails here rather than reading torn state.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	conn, err := pgsql.Connect(ctx, m.dsn, m.retry, m.logger)
	if err != nil {
		return nil, fmt.Errorf("session connection: %w", err)
	}

	if m.state == StateSkipped || m.state == StateNotConsistent {
		return &Session{Conn: conn}, nil
	}
	if m.token == "" {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("no snapshot to join; Prepare was not called")
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("begin session tx: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT %s", pgsql.QuoteLiteral(m.token))); err != nil {
		_ = tx.Rollback(ctx)
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("join snapshot %s: %w", m.token, err)
	}
	return &Session{Conn: conn, tx: tx}, nil
}

// Query runs a query inside the session's snapshot transaction when one
// is pinned, else directly on the connection.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if s.tx != nil {
		return s.tx.Query(ctx, sql, args...)
	}
	return s.Conn.Query(ctx, sql, args...)
}

// QueryRow is the single-row variant of Query.
func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if s.tx != nil {
		return s.tx.QueryRow(ctx, sql, args...)
	}
	return s.Conn.QueryRow(ctx, sql, args...)
}

// Close ends the session transaction and connection.
func (s *Session) Close(ctx context.Context) {
	if s.tx != nil {
		_ = s.tx.Commit(ctx)
	}
	_ = s.Conn.Close(ctx)
}

// Close releases the snapshot: commits the holding transaction, closes
// the connections, and removes the snapshot file.
func (m *Manager) Close(ctx context.Context) error {
	if m.state == StateClosed {
		return nil
	}
	if m.tx != nil {
		if err := m.tx.Commit(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("snapshot transaction commit failed")
		}
		m.tx = nil
	}
	if m.conn != nil {
		_ = m.conn.Close(ctx)
		m.conn = nil
	}
	if m.replConn != nil {
		_ = m.replConn.Close(ctx)
		m.replConn = nil
	}
	m.state = StateClosed
	return m.dir.RemoveSnapshotFile()
}
