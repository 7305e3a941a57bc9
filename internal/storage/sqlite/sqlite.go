package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"splitroute/internal/storage"
	"splitroute/internal/storage/models"
)

// dbHandle is the common interface between *sql.DB and *sql.Tx.
type dbHandle interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB implements the Storage interface using SQLite
type DB struct {
	db *sql.DB
}

var _ storage.Storage = (*DB)(nil)

// New creates a new SQLite storage instance
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The journal is written by one process at a time.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	storage := &DB{db: db}

	// Run migrations
	if err := runMigrations(storage); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) handle() dbHandle { return d.db }

// BeginTx starts a new transaction
func (d *DB) BeginTx(ctx context.Context) (storage.Transaction, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx implements the Transaction interface
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit() error    { return t.tx.Commit() }
func (t *Tx) Rollback() error  { return t.tx.Rollback() }
func (t *Tx) handle() dbHandle { return t.tx }

func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

func (t *Tx) Close() error { return nil }

// ─── Session operations ─────────────────────────────────────────────────────

func (d *DB) BeginSession(ctx context.Context, session *models.Session) error {
	return beginSession(ctx, d.handle(), session)
}
func (t *Tx) BeginSession(ctx context.Context, session *models.Session) error {
	return beginSession(ctx, t.handle(), session)
}

func beginSession(ctx context.Context, h dbHandle, session *models.Session) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if session.State == "" {
		session.State = models.SessionActive
	}
	query := `
		INSERT INTO sessions (started_at, capture_if, tunnel_if, physical_if, vpn_prefix, server, pid, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := h.ExecContext(ctx, query,
		session.StartedAt, session.CaptureIf, session.TunnelIf, session.PhysicalIf,
		session.VPNPrefix, session.Server, session.PID, session.State,
	)
	if err != nil {
		return fmt.Errorf("failed to begin session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	session.ID = id
	return nil
}

func (d *DB) EndSession(ctx context.Context, sessionID int64, state string) error {
	return endSession(ctx, d.handle(), sessionID, state)
}
func (t *Tx) EndSession(ctx context.Context, sessionID int64, state string) error {
	return endSession(ctx, t.handle(), sessionID, state)
}

// endSession is a no-op for sessions that already ended.
func endSession(ctx context.Context, h dbHandle, sessionID int64, state string) error {
	query := `UPDATE sessions SET ended_at = ?, state = ? WHERE id = ? AND ended_at IS NULL`
	if _, err := h.ExecContext(ctx, query, time.Now().UTC(), state, sessionID); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

func (d *DB) SetSessionLinks(ctx context.Context, sessionID int64, captureIf, physicalIf string) error {
	return setSessionLinks(ctx, d.handle(), sessionID, captureIf, physicalIf)
}
func (t *Tx) SetSessionLinks(ctx context.Context, sessionID int64, captureIf, physicalIf string) error {
	return setSessionLinks(ctx, t.handle(), sessionID, captureIf, physicalIf)
}

// setSessionLinks fills in the links that are only known once startup has
// picked them.
func setSessionLinks(ctx context.Context, h dbHandle, sessionID int64, captureIf, physicalIf string) error {
	query := `UPDATE sessions SET capture_if = ?, physical_if = ? WHERE id = ?`
	if _, err := h.ExecContext(ctx, query, captureIf, physicalIf, sessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (d *DB) GetSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	return getSession(ctx, d.handle(), sessionID)
}
func (t *Tx) GetSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	return getSession(ctx, t.handle(), sessionID)
}

const sessionColumns = `id, started_at, ended_at, capture_if, tunnel_if, physical_if, vpn_prefix, server, pid, state`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*models.Session, error) {
	s := &models.Session{}
	err := row.Scan(&s.ID, &s.StartedAt, &s.EndedAt, &s.CaptureIf, &s.TunnelIf,
		&s.PhysicalIf, &s.VPNPrefix, &s.Server, &s.PID, &s.State)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func getSession(ctx context.Context, h dbHandle, sessionID int64) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	s, err := scanSession(h.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %d", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *DB) OpenSessions(ctx context.Context) ([]*models.Session, error) {
	return querySessions(ctx, d.handle(), `WHERE ended_at IS NULL ORDER BY id`)
}
func (t *Tx) OpenSessions(ctx context.Context) ([]*models.Session, error) {
	return querySessions(ctx, t.handle(), `WHERE ended_at IS NULL ORDER BY id`)
}

func (d *DB) RecentSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	return querySessions(ctx, d.handle(), `ORDER BY id DESC LIMIT ?`, limit)
}
func (t *Tx) RecentSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	return querySessions(ctx, t.handle(), `ORDER BY id DESC LIMIT ?`, limit)
}

func querySessions(ctx context.Context, h dbHandle, clause string, args ...interface{}) ([]*models.Session, error) {
	rows, err := h.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ─── Route journal ──────────────────────────────────────────────────────────

func (d *DB) RecordOriginal(ctx context.Context, sessionID int64, route *models.SessionRoute) error {
	return recordRoute(ctx, d.handle(), sessionID, models.RouteOriginal, route)
}
func (t *Tx) RecordOriginal(ctx context.Context, sessionID int64, route *models.SessionRoute) error {
	return recordRoute(ctx, t.handle(), sessionID, models.RouteOriginal, route)
}

func (d *DB) RecordInstalled(ctx context.Context, sessionID int64, route *models.SessionRoute) error {
	return recordRoute(ctx, d.handle(), sessionID, models.RouteInstalled, route)
}
func (t *Tx) RecordInstalled(ctx context.Context, sessionID int64, route *models.SessionRoute) error {
	return recordRoute(ctx, t.handle(), sessionID, models.RouteInstalled, route)
}

func recordRoute(ctx context.Context, h dbHandle, sessionID int64, kind string, route *models.SessionRoute) error {
	query := `
		INSERT INTO session_routes (session_id, seq, kind, dst, gateway, link_index, metric)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM session_routes WHERE session_id = ?), ?, ?, ?, ?, ?)
	`
	result, err := h.ExecContext(ctx, query,
		sessionID, sessionID, kind, route.Dst, route.Gateway, route.LinkIndex, route.Metric,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s route: %w", kind, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	route.ID = id
	route.SessionID = sessionID
	route.Kind = kind
	return nil
}

func (d *DB) MarkRemoved(ctx context.Context, sessionID int64, dst string, linkIndex int) error {
	return markRemoved(ctx, d.handle(), sessionID, dst, linkIndex)
}
func (t *Tx) MarkRemoved(ctx context.Context, sessionID int64, dst string, linkIndex int) error {
	return markRemoved(ctx, t.handle(), sessionID, dst, linkIndex)
}

// markRemoved flags the most recent matching installed route.
func markRemoved(ctx context.Context, h dbHandle, sessionID int64, dst string, linkIndex int) error {
	query := `
		UPDATE session_routes SET removed = 1
		WHERE id = (
			SELECT id FROM session_routes
			WHERE session_id = ? AND kind = ? AND dst = ? AND link_index = ? AND removed = 0
			ORDER BY seq DESC LIMIT 1
		)
	`
	if _, err := h.ExecContext(ctx, query, sessionID, models.RouteInstalled, dst, linkIndex); err != nil {
		return fmt.Errorf("failed to mark route removed: %w", err)
	}
	return nil
}

func (d *DB) SessionRoutes(ctx context.Context, sessionID int64) ([]*models.SessionRoute, error) {
	return sessionRoutes(ctx, d.handle(), sessionID)
}
func (t *Tx) SessionRoutes(ctx context.Context, sessionID int64) ([]*models.SessionRoute, error) {
	return sessionRoutes(ctx, t.handle(), sessionID)
}

func sessionRoutes(ctx context.Context, h dbHandle, sessionID int64) ([]*models.SessionRoute, error) {
	query := `
		SELECT id, session_id, seq, kind, dst, gateway, link_index, metric, removed, created_at
		FROM session_routes WHERE session_id = ? ORDER BY seq
	`
	rows, err := h.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session routes: %w", err)
	}
	defer rows.Close()

	var routes []*models.SessionRoute
	for rows.Next() {
		r := &models.SessionRoute{}
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &r.Kind, &r.Dst, &r.Gateway,
			&r.LinkIndex, &r.Metric, &r.Removed, &r.CreatedAt); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// ─── Settings operations ────────────────────────────────────────────────────

func (d *DB) GetSetting(ctx context.Context, key string) (string, error) {
	return getSetting(ctx, d.handle(), key)
}
func (t *Tx) GetSetting(ctx context.Context, key string) (string, error) {
	return getSetting(ctx, t.handle(), key)
}

func getSetting(ctx context.Context, h dbHandle, key string) (string, error) {
	var value string
	err := h.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting not found: %s", key)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (d *DB) SetSetting(ctx context.Context, key, value string) error {
	return setSetting(ctx, d.handle(), key, value)
}
func (t *Tx) SetSetting(ctx context.Context, key, value string) error {
	return setSetting(ctx, t.handle(), key, value)
}

func setSetting(ctx context.Context, h dbHandle, key, value string) error {
	query := `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := h.ExecContext(ctx, query, key, value)
	return err
}

func (d *DB) GetAllSettings(ctx context.Context) (map[string]string, error) {
	return getAllSettings(ctx, d.handle())
}
func (t *Tx) GetAllSettings(ctx context.Context) (map[string]string, error) {
	return getAllSettings(ctx, t.handle())
}

func getAllSettings(ctx context.Context, h dbHandle) (map[string]string, error) {
	rows, err := h.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}
