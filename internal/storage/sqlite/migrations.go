package sqlite

const schema = `
-- One row per reroute run
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    capture_if TEXT NOT NULL DEFAULT '',
    tunnel_if TEXT NOT NULL DEFAULT '',
    physical_if TEXT NOT NULL DEFAULT '',
    vpn_prefix TEXT NOT NULL DEFAULT '',
    server TEXT NOT NULL DEFAULT '',
    pid INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL DEFAULT 'active'
);

-- Routes touched by a session, in install order
CREATE TABLE IF NOT EXISTS session_routes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    kind TEXT NOT NULL,
    dst TEXT NOT NULL,
    gateway TEXT NOT NULL DEFAULT '',
    link_index INTEGER NOT NULL,
    metric INTEGER NOT NULL DEFAULT 0,
    removed BOOLEAN NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

-- Application settings
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Indexes for performance
CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at);
CREATE INDEX IF NOT EXISTS idx_session_routes_session_id ON session_routes(session_id, seq);

-- Triggers for updated_at
CREATE TRIGGER IF NOT EXISTS update_settings_timestamp AFTER UPDATE ON settings
BEGIN
    UPDATE settings SET updated_at = CURRENT_TIMESTAMP WHERE key = NEW.key;
END;
`

// runMigrations executes the database schema
func runMigrations(db *DB) error {
	if _, err := db.db.Exec(schema); err != nil {
		return err
	}
	return nil
}
