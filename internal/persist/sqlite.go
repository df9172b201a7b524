package persist

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sweeney/valve-controller/internal/logic"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS valve_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	state      INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// DefaultSQLitePath is on persistent storage. The tmpfs DefaultFilePath
// would defeat the point of a database that outlives a power cut.
const DefaultSQLitePath = "/var/lib/valve-controller/state.db"

// SQLiteStore persists the state in a single-row SQLite table. Unlike the
// file store on tmpfs it survives a full power loss.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// sqlitePath maps an unset path, or the file store's tmpfs default, to
// DefaultSQLitePath.
func sqlitePath(p string) string {
	if p == "" || p == DefaultFilePath {
		return DefaultSQLitePath
	}
	return p
}

// NewSQLiteStore opens (or creates) the database at dbPath. An empty path
// or DefaultFilePath selects DefaultSQLitePath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = sqlitePath(dbPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath, now: time.Now}, nil
}

// Save upserts the state row.
func (s *SQLiteStore) Save(state logic.ValveState) error {
	if !state.Valid() {
		return logic.ErrInvalidState
	}
	_, err := s.db.Exec(`
		INSERT INTO valve_state (id, state, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		int(state), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Load reads the state row. No row means never written.
func (s *SQLiteStore) Load() (logic.ValveState, bool, error) {
	var raw int
	err := s.db.QueryRow(`SELECT state FROM valve_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return logic.StateUnknown, false, nil
	}
	if err != nil {
		return logic.StateUnknown, false, fmt.Errorf("load state: %w", err)
	}
	state := logic.ValveState(raw)
	if !state.Valid() {
		return logic.StateUnknown, false, fmt.Errorf("%w: state %d", ErrCorrupt, raw)
	}
	return state, true, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
