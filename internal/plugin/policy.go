package plugin

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// PolicyStore answers whether a plugin may load for an org.
type PolicyStore interface {
	Allowed(orgID, pluginName string) (bool, error)
}

// SQLitePolicyStore keeps the trust table in SQLite. A plugin loads only if
// a matching (org_id, plugin_name) row has allowed = 1.
type SQLitePolicyStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLitePolicyStore opens (or creates) the policy database.
// Use ":memory:" for tests.
func NewSQLitePolicyStore(dbPath string) (*SQLitePolicyStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open policy database: %w", err)
	}

	store := &SQLitePolicyStore{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize policy schema: %w", err)
	}
	return store, nil
}

func (s *SQLitePolicyStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plugin_policies (
		org_id TEXT NOT NULL,
		plugin_name TEXT NOT NULL,
		allowed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (org_id, plugin_name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Allowed reports whether the policy table has an allowing row. Missing rows
// deny.
func (s *SQLitePolicyStore) Allowed(orgID, pluginName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var allowed int
	err := s.db.QueryRow(
		"SELECT allowed FROM plugin_policies WHERE org_id = ? AND plugin_name = ?",
		orgID, pluginName,
	).Scan(&allowed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("policy lookup: %w", err)
	}
	return allowed == 1, nil
}

// SetPolicy upserts a policy row.
func (s *SQLitePolicyStore) SetPolicy(orgID, pluginName string, allowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := 0
	if allowed {
		val = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO plugin_policies (org_id, plugin_name, allowed) VALUES (?, ?, ?)
		 ON CONFLICT (org_id, plugin_name) DO UPDATE SET allowed = excluded.allowed`,
		orgID, pluginName, val,
	)
	if err != nil {
		return fmt.Errorf("policy upsert: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLitePolicyStore) Close() error { return s.db.Close() }
