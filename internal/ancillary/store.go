// Package ancillary persists the out-of-core-scope collaborators spec.md
// §6 names alongside the bar cache: global settings, per-client settings,
// annotations, and strategies. It is grounded on internal/barcache's
// SQLite WAL setup, adapted from a single bars table into four
// independent tables keyed the way spec.md §6 lays them out.
package ancillary

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store is the durable settings/annotations/strategies collaborator.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates (if needed) and opens the SQLite-backed ancillary store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ancillary: creating directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-131072&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ancillary: opening database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	s := &Store{db: db, logger: logger.Named("ancillary")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS settings (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS client_settings (
		client_id TEXT PRIMARY KEY,
		value     TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS annotations (
		client_id  TEXT NOT NULL,
		unique_id  TEXT NOT NULL,
		instrument TEXT NOT NULL,
		timeframe  TEXT NOT NULL,
		annotype   TEXT NOT NULL,
		object     TEXT NOT NULL,
		PRIMARY KEY (client_id, unique_id)
	);
	CREATE TABLE IF NOT EXISTS strategies (
		client_id   TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL,
		parameters  TEXT NOT NULL,
		subscribers TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ancillary: init schema: %w", err)
	}
	return nil
}

// SetSetting stores a named global setting as arbitrary JSON.
func (s *Store) SetSetting(ctx context.Context, name string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ancillary: marshal setting %s: %w", name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value=excluded.value`, name, string(data))
	if err != nil {
		return fmt.Errorf("ancillary: set setting %s: %w", name, err)
	}
	return nil
}

// GetSetting loads a named global setting into dest.
func (s *Store) GetSetting(ctx context.Context, name string, dest interface{}) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("ancillary: setting %s not found", name)
	}
	if err != nil {
		return fmt.Errorf("ancillary: get setting %s: %w", name, err)
	}
	return json.Unmarshal([]byte(raw), dest)
}

// SetClientSetting stores a per-client settings blob.
func (s *Store) SetClientSetting(ctx context.Context, clientID string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ancillary: marshal client setting %s: %w", clientID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO client_settings (client_id, value) VALUES (?, ?)
		ON CONFLICT(client_id) DO UPDATE SET value=excluded.value`, clientID, string(data))
	if err != nil {
		return fmt.Errorf("ancillary: set client setting %s: %w", clientID, err)
	}
	return nil
}

// GetClientSetting loads a per-client settings blob into dest.
func (s *Store) GetClientSetting(ctx context.Context, clientID string, dest interface{}) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM client_settings WHERE client_id = ?`, clientID).Scan(&raw)
	if err == sql.ErrNoRows {
		return fmt.Errorf("ancillary: client setting %s not found", clientID)
	}
	if err != nil {
		return fmt.Errorf("ancillary: get client setting %s: %w", clientID, err)
	}
	return json.Unmarshal([]byte(raw), dest)
}

// Annotation is a client-authored marker attached to an (instrument,
// timeframe) chart (spec.md §6).
type Annotation struct {
	ClientID   string          `json:"client_id"`
	UniqueID   string          `json:"unique_id"`
	Instrument string          `json:"instrument"`
	Timeframe  string          `json:"timeframe"`
	AnnoType   string          `json:"annotype"`
	Object     json.RawMessage `json:"object"`
}

// SaveAnnotation upserts one annotation.
func (s *Store) SaveAnnotation(ctx context.Context, a Annotation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (client_id, unique_id, instrument, timeframe, annotype, object)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, unique_id) DO UPDATE SET
			instrument=excluded.instrument, timeframe=excluded.timeframe,
			annotype=excluded.annotype, object=excluded.object`,
		a.ClientID, a.UniqueID, a.Instrument, a.Timeframe, a.AnnoType, string(a.Object))
	if err != nil {
		return fmt.Errorf("ancillary: save annotation %s/%s: %w", a.ClientID, a.UniqueID, err)
	}
	return nil
}

// DeleteAnnotation removes one annotation by its primary key.
func (s *Store) DeleteAnnotation(ctx context.Context, clientID, uniqueID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE client_id = ? AND unique_id = ?`, clientID, uniqueID)
	if err != nil {
		return fmt.Errorf("ancillary: delete annotation %s/%s: %w", clientID, uniqueID, err)
	}
	return nil
}

// ListAnnotations returns every annotation a client owns.
func (s *Store) ListAnnotations(ctx context.Context, clientID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, unique_id, instrument, timeframe, annotype, object
		FROM annotations WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, fmt.Errorf("ancillary: list annotations for %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []Annotation
	for rows.Next() {
		var a Annotation
		var obj string
		if err := rows.Scan(&a.ClientID, &a.UniqueID, &a.Instrument, &a.Timeframe, &a.AnnoType, &obj); err != nil {
			return nil, fmt.Errorf("ancillary: scanning annotation: %w", err)
		}
		a.Object = json.RawMessage(obj)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Strategy is a saved analysis configuration with a subscriber list used
// for fan-out when the owner saves or deletes an annotation tied to it
// (spec.md §5, §6).
type Strategy struct {
	ClientID    string          `json:"client_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Subscribers []string        `json:"subscribers"`
}

// SaveStrategy upserts one strategy.
func (s *Store) SaveStrategy(ctx context.Context, st Strategy) error {
	subs, err := json.Marshal(st.Subscribers)
	if err != nil {
		return fmt.Errorf("ancillary: marshal subscribers for %s: %w", st.ClientID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategies (client_id, name, description, parameters, subscribers)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			name=excluded.name, description=excluded.description,
			parameters=excluded.parameters, subscribers=excluded.subscribers`,
		st.ClientID, st.Name, st.Description, string(st.Parameters), string(subs))
	if err != nil {
		return fmt.Errorf("ancillary: save strategy %s: %w", st.ClientID, err)
	}
	return nil
}

// GetStrategy loads one strategy by owning client ID.
func (s *Store) GetStrategy(ctx context.Context, clientID string) (Strategy, error) {
	var st Strategy
	var params, subs string
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, name, description, parameters, subscribers
		FROM strategies WHERE client_id = ?`, clientID).
		Scan(&st.ClientID, &st.Name, &st.Description, &params, &subs)
	if err == sql.ErrNoRows {
		return Strategy{}, fmt.Errorf("ancillary: strategy %s not found", clientID)
	}
	if err != nil {
		return Strategy{}, fmt.Errorf("ancillary: get strategy %s: %w", clientID, err)
	}
	st.Parameters = json.RawMessage(params)
	if err := json.Unmarshal([]byte(subs), &st.Subscribers); err != nil {
		return Strategy{}, fmt.Errorf("ancillary: unmarshal subscribers for %s: %w", clientID, err)
	}
	return st, nil
}

// Subscribers returns the strategy's current subscriber list without
// loading the rest of the row, for dispatch-time membership checks
// (spec.md §5: ancillary store consulted fresh at fan-out time, never
// cached).
func (s *Store) Subscribers(ctx context.Context, clientID string) ([]string, error) {
	var subs string
	err := s.db.QueryRowContext(ctx, `SELECT subscribers FROM strategies WHERE client_id = ?`, clientID).Scan(&subs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ancillary: subscribers for %s: %w", clientID, err)
	}
	var out []string
	if err := json.Unmarshal([]byte(subs), &out); err != nil {
		return nil, fmt.Errorf("ancillary: unmarshal subscribers for %s: %w", clientID, err)
	}
	return out, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
