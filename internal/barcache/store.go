// Package barcache is the durable, keyed 1-minute bar store (spec.md
// §4.3). It is grounded on the SQLite WAL/pragma setup used for the
// tick-level persistence layer elsewhere in the pack, adapted from a
// daily-partitioned async writer into a single-file synchronous-batch
// store keyed by (instrument, timeframe, timestamp).
package barcache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"marketfeed/internal/model"
)

// Store is the durable bar cache. Reads run concurrently; writes are
// transactional per batch (spec.md §5).
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates (if needed) and opens the SQLite-backed bar cache at path,
// configuring WAL journaling, NORMAL synchronous, and a ~128MiB page
// cache as spec.md §4.3/§6 require.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("barcache: creating directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-131072&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("barcache: opening database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	s := &Store{db: db, logger: logger.Named("barcache")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS bars (
		instrument TEXT NOT NULL,
		timeframe  TEXT NOT NULL,
		timestamp  INTEGER NOT NULL,
		open       REAL NOT NULL,
		high       REAL NOT NULL,
		low        REAL NOT NULL,
		close      REAL NOT NULL,
		volume     INTEGER NOT NULL,
		PRIMARY KEY (instrument, timeframe, timestamp)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("barcache: init schema: %w", err)
	}
	return nil
}

// GetRange returns cached bars for (instrument, timeframe) within
// [startMs, endMs], ordered by timestamp ascending.
func (s *Store) GetRange(ctx context.Context, instrument, timeframe string, startMs, endMs int64) ([]model.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM bars
		WHERE instrument = ? AND timeframe = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`, instrument, timeframe, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("barcache: range query: %w", err)
	}
	defer rows.Close()

	var out []model.Bar
	for rows.Next() {
		var b model.Bar
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("barcache: scanning row: %w", err)
		}
		b.Instrument = instrument
		b.Timeframe = timeframe
		b.Source = model.SourceCache
		b.IsClosed = true
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertBatch upserts bars in a single transaction. Null bars are filtered
// out before the transaction begins and logged as skipped (spec.md §3,
// §4.3).
func (s *Store) InsertBatch(ctx context.Context, bars []model.Bar) error {
	kept := make([]model.Bar, 0, len(bars))
	skipped := 0
	for _, b := range bars {
		if b.IsNull() {
			skipped++
			continue
		}
		kept = append(kept, b)
	}
	if skipped > 0 {
		s.logger.Debug("skipped null bars before insert", zap.Int("skipped", skipped))
	}
	if len(kept) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("barcache: begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (instrument, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instrument, timeframe, timestamp) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low,
			close=excluded.close, volume=excluded.volume`)
	if err != nil {
		return fmt.Errorf("barcache: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range kept {
		if _, err := stmt.ExecContext(ctx, b.Instrument, b.Timeframe, b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("barcache: insert %s/%s@%d: %w", b.Instrument, b.Timeframe, b.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("barcache: commit: %w", err)
	}
	return nil
}

// ClearFilter selects which rows to delete; zero-value fields mean "any".
type ClearFilter struct {
	Instrument string
	Timeframe  string
	StartMs    int64
	EndMs      int64 // 0 means "no upper bound"
}

// Clear deletes rows matching any combination of instrument, timeframe,
// and timestamp range (spec.md §4.3).
func (s *Store) Clear(ctx context.Context, f ClearFilter) error {
	var clauses []string
	var args []interface{}

	if f.Instrument != "" {
		clauses = append(clauses, "instrument = ?")
		args = append(args, f.Instrument)
	}
	if f.Timeframe != "" {
		clauses = append(clauses, "timeframe = ?")
		args = append(args, f.Timeframe)
	}
	if f.StartMs != 0 {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.StartMs)
	}
	if f.EndMs != 0 {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, f.EndMs)
	}

	query := "DELETE FROM bars"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("barcache: clear: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
