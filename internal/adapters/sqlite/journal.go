// Package sqlite implements ports.JournalRepository on SQLite. One row per
// (stream, trading date); Save upserts so every state transition overwrites
// the previous snapshot.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"openrange/internal/domain"
	"openrange/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Journal implements the ports.JournalRepository interface using SQLite.
type Journal struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite journal.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewJournal opens (creating if necessary) the journal database.
func NewJournal(cfg Config) (*Journal, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite journal")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/openrange.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the engine writer and any
	// inspection tooling reading alongside it.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	j := &Journal{db: db, logger: cfg.Logger}
	if err := j.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize journal schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite journal initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite journal ready", map[string]interface{}{"path": dbPath})
	return j, nil
}

func (j *Journal) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS stream_journal (
		stream_id           TEXT NOT NULL,
		trading_date        TEXT NOT NULL,
		state               TEXT NOT NULL,
		committed           INTEGER NOT NULL DEFAULT 0,
		total_gap_minutes   INTEGER NOT NULL DEFAULT 0,
		largest_gap_minutes INTEGER NOT NULL DEFAULT 0,
		last_open_time      TIMESTAMP DEFAULT NULL,
		range_high          REAL DEFAULT NULL,
		range_low           REAL DEFAULT NULL,
		updated_at          TIMESTAMP NOT NULL,
		PRIMARY KEY (stream_id, trading_date)
	);
	CREATE INDEX IF NOT EXISTS idx_stream_journal_date ON stream_journal (trading_date);
	`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		j.logger.Info(context.Background(), "Closing SQLite journal")
		return j.db.Close()
	}
	return nil
}

// Save writes or replaces the record for (rec.StreamID, rec.TradingDate).
func (j *Journal) Save(ctx context.Context, rec *domain.JournalRecord) error {
	const query = `
	INSERT INTO stream_journal (stream_id, trading_date, state, committed,
	                            total_gap_minutes, largest_gap_minutes,
	                            last_open_time, range_high, range_low, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (stream_id, trading_date) DO UPDATE SET
		state = excluded.state,
		committed = excluded.committed,
		total_gap_minutes = excluded.total_gap_minutes,
		largest_gap_minutes = excluded.largest_gap_minutes,
		last_open_time = excluded.last_open_time,
		range_high = excluded.range_high,
		range_low = excluded.range_low,
		updated_at = excluded.updated_at`

	var lastOpen sql.NullTime
	if !rec.LastOpenTime.IsZero() {
		lastOpen = sql.NullTime{Time: rec.LastOpenTime.UTC(), Valid: true}
	}
	// NULL bounds mean "no locked range"; the flag, not the values, decides.
	// A degenerate range whose bounds are both 0 still persists as numbers.
	var high, low sql.NullFloat64
	if rec.HasRange {
		high = sql.NullFloat64{Float64: rec.RangeHigh, Valid: true}
		low = sql.NullFloat64{Float64: rec.RangeLow, Valid: true}
	}

	_, err := j.db.ExecContext(ctx, query,
		rec.StreamID, rec.TradingDate.String(), string(rec.State), boolToInt(rec.Committed),
		rec.TotalGapMinutes, rec.LargestGapMinutes, lastOpen, high, low, rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save journal record for stream %s on %s: %w: %w",
			rec.StreamID, rec.TradingDate, ports.ErrJournalWrite, err)
	}
	j.logger.Debug(ctx, "Journal record saved", map[string]interface{}{
		"streamID":    rec.StreamID,
		"tradingDate": rec.TradingDate.String(),
		"state":       rec.State,
		"committed":   rec.Committed,
	})
	return nil
}

// Find retrieves the record for a stream and trading date.
// Returns nil, nil if no record exists.
func (j *Journal) Find(ctx context.Context, streamID string, date domain.TradingDate) (*domain.JournalRecord, error) {
	const query = `
	SELECT stream_id, trading_date, state, committed, total_gap_minutes,
	       largest_gap_minutes, last_open_time, range_high, range_low, updated_at
	FROM stream_journal
	WHERE stream_id = ? AND trading_date = ?`

	row := j.db.QueryRowContext(ctx, query, streamID, date.String())
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query journal for stream %s on %s: %w: %w",
			streamID, date, ports.ErrQueryFailed, err)
	}
	return rec, nil
}

// FindByDate retrieves all records for a trading date.
func (j *Journal) FindByDate(ctx context.Context, date domain.TradingDate) ([]*domain.JournalRecord, error) {
	const query = `
	SELECT stream_id, trading_date, state, committed, total_gap_minutes,
	       largest_gap_minutes, last_open_time, range_high, range_low, updated_at
	FROM stream_journal
	WHERE trading_date = ?
	ORDER BY stream_id`

	rows, err := j.db.QueryContext(ctx, query, date.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query journal for date %s: %w: %w", date, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	records := make([]*domain.JournalRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal record: %w", err)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal rows: %w", err)
	}
	return records, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*domain.JournalRecord, error) {
	rec := &domain.JournalRecord{}
	var dateStr, stateStr string
	var committed int
	var lastOpen sql.NullTime
	var high, low sql.NullFloat64
	err := s.Scan(&rec.StreamID, &dateStr, &stateStr, &committed,
		&rec.TotalGapMinutes, &rec.LargestGapMinutes, &lastOpen, &high, &low, &rec.UpdatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	date, err := domain.ParseTradingDate(dateStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt trading_date in journal: %w", err)
	}
	rec.TradingDate = date
	rec.State = domain.StreamState(stateStr)
	rec.Committed = committed != 0
	if lastOpen.Valid {
		rec.LastOpenTime = lastOpen.Time.UTC()
	}
	if high.Valid && low.Valid {
		rec.HasRange = true
		rec.RangeHigh = high.Float64
		rec.RangeLow = low.Float64
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
