// Package store persists detection runs and their spot tables in SQLite.
package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"spots3d/internal/models"
	"spots3d/pkg/spotio"
)

// ErrNotFound is returned for a run ID that is not stored.
var ErrNotFound = errors.New("run not found")

// Run is one stored detection run.
type Run struct {
	ID        int64
	Source    string
	CreatedAt time.Time
	Params    spotio.DetectionParams

	// Candidates is the number of detected local maxima
	Candidates int

	// Fits and Kept count the stored spots and the selected ones
	Fits int
	Kept int

	Filtered bool
	Planar   bool
}

// Store wraps the SQLite connection with thread-safe access.
type Store struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open creates or opens the database at path and migrates its schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		params TEXT NOT NULL,
		candidates INTEGER DEFAULT 0,
		fits INTEGER DEFAULT 0,
		kept INTEGER DEFAULT 0,
		filtered INTEGER DEFAULT 0,
		planar INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS spots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		amplitude REAL NOT NULL,
		z REAL NOT NULL,
		y REAL NOT NULL,
		x REAL NOT NULL,
		sigma_xy REAL NOT NULL,
		sigma_z REAL NOT NULL,
		spot_offset REAL NOT NULL,
		chi_squared REAL NOT NULL,
		dist_fit_xy REAL NOT NULL,
		dist_fit_z REAL NOT NULL,
		spot_select INTEGER,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_spots_run_id ON spots(run_id, seq);
	`

	_, err := s.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// SaveRun stores the parameters and spot table of a run in a single
// transaction and returns the run ID.
func (s *Store) SaveRun(source string, params spotio.DetectionParams, candidates int, table spotio.Table) (int64, error) {
	if err := params.Validate(); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := spotio.EncodeParams(&buf, params); err != nil {
		return 0, fmt.Errorf("failed to encode params: %w", err)
	}
	kept := 0
	if table.Filtered {
		kept = len(table.Selected())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO runs (source, params, candidates, fits, kept, filtered, planar, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, source, buf.String(), candidates, len(table.Fits), kept, table.Filtered, table.Planar, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	runID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO spots (run_id, seq, amplitude, z, y, x, sigma_xy, sigma_z, spot_offset,
			chi_squared, dist_fit_xy, dist_fit_z, spot_select)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare spot statement: %w", err)
	}
	defer stmt.Close()

	for i, f := range table.Fits {
		var sel sql.NullBool
		if table.Filtered {
			sel = sql.NullBool{Bool: table.Select[i], Valid: true}
		}
		_, err := stmt.Exec(runID, i, f.Amplitude, f.Center[0], f.Center[1], f.Center[2],
			f.SigmaXY, f.SigmaZ, f.Offset, f.ChiSquared, f.DistXY, f.DistZ, sel)
		if err != nil {
			return 0, fmt.Errorf("failed to insert spot %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return runID, nil
}

const runColumns = `id, source, params, candidates, fits, kept, filtered, planar, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r      Run
		params string
	)
	if err := row.Scan(&r.ID, &r.Source, &params, &r.Candidates, &r.Fits, &r.Kept, &r.Filtered, &r.Planar, &r.CreatedAt); err != nil {
		return nil, err
	}
	p, err := spotio.DecodeParams(bytes.NewBufferString(params))
	if err != nil {
		return nil, fmt.Errorf("run %d: %w", r.ID, err)
	}
	r.Params = p
	return &r, nil
}

// GetRun retrieves a run by its ID, nil when it does not exist.
func (s *Store) GetRun(id int64) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := scanRun(s.conn.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first, at most limit when limit is positive.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Table loads the spot table of a run in its original row order.
func (s *Store) Table(runID int64) (spotio.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t spotio.Table
	err := s.conn.QueryRow(`SELECT filtered, planar FROM runs WHERE id = ?`, runID).Scan(&t.Filtered, &t.Planar)
	if err == sql.ErrNoRows {
		return t, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := s.conn.Query(`
		SELECT amplitude, z, y, x, sigma_xy, sigma_z, spot_offset, chi_squared, dist_fit_xy, dist_fit_z, spot_select
		FROM spots WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return t, fmt.Errorf("failed to query spots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		f := models.FitResult{Candidate: -1}
		var sel sql.NullBool
		if err := rows.Scan(&f.Amplitude, &f.Center[0], &f.Center[1], &f.Center[2], &f.SigmaXY, &f.SigmaZ,
			&f.Offset, &f.ChiSquared, &f.DistXY, &f.DistZ, &sel); err != nil {
			return t, fmt.Errorf("failed to scan spot: %w", err)
		}
		t.Fits = append(t.Fits, f)
		t.Select = append(t.Select, sel.Valid && sel.Bool)
	}
	return t, rows.Err()
}

// DeleteRun removes a run and its spots.
func (s *Store) DeleteRun(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM spots WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete spots: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return tx.Commit()
}
