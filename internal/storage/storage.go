package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for jobs and sky matching runs.
type Store struct {
	DB     *sql.DB // Export for direct database access
	driver string
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open("sqlite", path)
}

// Open opens the database at path with the named driver, "sqlite"
// (modernc.org/sqlite) or "sqlite3" (mattn/go-sqlite3), and ensures schema.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)
	s := &Store{DB: db, driver: driver}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS sky_runs (
            id TEXT PRIMARY KEY,
            job_id TEXT,
            manifest TEXT,
            method TEXT NOT NULL,
            image_count INTEGER,
            group_count INTEGER,
            failed_groups INTEGER,
            duration_ms INTEGER,
            error_message TEXT,
            result_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS sky_values (
            run_id TEXT NOT NULL,
            image TEXT NOT NULL,
            image_index INTEGER,
            group_key TEXT,
            sky REAL,
            method TEXT,
            subtract BOOLEAN,
            component INTEGER,
            error_message TEXT,
            PRIMARY KEY (run_id, image)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_sky_values_image ON sky_values(image);`,
		`CREATE INDEX IF NOT EXISTS idx_sky_runs_created ON sky_runs(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input"`
	OutputPath  string     `json:"output,omitempty"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunRecord summarizes one sky matching run.
type RunRecord struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id,omitempty"`
	Manifest     string    `json:"manifest"`
	Method       string    `json:"method"`
	Images       int       `json:"images"`
	Groups       int       `json:"groups"`
	FailedGroups int       `json:"failed_groups"`
	DurationMS   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	ResultJSON   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// SkyValue is the persisted sky value of one image in a run.
type SkyValue struct {
	RunID     string  `json:"run_id"`
	Image     string  `json:"image"`
	Index     int     `json:"index"`
	Group     string  `json:"group"`
	Sky       float64 `json:"sky"`
	Method    string  `json:"method"`
	Subtract  bool    `json:"subtract"`
	Component int     `json:"component"`
	Error     string  `json:"error,omitempty"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordRun persists a run and its per-image sky values atomically.
func (s *Store) RecordRun(run RunRecord, values []SkyValue) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO sky_runs (id, job_id, manifest, method, image_count, group_count, failed_groups, duration_ms, error_message, result_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		run.ID, run.JobID, run.Manifest, run.Method, run.Images, run.Groups, run.FailedGroups, run.DurationMS, run.Error, run.ResultJSON)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO sky_values (run_id, image, image_index, group_key, sky, method, subtract, component, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, v := range values {
		if _, err := stmt.Exec(run.ID, v.Image, v.Index, v.Group, v.Sky, v.Method, v.Subtract, v.Component, v.Error); err != nil {
			return fmt.Errorf("insert sky value for %s: %w", v.Image, err)
		}
	}
	return tx.Commit()
}

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_id, manifest, method, image_count, group_count, failed_groups, duration_ms, error_message, result_json, created_at FROM sky_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run returns one run and its sky values ordered by image index.
func (s *Store) Run(id string) (RunRecord, []SkyValue, error) {
	if s == nil {
		return RunRecord{}, nil, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, job_id, manifest, method, image_count, group_count, failed_groups, duration_ms, error_message, result_json, created_at FROM sky_runs WHERE id=?;`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return RunRecord{}, nil, err
	}

	rows, err := s.DB.Query(`SELECT run_id, image, image_index, group_key, sky, method, subtract, component, error_message FROM sky_values WHERE run_id=? ORDER BY image_index, image;`, id)
	if err != nil {
		return RunRecord{}, nil, err
	}
	defer rows.Close()
	var values []SkyValue
	for rows.Next() {
		var v SkyValue
		var errMsg sql.NullString
		if err := rows.Scan(&v.RunID, &v.Image, &v.Index, &v.Group, &v.Sky, &v.Method, &v.Subtract, &v.Component, &errMsg); err != nil {
			return RunRecord{}, nil, err
		}
		v.Error = errMsg.String
		values = append(values, v)
	}
	return rec, values, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var rec RunRecord
	var jobID, manifest, errMsg, result sql.NullString
	if err := sc.Scan(&rec.ID, &jobID, &manifest, &rec.Method, &rec.Images, &rec.Groups, &rec.FailedGroups, &rec.DurationMS, &errMsg, &result, &rec.CreatedAt); err != nil {
		return RunRecord{}, err
	}
	rec.JobID = jobID.String
	rec.Manifest = manifest.String
	rec.Error = errMsg.String
	rec.ResultJSON = result.String
	return rec, nil
}
