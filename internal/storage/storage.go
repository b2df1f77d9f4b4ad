// Package storage persists per-frame outcomes and per-star photometry
// in SQLite so a night's results survive the process and can be served
// or re-inspected later.
package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for frames and photometry.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS frames (
            path TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            shift_x REAL,
            shift_y REAL,
            jd REAL,
            bjd REAL,
            hjd REAL,
            error_message TEXT,
            processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS photometry (
            frame TEXT NOT NULL,
            star INTEGER NOT NULL,
            radius REAL NOT NULL,
            xpix REAL,
            ypix REAL,
            flux REAL,
            flux_err REAL,
            sky REAL,
            jd REAL,
            bjd REAL,
            hjd REAL,
            PRIMARY KEY (frame, star, radius)
        );`,
		`CREATE TABLE IF NOT EXISTS masters (
            kind TEXT PRIMARY KEY,
            path TEXT,
            inputs INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_photometry_star ON photometry(star, radius);`,
		`CREATE INDEX IF NOT EXISTS idx_frames_status ON frames(status);`,
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

// FrameRecord captures one frame's outcome.
type FrameRecord struct {
	Path        string
	Status      string // accepted, rejected, failed
	ShiftX      float64
	ShiftY      float64
	JD          float64
	BJD         float64
	HJD         float64
	Error       string
	ProcessedAt time.Time
}

// PhotRecord is one star's measurement at one aperture radius.
type PhotRecord struct {
	Frame   string
	Star    int
	Radius  float64
	X       float64
	Y       float64
	Flux    float64
	FluxErr float64
	Sky     float64
	JD      float64
	BJD     float64
	HJD     float64
}

// RecordFrame upserts a frame outcome.
func (s *Store) RecordFrame(rec FrameRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO frames
        (path, status, shift_x, shift_y, jd, bjd, hjd, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.Path, rec.Status, rec.ShiftX, rec.ShiftY, rec.JD, rec.BJD, rec.HJD, rec.Error)
	return err
}

// RecordPhotometry inserts the measurements for one frame in a single
// transaction.
func (s *Store) RecordPhotometry(recs []PhotRecord) error {
	if s == nil || len(recs) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO photometry
        (frame, star, radius, xpix, ypix, flux, flux_err, sky, jd, bjd, hjd)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.Exec(r.Frame, r.Star, r.Radius, r.X, r.Y, r.Flux, r.FluxErr, r.Sky, r.JD, r.BJD, r.HJD); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// RecordMaster notes a built master calibration frame.
func (s *Store) RecordMaster(kind, path string, inputs int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO masters (kind, path, inputs) VALUES (?, ?, ?);`,
		kind, path, inputs)
	return err
}

// RecentFrames returns the latest frame outcomes up to limit.
func (s *Store) RecentFrames(limit int) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT path, status, shift_x, shift_y, jd, bjd, hjd, error_message, processed_at
        FROM frames ORDER BY processed_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var errMsg sql.NullString
		if err := rows.Scan(&rec.Path, &rec.Status, &rec.ShiftX, &rec.ShiftY,
			&rec.JD, &rec.BJD, &rec.HJD, &errMsg, &rec.ProcessedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// FramePhotometry returns all measurements for one frame.
func (s *Store) FramePhotometry(frame string) ([]PhotRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT frame, star, radius, xpix, ypix, flux, flux_err, sky, jd, bjd, hjd
        FROM photometry WHERE frame = ? ORDER BY star, radius;`, frame)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PhotRecord
	for rows.Next() {
		var r PhotRecord
		if err := rows.Scan(&r.Frame, &r.Star, &r.Radius, &r.X, &r.Y, &r.Flux, &r.FluxErr, &r.Sky, &r.JD, &r.BJD, &r.HJD); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// StarSeries returns one star's time series at one radius, ordered by JD.
func (s *Store) StarSeries(star int, radius float64) ([]PhotRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT frame, star, radius, xpix, ypix, flux, flux_err, sky, jd, bjd, hjd
        FROM photometry WHERE star = ? AND radius = ? ORDER BY jd;`, star, radius)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PhotRecord
	for rows.Next() {
		var r PhotRecord
		if err := rows.Scan(&r.Frame, &r.Star, &r.Radius, &r.X, &r.Y, &r.Flux, &r.FluxErr, &r.Sky, &r.JD, &r.BJD, &r.HJD); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
