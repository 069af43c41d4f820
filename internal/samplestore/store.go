// Package samplestore keeps donor tissue samples and their microarray
// expression measurements in SQLite.
package samplestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/neurofusion/server/internal/fsutil"
)

// ErrNotFound is returned by Open when no store exists at the path.
var ErrNotFound = errors.New("sample store not found")

// Sample is one tissue sample with its MNI coordinate in millimetres.
type Sample struct {
	ID    int64      `json:"id"`
	Donor string     `json:"donor"`
	MNI   [3]float64 `json:"mni"`
}

// Measurement is the expression of one gene in one sample. Informative marks
// measurements above the background level of the array.
type Measurement struct {
	SampleID    int64
	Gene        string
	Value       float64
	Informative bool
}

// Stats summarises the store contents.
type Stats struct {
	Donors       int `json:"donors"`
	Samples      int `json:"samples"`
	Genes        int `json:"genes"`
	Measurements int `json:"measurements"`
}

// Store is a SQLite-backed sample store.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// Open opens an existing store. It returns ErrNotFound when the file is missing.
func Open(dbPath string) (*Store, error) {
	if !fsutil.Exists(dbPath) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dbPath)
	}
	return open(dbPath)
}

// Create opens the store at dbPath, creating the file and schema if needed.
func Create(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}
	return open(dbPath)
}

func open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		sample_id INTEGER PRIMARY KEY,
		donor TEXT NOT NULL,
		mni_x REAL NOT NULL,
		mni_y REAL NOT NULL,
		mni_z REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_donor ON samples(donor);

	CREATE TABLE IF NOT EXISTS expression (
		sample_id INTEGER NOT NULL,
		gene TEXT NOT NULL,
		value REAL NOT NULL,
		informative INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (gene, sample_id),
		FOREIGN KEY (sample_id) REFERENCES samples(sample_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AddSamples inserts or replaces samples in one transaction.
func (s *Store) AddSamples(ctx context.Context, samples []Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO samples (sample_id, donor, mni_x, mni_y, mni_z)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, smp := range samples {
		if _, err := stmt.ExecContext(ctx, smp.ID, smp.Donor, smp.MNI[0], smp.MNI[1], smp.MNI[2]); err != nil {
			return fmt.Errorf("failed to insert sample %d: %w", smp.ID, err)
		}
	}
	return tx.Commit()
}

// AddMeasurements inserts or replaces measurements in one transaction.
func (s *Store) AddMeasurements(ctx context.Context, ms []Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO expression (sample_id, gene, value, informative)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range ms {
		informative := 0
		if m.Informative {
			informative = 1
		}
		if _, err := stmt.ExecContext(ctx, m.SampleID, m.Gene, m.Value, informative); err != nil {
			return fmt.Errorf("failed to insert %s/%d: %w", m.Gene, m.SampleID, err)
		}
	}
	return tx.Commit()
}

// Samples returns every sample ordered by id.
func (s *Store) Samples(ctx context.Context) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sample_id, donor, mni_x, mni_y, mni_z
		FROM samples ORDER BY sample_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var smp Sample
		if err := rows.Scan(&smp.ID, &smp.Donor, &smp.MNI[0], &smp.MNI[1], &smp.MNI[2]); err != nil {
			return nil, err
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// InformativeFractions returns, per gene, the fraction of its measurements
// flagged informative.
func (s *Store) InformativeFractions(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gene, AVG(informative) FROM expression GROUP BY gene
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var gene string
		var frac float64
		if err := rows.Scan(&gene, &frac); err != nil {
			return nil, err
		}
		out[gene] = frac
	}
	return out, rows.Err()
}

// Measurements streams every measurement ordered by gene, then sample id.
func (s *Store) Measurements(ctx context.Context, fn func(Measurement) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sample_id, gene, value, informative
		FROM expression ORDER BY gene, sample_id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var m Measurement
		var informative int
		if err := rows.Scan(&m.SampleID, &m.Gene, &m.Value, &informative); err != nil {
			return err
		}
		m.Informative = informative != 0
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Stats counts donors, samples, genes and measurements.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(DISTINCT donor) FROM samples),
			(SELECT COUNT(*) FROM samples),
			(SELECT COUNT(DISTINCT gene) FROM expression),
			(SELECT COUNT(*) FROM expression)
	`).Scan(&st.Donors, &st.Samples, &st.Genes, &st.Measurements)
	return st, err
}
