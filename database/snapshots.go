package database

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNoSnapshot = errors.New("no snapshot")

// SnapshotStore writes vertex states of one job into a sqlite file: a gob
// encoded blob per written superstep and one row per spike
type SnapshotStore struct {
	db    *sql.DB
	jobId string
}

func NewSnapshotStore(path string, jobId string) (*SnapshotStore, error) {
	db, err := sql.Open(SQLITE, path)
	if err != nil {
		return nil, fmt.Errorf("NewSnapshotStore: %w", err)
	}
	// a single connection serializes writers on the same file
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			job_id TEXT NOT NULL,
			superstep INTEGER NOT NULL,
			final INTEGER NOT NULL,
			vertices BLOB NOT NULL,
			PRIMARY KEY (job_id, superstep, final)
		)`,
		`CREATE TABLE IF NOT EXISTS spikes (
			job_id TEXT NOT NULL,
			superstep INTEGER NOT NULL,
			neuron INTEGER NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("NewSnapshotStore: %w", err)
		}
	}
	return &SnapshotStore{db: db, jobId: jobId}, nil
}

func (s *SnapshotStore) WriteSuperstep(superstep uint64, vertices []Vertex) error {
	return s.write(superstep, false, vertices)
}

func (s *SnapshotStore) WriteFinal(superstep uint64, vertices []Vertex) error {
	if err := s.write(superstep, true, vertices); err != nil {
		return err
	}
	log.Printf("WriteFinal: job %v stored %d neurons at superstep %d\n", s.jobId, len(vertices), superstep)
	return nil
}

func (s *SnapshotStore) write(superstep uint64, final bool, vertices []Vertex) error {
	var blob bytes.Buffer
	if err := gob.NewEncoder(&blob).Encode(vertices); err != nil {
		return fmt.Errorf("snapshot %d: %w", superstep, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO snapshots (job_id, superstep, final, vertices) VALUES (?, ?, ?, ?)",
		s.jobId, int64(superstep), final, blob.Bytes(),
	); err != nil {
		return fmt.Errorf("snapshot %d: %w", superstep, err)
	}
	// the final snapshot repeats the last superstep's spikes
	if !final {
		for _, v := range vertices {
			if !v.State.Fired {
				continue
			}
			if _, err := tx.Exec(
				"INSERT INTO spikes (job_id, superstep, neuron) VALUES (?, ?, ?)",
				s.jobId, int64(superstep), int64(v.Id),
			); err != nil {
				return fmt.Errorf("spikes %d: %w", superstep, err)
			}
		}
	}
	return tx.Commit()
}

// ReadSnapshot returns the vertices written for superstep, or the final
// state when final is set
func (s *SnapshotStore) ReadSnapshot(superstep uint64, final bool) ([]Vertex, error) {
	var blob []byte
	err := s.db.QueryRow(
		"SELECT vertices FROM snapshots WHERE job_id = ? AND superstep = ? AND final = ?",
		s.jobId, int64(superstep), final,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ReadSnapshot: %w: job %v superstep %d", ErrNoSnapshot, s.jobId, superstep)
	}
	if err != nil {
		return nil, fmt.Errorf("ReadSnapshot: %w", err)
	}
	var vertices []Vertex
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&vertices); err != nil {
		return nil, fmt.Errorf("ReadSnapshot: %w", err)
	}
	return vertices, nil
}

// Spikes returns the ids of the neurons that fired at superstep, ascending
func (s *SnapshotStore) Spikes(superstep uint64) ([]uint64, error) {
	rows, err := s.db.Query(
		"SELECT neuron FROM spikes WHERE job_id = ? AND superstep = ? ORDER BY neuron",
		s.jobId, int64(superstep),
	)
	if err != nil {
		return nil, fmt.Errorf("Spikes: %w", err)
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("Spikes: %w", err)
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
