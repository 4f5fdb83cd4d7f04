// Package storage keeps the per-session run records in an ephemeral
// bbolt file: live for export while the process runs, removed on close.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const (
	BucketRuns = "runs"
)

// RunSummary is the headline numbers of one finished run.
type RunSummary struct {
	Requests     uint64  `json:"requests"`
	Success      uint64  `json:"success"`
	Fail         uint64  `json:"fail"`
	P50LatencyMs float64 `json:"p50_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
	ActualRPS    float64 `json:"actual_rps"`
}

// RunRecord is one load test run as stored.
type RunRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	StartedAt time.Time  `json:"started_at"`
	Duration  float64    `json:"duration_seconds"`
	Summary   RunSummary `json:"summary"`
}

type Store struct {
	db       *bbolt.DB
	filePath string
}

// NewStore opens a fresh session database under ~/.gust/sessions.
func NewStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(home, ".gust", "sessions")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// Create a unique file for this session
	filename := fmt.Sprintf("session_%d.db", time.Now().UnixNano())
	return open(filepath.Join(dir, filename))
}

// NewStoreAt opens a session database at an explicit path.
func NewStoreAt(path string) (*Store, error) {
	return open(path)
}

func open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open session store %q", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:       db,
		filePath: path,
	}, nil
}

// Close releases the database and removes the session file; records do
// not outlive the process.
func (s *Store) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	if s.filePath != "" {
		return os.Remove(s.filePath)
	}
	return nil
}

func (s *Store) Save(rec RunRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketRuns))

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

// List returns the stored runs in descending ID order. The order in
// which runs were saved is not tracked.
func (s *Store) List() []RunRecord {
	var recs []RunRecord

	s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketRuns))
		c := b.Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err == nil {
				recs = append(recs, rec)
			}
		}
		return nil
	})

	return recs
}

func (s *Store) Get(id string) (*RunRecord, error) {
	var rec RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketRuns))
		v := b.Get([]byte(id))
		if v == nil {
			return errors.Errorf("run %q not found", id)
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
