package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var bucketStreams = []byte("streams")

// Record is the durable per-stream state that survives restarts. Everything
// else (descriptor, blob presence, file presence) is reconstructed from
// on-disk evidence at startup.
type Record struct {
	SDHash            string    `json:"sd_hash"`
	Name              string    `json:"name"`
	StreamingOnly     bool      `json:"streaming_only"`
	DownloadDirectory string    `json:"download_directory,omitempty"`
	FullPath          string    `json:"full_path,omitempty"`
	AddedAt           time.Time `json:"added_at"`
}

// Registry persists stream records in a bbolt database. The database file
// lives outside the blob directory so it never perturbs blob file counts.
type Registry struct {
	db *bbolt.DB
}

// OpenRegistry opens or creates the registry database at dbPath.
// The parent directory is created if it does not exist.
func OpenRegistry(dbPath string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("manager: create registry directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("manager: open registry: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStreams)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("manager: create bucket: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// Put stores or replaces a stream record.
func (r *Registry) Put(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("manager: marshal record: %w", err)
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStreams).Put([]byte(rec.SDHash), data)
	})
	if err != nil {
		return fmt.Errorf("manager: store record: %w", err)
	}
	return nil
}

// Get returns the record for sdHash, or ErrNotFound.
func (r *Registry) Get(sdHash string) (*Record, error) {
	var rec *Record
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStreams).Get([]byte(sdHash))
		if data == nil {
			return ErrNotFound
		}
		rec = &Record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("manager: load record: %w", err)
	}
	return rec, nil
}

// Delete removes the record for sdHash; absent records are not an error.
func (r *Registry) Delete(sdHash string) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStreams).Delete([]byte(sdHash))
	})
	if err != nil {
		return fmt.Errorf("manager: delete record: %w", err)
	}
	return nil
}

// All returns every stored stream record.
func (r *Registry) All() ([]*Record, error) {
	var recs []*Record
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStreams).ForEach(func(_, data []byte) error {
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("manager: scan records: %w", err)
	}
	return recs, nil
}
