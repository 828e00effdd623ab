package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/versemarket/keeperd/pkg/ratelimit"
)

var (
	// Bucket names
	bucketResolutions = []byte("resolutions")
	bucketAssignments = []byte("assignments")
	bucketUsage       = []byte("usage")
)

var keyGeneration = []byte("generation")

// BoltStore implements Local using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the keeper's local database
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "keeperd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketResolutions,
			bucketAssignments,
			bucketUsage,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Resolution operations

func (s *BoltStore) MarkResolutionProcessed(marketID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResolutions)
		return b.Put([]byte(marketID), []byte("1"))
	})
}

func (s *BoltStore) IsResolutionProcessed(marketID string) (bool, error) {
	var processed bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResolutions)
		processed = b.Get([]byte(marketID)) != nil
		return nil
	})
	return processed, err
}

func (s *BoltStore) ListProcessedResolutions() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResolutions)
		return b.ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// Assignment generation operations

func (s *BoltStore) SaveGeneration(generation uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], generation)
		return b.Put(keyGeneration, buf[:])
	})
}

func (s *BoltStore) LoadGeneration() (uint64, error) {
	var generation uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		data := b.Get(keyGeneration)
		if data == nil {
			return nil
		}
		if len(data) != 8 {
			return fmt.Errorf("corrupt generation record: %d bytes", len(data))
		}
		generation = binary.BigEndian.Uint64(data)
		return nil
	})
	return generation, err
}

// Compliance usage operations

func (s *BoltStore) SaveUsage(snapshots []ratelimit.UsageSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsage)
		// Replace the whole set so stale endpoints do not linger.
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			stale = append(stale, append([]byte(nil), k...))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, snap := range snapshots {
			data, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(snap.Endpoint), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadUsage() ([]ratelimit.UsageSnapshot, error) {
	var snapshots []ratelimit.UsageSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsage)
		return b.ForEach(func(k, v []byte) error {
			var snap ratelimit.UsageSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			snapshots = append(snapshots, snap)
			return nil
		})
	})
	return snapshots, err
}
