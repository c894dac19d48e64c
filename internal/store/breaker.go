package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quantrail/controlplane/internal/domain"
)

const (
	bucketBreaker = "breaker"
	keyBreaker    = "state"
)

// BreakerStore persists the circuit breaker's state, trigger history, and
// override flag in a bbolt bucket under a fixed key. Writes are synchronous:
// bbolt fsyncs on commit, so once Save returns the record survives a crash.
// The circuit breaker is the only writer.
type BreakerStore struct {
	db *bolt.DB
}

// OpenBreakerStore opens (or creates) the durable breaker database at path.
func OpenBreakerStore(path string) (*BreakerStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open breaker db: %w", err)
	}
	s := &BreakerStore{db: db}
	if err := s.ensureBucket(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BreakerStore) ensureBucket() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketBreaker))
		return err
	})
}

// Close closes the underlying database.
func (s *BreakerStore) Close() error {
	return s.db.Close()
}

// Save writes the record durably. Any error here is fatal to the admission
// path: callers must fail closed.
func (s *BreakerStore) Save(rec domain.BreakerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal breaker record: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBreaker)).Put([]byte(keyBreaker), data)
	})
	if err != nil {
		return fmt.Errorf("persist breaker record: %w", err)
	}
	return nil
}

// Load reads the persisted record. When no record exists yet (first run),
// it returns an ACTIVE record with empty history.
func (s *BreakerStore) Load() (domain.BreakerRecord, error) {
	var rec domain.BreakerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketBreaker)).Get([]byte(keyBreaker))
		if v == nil {
			rec = domain.BreakerRecord{State: domain.BreakerActive, UpdatedAt: time.Now()}
			return nil
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return domain.BreakerRecord{}, fmt.Errorf("load breaker record: %w", err)
	}
	return rec, nil
}
