package store

import (
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/arkantrust/heliactyl-staking/models"
)

// GetIdempotency returns the cached response for key when it has not expired.
// Expired entries are removed on read.
func (s *Store) GetIdempotency(key string, now time.Time) (models.IdempotencyRecord, bool, error) {
	var record models.IdempotencyRecord
	found := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if now.After(record.ExpiresAt) {
			record = models.IdempotencyRecord{}
			return b.Delete([]byte(key))
		}
		found = true
		return nil
	})
	if err != nil {
		return models.IdempotencyRecord{}, false, err
	}
	return record, found, nil
}

// PutIdempotency stores the response envelope for key. An existing entry is
// kept: the first response recorded for a key is the one every retry sees.
func (s *Store) PutIdempotency(key string, record models.IdempotencyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		if existing := b.Get([]byte(key)); existing != nil {
			var stored models.IdempotencyRecord
			if err := json.Unmarshal(existing, &stored); err == nil && !record.StoredAt.After(stored.ExpiresAt) {
				return nil
			}
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}
