// Package store provides the BoltDB-backed persistence layer of the staking
// service.
//
// BoltDB is an embedded key/value store. All data lives in a single file and
// every write happens inside one serialized read-write transaction, so a
// caller that does its whole read-modify-write cycle inside Update can never
// lose an update to a concurrent writer, and a failure anywhere in the cycle
// rolls the whole cycle back.
//
// Layout
// ------
//   - heliactyl: JSON values under the panel's historic keys
//     (coins-{id}, staking-positions-{id}, staked-{id}, lastStakeTime-{id}).
//   - transactions: the append-only transaction log, keyed by bucket sequence.
//   - idempotency: cached HTTP responses keyed by user and Idempotency-Key.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strings"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arkantrust/heliactyl-staking/models"
)

var (
	bucketNamespace    = []byte("heliactyl")
	bucketTransactions = []byte("transactions")
	bucketIdempotency  = []byte("idempotency")
)

const (
	coinsPrefix         = "coins-"
	positionsPrefix     = "staking-positions-"
	legacyStakedPrefix  = "staked-"
	legacyLastStakePref = "lastStakeTime-"
)

// CoinsKey is the key of a user's coin balance.
func CoinsKey(userID string) string { return coinsPrefix + userID }

// PositionsKey is the key of a user's staking position list.
func PositionsKey(userID string) string { return positionsPrefix + userID }

// LegacyStakedKey and LegacyLastStakeKey are the keys of the single-position
// staking format that predates position lists.
func LegacyStakedKey(userID string) string { return legacyStakedPrefix + userID }

func LegacyLastStakeKey(userID string) string { return legacyLastStakePref + userID }

// Store wraps a BoltDB database.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) a BoltDB database at the given path and ensures all
// buckets exist.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketNamespace, bucketTransactions, bucketIdempotency} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// View runs fn inside a read-only transaction. Writes through the Tx fail.
func (s *Store) View(fn func(*Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// Update runs fn inside a read-write transaction. Bolt allows one writer at a
// time, so Update calls never interleave. If fn returns an error nothing fn
// wrote is persisted.
func (s *Store) Update(fn func(*Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// Tx is a view of the store inside a single Bolt transaction.
type Tx struct {
	tx *bolt.Tx
}

// Get decodes the JSON value stored under key into v. It reports false when
// the key does not exist.
func (t *Tx) Get(key string, v any) (bool, error) {
	raw := t.tx.Bucket(bucketNamespace).Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, err
	}
	return true, nil
}

// Set stores v as JSON under key.
func (t *Tx) Set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketNamespace).Put([]byte(key), data)
}

// Delete removes key. Deleting a missing key is not an error.
func (t *Tx) Delete(key string) error {
	return t.tx.Bucket(bucketNamespace).Delete([]byte(key))
}

// KeysWithPrefix returns every key of the namespace bucket that starts with
// prefix, in key order.
func (t *Tx) KeysWithPrefix(prefix string) []string {
	var keys []string
	c := t.tx.Bucket(bucketNamespace).Cursor()
	p := []byte(prefix)
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		keys = append(keys, string(k))
	}
	return keys
}

// Coins returns the user's balance. A missing balance is zero.
func (t *Tx) Coins(userID string) (decimal.Decimal, error) {
	var coins decimal.Decimal
	if _, err := t.Get(CoinsKey(userID), &coins); err != nil {
		return decimal.Zero, err
	}
	return coins, nil
}

// SetCoins stores the user's balance.
func (t *Tx) SetCoins(userID string, coins decimal.Decimal) error {
	return t.Set(CoinsKey(userID), coins)
}

// Positions returns the user's position list and whether the list key exists
// at all. A stored empty list reports true.
func (t *Tx) Positions(userID string) ([]models.StakingPosition, bool, error) {
	var positions []models.StakingPosition
	ok, err := t.Get(PositionsKey(userID), &positions)
	if err != nil {
		return nil, ok, err
	}
	if positions == nil {
		positions = []models.StakingPosition{}
	}
	return positions, ok, nil
}

// SetPositions replaces the user's position list.
func (t *Tx) SetPositions(userID string, positions []models.StakingPosition) error {
	if positions == nil {
		positions = []models.StakingPosition{}
	}
	return t.Set(PositionsKey(userID), positions)
}

// LegacyStake is the single-position record of the old staking format.
type LegacyStake struct {
	Amount decimal.Decimal
	// LastStakeTime is zero when the old record had no timestamp.
	LastStakeTime int64
}

// LegacyStake returns the user's old-format stake, if any.
func (t *Tx) LegacyStake(userID string) (LegacyStake, bool, error) {
	var legacy LegacyStake
	ok, err := t.Get(LegacyStakedKey(userID), &legacy.Amount)
	if err != nil || !ok {
		return LegacyStake{}, false, err
	}
	var last float64
	if _, err := t.Get(LegacyLastStakeKey(userID), &last); err != nil {
		return LegacyStake{}, false, err
	}
	legacy.LastStakeTime = int64(last)
	return legacy, true, nil
}

// DeleteLegacyStake removes both old-format keys.
func (t *Tx) DeleteLegacyStake(userID string) error {
	if err := t.Delete(LegacyStakedKey(userID)); err != nil {
		return err
	}
	return t.Delete(LegacyLastStakeKey(userID))
}

// LegacyStakers lists the ids of users that still have an old-format stake.
func (t *Tx) LegacyStakers() []string {
	keys := t.KeysWithPrefix(legacyStakedPrefix)
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, legacyStakedPrefix))
	}
	return ids
}

// AppendTransaction adds rec to the end of the transaction log, assigning it
// an ID when it has none. Records are never rewritten.
func (t *Tx) AppendTransaction(rec models.TransactionRecord) (models.TransactionRecord, error) {
	b := t.tx.Bucket(bucketTransactions)
	seq, err := b.NextSequence()
	if err != nil {
		return rec, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, err
	}
	return rec, b.Put(sequenceKey(seq), data)
}

// Transactions returns the log entries accepted by keep, oldest first. A nil
// keep returns everything.
func (t *Tx) Transactions(keep func(models.TransactionRecord) bool) ([]models.TransactionRecord, error) {
	items := []models.TransactionRecord{}
	err := t.tx.Bucket(bucketTransactions).ForEach(func(_, v []byte) error {
		var rec models.TransactionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if keep == nil || keep(rec) {
			items = append(items, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
