// Package txnstore durably records a replica's last applied transaction
// number, the freshness signal peers compare during bootstrap.
package txnstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/vimeo/fleetcoord/entry"
)

var lastTxnKey = []byte("last_txn")

// ErrRegression is returned by Advance for a transaction number below the
// recorded one.
var ErrRegression = errors.New("transaction number went backwards")

// Store is a badger-backed last-transaction counter.
type Store struct {
	// serializes Advance's read-compare-write
	mu sync.Mutex
	db *badger.DB
}

// Open opens (creating if needed) the store in dir. With inMemory set, dir
// is ignored and nothing survives Close.
func Open(dir string, inMemory bool) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil).WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// LastTxn returns the recorded transaction number, or entry.NoTxn if
// nothing was ever applied.
func (s *Store) LastTxn() (int64, error) {
	txn := entry.NoTxn
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(lastTxnKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt last txn value of length %d", len(val))
			}
			txn = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if err != nil {
		return entry.NoTxn, fmt.Errorf("failed to read last txn: %w", err)
	}
	return txn, nil
}

// Advance records n as the last applied transaction. Recording the current
// value again is a no-op; a lower value fails with ErrRegression.
func (s *Store) Advance(n int64) error {
	if n < 0 {
		return fmt.Errorf("invalid transaction number %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, readErr := s.LastTxn()
	if readErr != nil {
		return readErr
	}
	switch {
	case n == cur:
		return nil
	case n < cur:
		return fmt.Errorf("%w: %d < %d", ErrRegression, n, cur)
	}
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(n))
	return s.db.Update(func(tx *badger.Txn) error {
		return tx.SetEntry(badger.NewEntry(lastTxnKey, val))
	})
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
