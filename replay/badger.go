package replay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	badgerKeyPrefix = "wicrs/replay/"
	conflictRetries = 3
)

// BadgerLedger is a Ledger persisted in a BadgerDB. Entries carry a badger
// TTL so expired tokens disappear without a sweeper; the stored expiry is
// still checked on consume.
type BadgerLedger struct {
	db     *badger.DB
	logger *logrus.Logger
}

// OpenBadgerLedger opens or creates a ledger in dir. An empty dir opens an
// in-memory database.
func OpenBadgerLedger(dir string, logger *logrus.Logger) (*BadgerLedger, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(logger).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay ledger: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"function":  "OpenBadgerLedger",
		"package":   "replay",
		"dir":       dir,
		"in_memory": dir == "",
	}).Debug("Opened replay ledger")

	return &BadgerLedger{db: db, logger: logger}, nil
}

// NewBadgerLedger wraps an already open database. Closing the ledger
// closes db.
func NewBadgerLedger(db *badger.DB, logger *logrus.Logger) *BadgerLedger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BadgerLedger{db: db, logger: logger}
}

func badgerKey(key tokenKey) []byte {
	return append([]byte(badgerKeyPrefix), key[:]...)
}

// Issue implements Ledger. The stored record is the expiry in unix
// nanoseconds followed by value.
func (l *BadgerLedger) Issue(token, value []byte, issuedAt time.Time, ttl time.Duration) error {
	key, err := keyOf(token)
	if err != nil {
		return err
	}
	if err := checkTTL(ttl); err != nil {
		return err
	}

	record := make([]byte, 8, 8+len(value))
	binary.BigEndian.PutUint64(record, uint64(issuedAt.Add(ttl).UnixNano()))
	record = append(record, value...)

	return l.update(func(txn *badger.Txn) error {
		k := badgerKey(key)
		item, err := txn.Get(k)
		switch {
		case err == nil:
			stored, verr := item.ValueCopy(nil)
			if verr != nil {
				return verr
			}
			if expiry, ok := recordExpiry(stored); ok && issuedAt.UnixNano() < expiry {
				return ErrDuplicate
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.SetEntry(badger.NewEntry(k, record).WithTTL(ttl))
	})
}

// Consume implements Ledger.
func (l *BadgerLedger) Consume(token []byte, now time.Time) ([]byte, error) {
	key, err := keyOf(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotIssued, err)
	}

	var stored []byte
	err = l.update(func(txn *badger.Txn) error {
		stored = nil
		k := badgerKey(key)
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			l.logger.WithFields(logrus.Fields{
				"function": "Consume",
				"package":  "replay",
				"token":    fmt.Sprintf("%x", key[:4]),
			}).Warn("Rejected token that is unknown or already consumed")
			return ErrNotIssued
		}
		if err != nil {
			return err
		}
		if stored, err = item.ValueCopy(nil); err != nil {
			return err
		}
		return txn.Delete(k)
	})
	if err != nil {
		return nil, err
	}

	expiry, ok := recordExpiry(stored)
	if !ok || now.UnixNano() >= expiry {
		return nil, ErrExpired
	}
	if len(stored) == 8 {
		return nil, nil
	}
	return stored[8:], nil
}

func recordExpiry(record []byte) (int64, bool) {
	if len(record) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(record[:8])), true
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (l *BadgerLedger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = l.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

// Close closes the underlying database.
func (l *BadgerLedger) Close() error {
	return l.db.Close()
}
