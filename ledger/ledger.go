// Package ledger remembers which uploads have already been processed, keyed
// by the hash of their audio bytes, so a retried upload can be answered
// without calling the oracles again.
//
// The ledger is a fast path only. The sample table's idempotency key stays
// authoritative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned by Lookup for unknown keys.
var ErrNotFound = errors.New("ledger: not found")

const keyPrefix = "receipt:"

// Receipt is what was returned for a processed upload.
type Receipt struct {
	SampleID     int64     `msgpack:"sample_id"`
	ClusterID    *int64    `msgpack:"cluster_id"`
	IsNewCluster bool      `msgpack:"is_new_cluster"`
	Transcript   string    `msgpack:"transcript"`
	Language     string    `msgpack:"language"`
	Confidence   float64   `msgpack:"confidence"`
	FileURL      string    `msgpack:"file_url"`
	Keywords     []string  `msgpack:"keywords"`
	RecordedAt   time.Time `msgpack:"recorded_at"`
}

// Options configures the ledger.
type Options struct {
	// Dir holds the badger files. Required unless InMemory is set.
	Dir      string
	InMemory bool
	// TTL expires receipts; zero keeps them forever.
	TTL time.Duration
	Log logrus.FieldLogger
}

// Ledger is a badger-backed receipt log.
type Ledger struct {
	db  *badger.DB
	ttl time.Duration
}

func Open(opts Options) (*Ledger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("ledger: dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	dbOpts = dbOpts.WithLogger(log.WithField("component", "badger"))

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{db: db, ttl: opts.TTL}, nil
}

func (l *Ledger) Lookup(_ context.Context, key string) (*Receipt, error) {
	var val []byte
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Receipt
	if err := msgpack.Unmarshal(val, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

func (l *Ledger) Record(_ context.Context, key string, r Receipt) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	val, err := msgpack.Marshal(&r)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	return l.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+key), val)
		if l.ttl > 0 {
			e = e.WithTTL(l.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Forget drops a receipt. Forgetting an unknown key is not an error.
func (l *Ledger) Forget(_ context.Context, key string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (l *Ledger) Close() error { return l.db.Close() }
