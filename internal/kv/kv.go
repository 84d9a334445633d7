// Package kv abstracts the ordered key/value engine the object database is
// built on. The engine is an external collaborator: it already provides
// durable storage, transactions, cursors and range scans. This package only
// defines the capabilities the object layer relies on, plus implementations
// backed by Badger and Pebble.
//
// An engine runs in one of two durability modes, fixed at open time:
//
//   - transactional: Begin returns a real transaction; a batch of writes is
//     atomic and becomes durable at Commit.
//   - deferred-write: Begin returns an auto-apply handle whose writes land
//     in the engine immediately and whose Commit/Abort are no-ops. Writes
//     are buffered by the engine and only guaranteed durable after Sync.
package kv

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Kind names an engine implementation.
type Kind string

const (
	KindBadger Kind = "badger"
	KindPebble Kind = "pebble"
)

// ErrKeyNotFound is returned by Txn.Get for absent keys.
var ErrKeyNotFound = errors.New("kv: key not found")

// ErrReadOnly is returned by write operations on read-only transactions and
// cursors.
var ErrReadOnly = errors.New("kv: read-only")

// ErrConflict is returned when an optimistic transaction lost the race with
// a concurrent commit touching the same keys. The work did not persist and
// can be retried on a fresh transaction.
var ErrConflict = errors.New("kv: transaction conflict")

// Options configures an engine at open time.
type Options struct {
	// Transactional selects the durability mode for the engine's lifetime.
	Transactional bool

	// Logger receives engine-internal log output. Defaults to the standard
	// logrus logger.
	Logger *logrus.Logger
}

// TxnOptions configures one transaction.
type TxnOptions struct {
	// ReadOnly transactions exist to pin a consistent view for cursors; they
	// reject writes.
	ReadOnly bool

	// ReadUncommitted requests relaxed isolation. Both engines here provide
	// snapshot reads at minimum, which satisfies every relaxed-isolation
	// caller; the flag is kept so call sites document their intent.
	ReadUncommitted bool

	// NoSyncCommit commits without forcing the log to stable storage.
	NoSyncCommit bool
}

// CursorOptions configures one cursor.
type CursorOptions struct {
	// KeyOnly cursors never fetch values.
	KeyOnly bool

	// ReadUncommitted requests relaxed isolation, as in TxnOptions.
	ReadUncommitted bool
}

// Engine is one open environment plus its single object table.
type Engine interface {
	// Transactional reports the durability mode fixed at open time.
	Transactional() bool

	// DeferredWrite reports whether writes are buffered until Sync. Always
	// the inverse of Transactional for the engines in this package.
	DeferredWrite() bool

	// Begin starts a transaction, or returns the auto-apply handle in
	// deferred-write mode.
	Begin(opts TxnOptions) (Txn, error)

	// Sync forces all buffered writes to stable storage.
	Sync() error

	// FlushLog pushes the write-ahead log to the OS without a full sync.
	FlushLog() error

	// CleanLog reclaims space from the engine's log after a sync.
	CleanLog() error

	// EvictCache drops cached pages where the engine supports it.
	EvictCache()

	// Close releases the engine. The caller is responsible for Sync first if
	// it needs durability of unflushed deferred writes.
	Close() error
}

// Txn is one atomic unit of work. Never reused after Commit or Abort.
type Txn interface {
	// Get returns a copy of the value for key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Has reports key presence without retrieving the value.
	Has(key []byte) (bool, error)

	// PutIfAbsent inserts key → value unless the key exists. Returns false
	// with a nil error when the key was already present: first writer wins.
	PutIfAbsent(key, value []byte) (bool, error)

	// Delete removes key, reporting whether an entry existed.
	Delete(key []byte) (bool, error)

	// Cursor opens a cursor over the table bound to this transaction's view.
	Cursor(opts CursorOptions) (Cursor, error)

	// Commit makes the transaction's writes visible and (unless the
	// transaction was begun with NoSyncCommit) durable.
	Commit() error

	// Abort discards the transaction's writes.
	Abort() error
}

// Cursor iterates the table in ascending key order. A cursor is positioned
// by Seek or SearchKey and stays valid until Close; it is not safe for
// concurrent use.
type Cursor interface {
	// Seek positions the cursor at the first key >= key, reporting whether
	// such a key exists.
	Seek(key []byte) (bool, error)

	// SearchKey positions the cursor at exactly key, reporting a hit.
	SearchKey(key []byte) (bool, error)

	// Next advances to the following key in ascending order.
	Next() (bool, error)

	// Key returns a copy of the current key.
	Key() []byte

	// Value returns a copy of the current value. Fails on KeyOnly cursors.
	Value() ([]byte, error)

	// Delete removes the entry the cursor is positioned at.
	Delete() error

	// Close releases the cursor and any view it pinned on its own.
	Close() error
}

// Open creates or opens the engine of the given kind rooted at dir.
func Open(kind Kind, dir string, opts Options) (Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	switch kind {
	case KindBadger, "":
		return openBadger(dir, opts)
	case KindPebble:
		return openPebble(dir, opts)
	default:
		return nil, fmt.Errorf("kv: unknown engine kind %q", kind)
	}
}
