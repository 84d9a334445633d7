package kv

import (
	"bytes"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// badgerEngine implements Engine on BadgerDB. In deferred-write mode the db
// is opened with SyncWrites disabled and every write is applied through its
// own internal update, so a failed batch leaves earlier writes in place.
type badgerEngine struct {
	db            *badger.DB
	transactional bool
	logger        *logrus.Logger
}

func openBadger(dir string, opts Options) (*badgerEngine, error) {
	// Commit durability is handled at the object layer (commit-no-sync plus
	// threshold-triggered Sync), so per-write fsync stays off in both modes.
	badgerOpts := badger.DefaultOptions(dir).
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(false).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("kv: open badger at %s: %w", dir, err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":          dir,
		"transactional": opts.Transactional,
	}).Debug("Badger engine opened")

	return &badgerEngine{db: db, transactional: opts.Transactional, logger: opts.Logger}, nil
}

func (e *badgerEngine) Transactional() bool { return e.transactional }
func (e *badgerEngine) DeferredWrite() bool { return !e.transactional }

func (e *badgerEngine) Begin(opts TxnOptions) (Txn, error) {
	if e.transactional || opts.ReadOnly {
		return &badgerTxn{txn: e.db.NewTransaction(!opts.ReadOnly), readOnly: opts.ReadOnly}, nil
	}
	return &badgerAutoTxn{db: e.db}, nil
}

func (e *badgerEngine) Sync() error {
	return e.db.Sync()
}

// FlushLog maps to a full sync: badger exposes no lighter WAL flush.
func (e *badgerEngine) FlushLog() error {
	return e.db.Sync()
}

// CleanLog reclaims value-log space, looping until badger reports nothing
// left to rewrite.
func (e *badgerEngine) CleanLog() error {
	for {
		err := e.db.RunValueLogGC(0.5)
		if err == badger.ErrNoRewrite || err == badger.ErrRejected {
			return nil
		}
		if err != nil {
			return fmt.Errorf("kv: badger value log gc: %w", err)
		}
	}
}

// EvictCache is a no-op: badger manages its block and index caches
// internally and exposes no eviction hook.
func (e *badgerEngine) EvictCache() {}

func (e *badgerEngine) Close() error {
	return e.db.Close()
}

// badgerTxn is a real badger transaction, used in transactional mode and for
// all read-only work.
type badgerTxn struct {
	txn      *badger.Txn
	readOnly bool
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Has(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *badgerTxn) PutIfAbsent(key, value []byte) (bool, error) {
	if t.readOnly {
		return false, ErrReadOnly
	}
	_, err := t.txn.Get(key)
	if err == nil {
		return false, nil
	}
	if err != badger.ErrKeyNotFound {
		return false, err
	}
	return true, t.txn.Set(key, value)
}

func (t *badgerTxn) Delete(key []byte) (bool, error) {
	if t.readOnly {
		return false, ErrReadOnly
	}
	_, err := t.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, t.txn.Delete(key)
}

func (t *badgerTxn) Cursor(opts CursorOptions) (Cursor, error) {
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.PrefetchValues = !opts.KeyOnly

	del := func(key []byte) error {
		if t.readOnly {
			return ErrReadOnly
		}
		return t.txn.Delete(key)
	}
	return &badgerCursor{it: t.txn.NewIterator(iterOpts), del: del, keyOnly: opts.KeyOnly}, nil
}

func (t *badgerTxn) Commit() error {
	if t.readOnly {
		t.txn.Discard()
		return nil
	}
	return mapBadgerConflict(t.txn.Commit())
}

func (t *badgerTxn) Abort() error {
	t.txn.Discard()
	return nil
}

// badgerAutoTxn is the deferred-write handle: each operation runs in its own
// internal update and is visible immediately. Commit and Abort are no-ops,
// which is exactly why a failed batch leaves its earlier writes behind in
// this mode.
type badgerAutoTxn struct {
	db *badger.DB
}

func (t *badgerAutoTxn) Get(key []byte) ([]byte, error) {
	var value []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *badgerAutoTxn) Has(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err == ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *badgerAutoTxn) PutIfAbsent(key, value []byte) (bool, error) {
	inserted := false
	err := t.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		inserted = true
		return txn.Set(key, value)
	})
	return inserted, mapBadgerConflict(err)
}

func (t *badgerAutoTxn) Delete(key []byte) (bool, error) {
	existed := false
	err := t.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return txn.Delete(key)
	})
	return existed, mapBadgerConflict(err)
}

// Cursor pins its own read view, released at cursor Close.
func (t *badgerAutoTxn) Cursor(opts CursorOptions) (Cursor, error) {
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.PrefetchValues = !opts.KeyOnly

	viewTxn := t.db.NewTransaction(false)
	del := func(key []byte) error {
		return t.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
	}
	return &badgerCursor{
		it:      viewTxn.NewIterator(iterOpts),
		ownTxn:  viewTxn,
		del:     del,
		keyOnly: opts.KeyOnly,
	}, nil
}

func (t *badgerAutoTxn) Commit() error { return nil }
func (t *badgerAutoTxn) Abort() error  { return nil }

type badgerCursor struct {
	it      *badger.Iterator
	ownTxn  *badger.Txn // view pinned by the cursor itself, if any
	del     func(key []byte) error
	keyOnly bool
}

func (c *badgerCursor) Seek(key []byte) (bool, error) {
	c.it.Seek(key)
	return c.it.Valid(), nil
}

func (c *badgerCursor) SearchKey(key []byte) (bool, error) {
	c.it.Seek(key)
	return c.it.Valid() && bytes.Equal(c.it.Item().Key(), key), nil
}

func (c *badgerCursor) Next() (bool, error) {
	c.it.Next()
	return c.it.Valid(), nil
}

func (c *badgerCursor) Key() []byte {
	return c.it.Item().KeyCopy(nil)
}

func (c *badgerCursor) Value() ([]byte, error) {
	if c.keyOnly {
		return nil, fmt.Errorf("kv: value requested on key-only cursor")
	}
	return c.it.Item().ValueCopy(nil)
}

func (c *badgerCursor) Delete() error {
	return c.del(c.it.Item().KeyCopy(nil))
}

func (c *badgerCursor) Close() error {
	c.it.Close()
	if c.ownTxn != nil {
		c.ownTxn.Discard()
	}
	return nil
}

// mapBadgerConflict converts badger's optimistic-concurrency failure into
// the package sentinel.
func mapBadgerConflict(err error) error {
	if err == badger.ErrConflict {
		return ErrConflict
	}
	return err
}

// badgerLogger adapts logrus to badger's Logger interface.
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Badger] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[Badger] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Badger] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[Badger] "+format, args...)
}
