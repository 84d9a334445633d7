package kv

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/pebble/v2"
	"github.com/sirupsen/logrus"
)

// pebbleEngine implements Engine on Pebble. Transactions map onto indexed
// batches, read-only transactions onto snapshots, and deferred-write mode
// onto direct NoSync writes.
type pebbleEngine struct {
	db            *pebble.DB
	transactional bool
	logger        *logrus.Logger
}

func openPebble(dir string, opts Options) (*pebbleEngine, error) {
	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	db, err := pebble.Open(dir, &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{logger: opts.Logger},
	})
	if err != nil {
		return nil, fmt.Errorf("kv: open pebble at %s: %w", dir, err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"path":          dir,
		"transactional": opts.Transactional,
	}).Debug("Pebble engine opened")

	return &pebbleEngine{db: db, transactional: opts.Transactional, logger: opts.Logger}, nil
}

func (e *pebbleEngine) Transactional() bool { return e.transactional }
func (e *pebbleEngine) DeferredWrite() bool { return !e.transactional }

func (e *pebbleEngine) Begin(opts TxnOptions) (Txn, error) {
	if opts.ReadOnly {
		return &pebbleSnapshotTxn{snap: e.db.NewSnapshot()}, nil
	}
	if e.transactional {
		commitOpts := pebble.Sync
		if opts.NoSyncCommit {
			commitOpts = pebble.NoSync
		}
		return &pebbleTxn{batch: e.db.NewIndexedBatch(), commitOpts: commitOpts}, nil
	}
	return &pebbleAutoTxn{db: e.db}, nil
}

// Sync forces the memtable and WAL to stable storage.
func (e *pebbleEngine) Sync() error {
	return e.db.Flush()
}

func (e *pebbleEngine) FlushLog() error {
	return e.db.Flush()
}

// CleanLog is a no-op: pebble compacts and reclaims obsolete files in the
// background on its own.
func (e *pebbleEngine) CleanLog() error { return nil }

// EvictCache is a no-op: the block cache is sized at open time and managed
// by pebble.
func (e *pebbleEngine) EvictCache() {}

func (e *pebbleEngine) Close() error {
	return e.db.Close()
}

// pebbleTxn wraps an indexed batch: reads observe the batch's own pending
// writes, Commit applies them atomically.
type pebbleTxn struct {
	batch      *pebble.Batch
	commitOpts *pebble.WriteOptions
}

func pebbleGetCopy(get func() ([]byte, func() error, error)) ([]byte, error) {
	value, closeVal, err := get()
	if err == pebble.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(value))
	copy(data, value)
	if closeVal != nil {
		_ = closeVal()
	}
	return data, nil
}

func (t *pebbleTxn) Get(key []byte) ([]byte, error) {
	return pebbleGetCopy(func() ([]byte, func() error, error) {
		value, closer, err := t.batch.Get(key)
		if closer == nil {
			return value, nil, err
		}
		return value, closer.Close, err
	})
}

func (t *pebbleTxn) Has(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err == ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *pebbleTxn) PutIfAbsent(key, value []byte) (bool, error) {
	found, err := t.Has(key)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	return true, t.batch.Set(key, value, nil)
}

func (t *pebbleTxn) Delete(key []byte) (bool, error) {
	found, err := t.Has(key)
	if err != nil || !found {
		return false, err
	}
	return true, t.batch.Delete(key, nil)
}

func (t *pebbleTxn) Cursor(opts CursorOptions) (Cursor, error) {
	it, err := t.batch.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("kv: pebble batch iterator: %w", err)
	}
	del := func(key []byte) error {
		return t.batch.Delete(key, nil)
	}
	return &pebbleCursor{it: it, del: del, keyOnly: opts.KeyOnly}, nil
}

func (t *pebbleTxn) Commit() error {
	if err := t.batch.Commit(t.commitOpts); err != nil {
		_ = t.batch.Close()
		return err
	}
	return t.batch.Close()
}

func (t *pebbleTxn) Abort() error {
	return t.batch.Close()
}

// pebbleSnapshotTxn pins a consistent read view. It exists so a long-lived
// cursor survives concurrent writers; Commit and Abort both just release it.
type pebbleSnapshotTxn struct {
	snap *pebble.Snapshot
}

func (t *pebbleSnapshotTxn) Get(key []byte) ([]byte, error) {
	return pebbleGetCopy(func() ([]byte, func() error, error) {
		value, closer, err := t.snap.Get(key)
		if closer == nil {
			return value, nil, err
		}
		return value, closer.Close, err
	})
}

func (t *pebbleSnapshotTxn) Has(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err == ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *pebbleSnapshotTxn) PutIfAbsent(key, value []byte) (bool, error) {
	return false, ErrReadOnly
}

func (t *pebbleSnapshotTxn) Delete(key []byte) (bool, error) {
	return false, ErrReadOnly
}

func (t *pebbleSnapshotTxn) Cursor(opts CursorOptions) (Cursor, error) {
	it, err := t.snap.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("kv: pebble snapshot iterator: %w", err)
	}
	del := func([]byte) error { return ErrReadOnly }
	return &pebbleCursor{it: it, del: del, keyOnly: opts.KeyOnly}, nil
}

func (t *pebbleSnapshotTxn) Commit() error { return t.snap.Close() }
func (t *pebbleSnapshotTxn) Abort() error  { return t.snap.Close() }

// pebbleAutoTxn is the deferred-write handle: writes go straight to the db
// with NoSync, Commit and Abort are no-ops.
type pebbleAutoTxn struct {
	db *pebble.DB
}

func (t *pebbleAutoTxn) Get(key []byte) ([]byte, error) {
	return pebbleGetCopy(func() ([]byte, func() error, error) {
		value, closer, err := t.db.Get(key)
		if closer == nil {
			return value, nil, err
		}
		return value, closer.Close, err
	})
}

func (t *pebbleAutoTxn) Has(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err == ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *pebbleAutoTxn) PutIfAbsent(key, value []byte) (bool, error) {
	found, err := t.Has(key)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	return true, t.db.Set(key, value, pebble.NoSync)
}

func (t *pebbleAutoTxn) Delete(key []byte) (bool, error) {
	found, err := t.Has(key)
	if err != nil || !found {
		return false, err
	}
	return true, t.db.Delete(key, pebble.NoSync)
}

func (t *pebbleAutoTxn) Cursor(opts CursorOptions) (Cursor, error) {
	it, err := t.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("kv: pebble iterator: %w", err)
	}
	del := func(key []byte) error {
		return t.db.Delete(key, pebble.NoSync)
	}
	return &pebbleCursor{it: it, del: del, keyOnly: opts.KeyOnly}, nil
}

func (t *pebbleAutoTxn) Commit() error { return nil }
func (t *pebbleAutoTxn) Abort() error  { return nil }

type pebbleCursor struct {
	it      *pebble.Iterator
	del     func(key []byte) error
	keyOnly bool
}

func (c *pebbleCursor) Seek(key []byte) (bool, error) {
	valid := c.it.SeekGE(key)
	return valid, c.it.Error()
}

func (c *pebbleCursor) SearchKey(key []byte) (bool, error) {
	valid := c.it.SeekGE(key)
	if err := c.it.Error(); err != nil {
		return false, err
	}
	return valid && bytes.Equal(c.it.Key(), key), nil
}

func (c *pebbleCursor) Next() (bool, error) {
	valid := c.it.Next()
	return valid, c.it.Error()
}

func (c *pebbleCursor) Key() []byte {
	key := make([]byte, len(c.it.Key()))
	copy(key, c.it.Key())
	return key
}

func (c *pebbleCursor) Value() ([]byte, error) {
	if c.keyOnly {
		return nil, fmt.Errorf("kv: value requested on key-only cursor")
	}
	value := make([]byte, len(c.it.Value()))
	copy(value, c.it.Value())
	return value, nil
}

func (c *pebbleCursor) Delete() error {
	return c.del(c.Key())
}

func (c *pebbleCursor) Close() error {
	return c.it.Close()
}

// pebbleLogger adapts logrus to pebble's Logger interface.
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}
