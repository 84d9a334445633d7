// Package objectdb is the object-storage layer of the data store: an
// immutable, content-addressed key/value store where every value is
// addressed by the fixed-length hash of its content.
//
// The heavy lifting is the adaptation onto the ordered key/value engine:
// bulk insert pipelining with backpressure, short-hash resolution, dual
// durability modes (transactional vs deferred-write), threshold-triggered
// log flushing and lazy cursor-based bulk retrieval and deletion.
//
// Ordering guarantees: within one insert batch and one read/delete chunk,
// keys are processed in ascending id order to preserve physical write
// locality. Across batches there is no ordering guarantee; batches race.
// In deferred-write mode writes are neither atomic nor durable until a
// threshold-triggered flush runs; a crash can lose recent writes. That is a
// deliberate throughput tradeoff.
package objectdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/revgraph/revgraph/internal/config"
	"github.com/revgraph/revgraph/internal/kv"
	"github.com/revgraph/revgraph/internal/metrics"
	"github.com/revgraph/revgraph/internal/object"
)

var (
	// ErrNotFound reports a point lookup of an absent id with fail-fast
	// requested.
	ErrNotFound = errors.New("objectdb: object not found")

	// ErrClosed reports an operation against a database that is not open.
	ErrClosed = errors.New("objectdb: database is closed")
)

const (
	// defaultWriterThreads keeps batch-commit ordering deterministic while
	// still decoupling producers from engine I/O.
	defaultWriterThreads = 1

	// defaultMaxPendingBatches caps batches in flight; reaching it blocks
	// the producer, which is the bulk-insert backpressure mechanism. A
	// count (not byte) ceiling, kept tunable.
	defaultMaxPendingBatches = 10
)

// Options tunes a Database. Zero values fall back to config-store settings
// and the defaults above.
type Options struct {
	// Dir is the data directory. The engine lives in Dir/objects.
	Dir string

	// Engine overrides the kv.engine config key.
	Engine kv.Kind

	Logger *logrus.Logger

	// Metrics defaults to a recorder enabled per the metrics.enable config
	// key.
	Metrics metrics.Recorder

	// WriterThreads is the batch writer pool size.
	WriterThreads int

	// MaxPendingBatches caps insert batches in flight.
	MaxPendingBatches int

	// SerialBufferSize overrides kv.serialbuffer.
	SerialBufferSize int

	// BulkPartitionSize overrides kv.bulkpartition.
	BulkPartitionSize int

	// SyncBytesLimit overrides the deferred-write flush threshold.
	SyncBytesLimit int64
}

// Database is the content-addressed object store over one engine directory.
// All methods are safe for concurrent use; Open and Close are idempotent and
// a closed database can be reopened.
type Database struct {
	cfg    *config.Store
	codec  object.Codec
	opts   Options
	logger *logrus.Logger
	rec    metrics.Recorder

	mu      sync.Mutex
	eng     kv.Engine
	writers *writerPool
	durable durability
}

// New wires a database against its collaborators. Open must be called
// before use.
func New(cfg *config.Store, objectCodec object.Codec, opts Options) *Database {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.NewRecorder(cfg.GetBool(config.KeyMetricsEnable))
	}
	return &Database{
		cfg:    cfg,
		codec:  objectCodec,
		opts:   opts,
		logger: opts.Logger,
		rec:    rec,
	}
}

// Open lazily creates and opens the engine, fixes the durability mode for
// the engine's lifetime and starts the writer pool (plus, in deferred-write
// mode, the sync pool). Calling Open on an open database is a no-op.
func (db *Database) Open() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.eng != nil {
		db.logger.Trace("object database already open")
		return nil
	}

	kind := db.opts.Engine
	if kind == "" {
		kind = kv.Kind(db.cfg.GetString(config.KeyEngine, string(kv.KindBadger)))
	}
	transactional := db.cfg.GetBool(config.KeyTransactional)

	eng, err := kv.Open(kind, filepath.Join(db.opts.Dir, "objects"), kv.Options{
		Transactional: transactional,
		Logger:        db.logger,
	})
	if err != nil {
		return fmt.Errorf("objectdb: open engine: %w", err)
	}

	db.eng = eng
	db.durable = newDurability(eng, db.syncBytesLimit(), db.logger, db.rec)
	db.writers = newWriterPool(db.writerThreads(), db.maxPendingBatches(), func(t *writeTask) error {
		return db.writeBatch(eng, t)
	})

	db.logger.WithFields(logrus.Fields{
		"dir":           db.opts.Dir,
		"engine":        kind,
		"transactional": eng.Transactional(),
	}).Debug("object database opened")
	return nil
}

// Close stops the writer pool (no new batches accepted, accepted ones
// finish), drains pending durability flushes, then syncs, cleans the log and
// closes the engine. Callers must have awaited their bulk operations first.
// Closing a closed database is a no-op.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.eng == nil {
		db.logger.Trace("object database already closed")
		return nil
	}

	db.writers.stop()
	db.durable.stop()

	if err := db.eng.Sync(); err != nil {
		db.logger.WithError(err).Error("sync on close failed")
	}
	if err := db.eng.CleanLog(); err != nil {
		db.logger.WithError(err).Warn("log cleaning on close failed")
	}
	err := db.eng.Close()

	db.eng = nil
	db.writers = nil
	db.durable = nil

	db.logger.WithField("dir", db.opts.Dir).Debug("object database closed")
	return err
}

// IsOpen reports whether the engine is currently open.
func (db *Database) IsOpen() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.eng != nil
}

func (db *Database) engine() (kv.Engine, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.eng == nil {
		return nil, ErrClosed
	}
	return db.eng, nil
}

// Exists reports key presence without retrieving the value.
func (db *Database) Exists(ctx context.Context, id object.ID) (bool, error) {
	eng, err := db.engine()
	if err != nil {
		return false, err
	}
	txn, err := eng.Begin(kv.TxnOptions{ReadOnly: true, ReadUncommitted: true})
	if err != nil {
		return false, fmt.Errorf("objectdb: exists %s: %w", id, err)
	}
	defer db.abortQuietly(txn)
	return txn.Has(id.Bytes())
}

// GetRaw returns the stored bytes for id. When failIfMissing is set an
// absent id yields ErrNotFound; otherwise it yields (nil, nil).
func (db *Database) GetRaw(ctx context.Context, id object.ID, failIfMissing bool) ([]byte, error) {
	eng, err := db.engine()
	if err != nil {
		return nil, err
	}
	txn, err := eng.Begin(kv.TxnOptions{ReadOnly: true, ReadUncommitted: true})
	if err != nil {
		return nil, fmt.Errorf("objectdb: get %s: %w", id, err)
	}
	defer db.abortQuietly(txn)

	raw, err := txn.Get(id.Bytes())
	if err == kv.ErrKeyNotFound {
		if failIfMissing {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("objectdb: get %s: %w", id, err)
	}
	return raw, nil
}

// Get retrieves and decodes the object stored under id.
func (db *Database) Get(ctx context.Context, id object.ID) (object.Object, error) {
	raw, err := db.GetRaw(ctx, id, true)
	if err != nil {
		return nil, err
	}
	obj, err := db.codec.Decode(id, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("objectdb: decode %s: %w", id, err)
	}
	return obj, nil
}

// Put serializes and stores obj, reporting whether a new entry was created.
// An already present id leaves the stored content untouched.
func (db *Database) Put(ctx context.Context, obj object.Object) (bool, error) {
	var buf bytes.Buffer
	if err := db.codec.Encode(&buf, obj); err != nil {
		return false, fmt.Errorf("objectdb: serialize %s: %w", obj.ID(), err)
	}
	return db.PutRaw(ctx, obj.ID(), buf.Bytes())
}

// PutRaw stores already-encoded bytes under id, insert-if-absent, inside its
// own transaction.
func (db *Database) PutRaw(ctx context.Context, id object.ID, raw []byte) (bool, error) {
	eng, err := db.engine()
	if err != nil {
		return false, err
	}
	txn, err := eng.Begin(kv.TxnOptions{NoSyncCommit: true, ReadUncommitted: true})
	if err != nil {
		return false, fmt.Errorf("objectdb: put %s: %w", id, err)
	}

	inserted, err := txn.PutIfAbsent(id.Bytes(), raw)
	if err != nil {
		db.abortQuietly(txn)
		if errors.Is(err, kv.ErrConflict) {
			// A competing writer committed this id first; content
			// addressing makes the stored bytes identical.
			db.rec.ObjectFound()
			return false, nil
		}
		return false, fmt.Errorf("objectdb: put %s: %w", id, err)
	}
	if err := txn.Commit(); err != nil {
		if errors.Is(err, kv.ErrConflict) {
			db.rec.ObjectFound()
			return false, nil
		}
		return false, fmt.Errorf("objectdb: put %s: %w", id, err)
	}

	if inserted {
		db.rec.ObjectInserted(len(raw))
	} else {
		db.rec.ObjectFound()
	}
	return inserted, nil
}

// Delete removes the entry for id, reporting whether one existed. Deleting
// an absent id is not an error. A delete that loses the optimistic race
// with a concurrent writer of the same key is retried on a fresh
// transaction.
func (db *Database) Delete(ctx context.Context, id object.ID) (bool, error) {
	eng, err := db.engine()
	if err != nil {
		return false, err
	}

	for attempt := 1; ; attempt++ {
		existed, err := db.tryDelete(eng, id)
		if err == nil {
			if existed {
				db.rec.ObjectDeleted()
			}
			return existed, nil
		}
		if !errors.Is(err, kv.ErrConflict) || attempt == batchCommitAttempts {
			return false, fmt.Errorf("objectdb: delete %s: %w", id, err)
		}
	}
}

func (db *Database) tryDelete(eng kv.Engine, id object.ID) (bool, error) {
	txn, err := eng.Begin(kv.TxnOptions{})
	if err != nil {
		return false, err
	}
	existed, err := txn.Delete(id.Bytes())
	if err != nil {
		db.abortQuietly(txn)
		return false, err
	}
	if err := txn.Commit(); err != nil {
		return false, err
	}
	return existed, nil
}

// ResolvePartial returns every stored id whose leading bytes equal prefix,
// in ascending order. Matches are contiguous in key order, so the scan stops
// at the first non-matching key. The scan is key-only and runs at relaxed
// isolation: this is a best-effort disambiguation helper for short hashes,
// not a correctness-critical read.
func (db *Database) ResolvePartial(ctx context.Context, prefix []byte) ([]object.ID, error) {
	if len(prefix) == 0 || len(prefix) > object.IDLength {
		return nil, fmt.Errorf("objectdb: invalid id prefix length %d", len(prefix))
	}
	eng, err := db.engine()
	if err != nil {
		return nil, err
	}

	txn, err := eng.Begin(kv.TxnOptions{ReadOnly: true, ReadUncommitted: true})
	if err != nil {
		return nil, fmt.Errorf("objectdb: resolve partial id: %w", err)
	}
	defer db.abortQuietly(txn)

	cur, err := txn.Cursor(kv.CursorOptions{KeyOnly: true, ReadUncommitted: true})
	if err != nil {
		return nil, fmt.Errorf("objectdb: resolve partial id: %w", err)
	}
	defer cur.Close()

	var matches []object.ID
	found, err := cur.Seek(prefix)
	for found {
		key := cur.Key()
		if !bytes.HasPrefix(key, prefix) {
			break
		}
		if len(key) == object.IDLength {
			matches = append(matches, object.ID(key))
		}
		found, err = cur.Next()
	}
	if err != nil {
		return nil, fmt.Errorf("objectdb: resolve partial id: %w", err)
	}
	return matches, nil
}

// Configure writes the storage marker to the config store.
func (db *Database) Configure() error {
	return db.cfg.Configure()
}

// CheckConfig verifies the storage marker.
func (db *Database) CheckConfig() error {
	return db.cfg.CheckConfig()
}

// abortQuietly logs and swallows an abort failure so it never masks the
// error that triggered the abort. Commits are never swallowed: a failed
// commit means the writes did not persist.
func (db *Database) abortQuietly(txn kv.Txn) {
	if err := txn.Abort(); err != nil {
		db.logger.WithError(err).Error("error aborting transaction")
	}
}

func (db *Database) writerThreads() int {
	if db.opts.WriterThreads > 0 {
		return db.opts.WriterThreads
	}
	return defaultWriterThreads
}

func (db *Database) maxPendingBatches() int {
	if db.opts.MaxPendingBatches > 0 {
		return db.opts.MaxPendingBatches
	}
	return defaultMaxPendingBatches
}

func (db *Database) serialBufferSize() int {
	if db.opts.SerialBufferSize > 0 {
		return db.opts.SerialBufferSize
	}
	return db.cfg.GetInt(config.KeySerialBuffer, config.DefaultSerialBuffer)
}

func (db *Database) bulkPartitionSize() int {
	if db.opts.BulkPartitionSize > 0 {
		return db.opts.BulkPartitionSize
	}
	return db.cfg.GetInt(config.KeyBulkPartition, config.DefaultBulkPartition)
}

func (db *Database) syncBytesLimit() int64 {
	if db.opts.SyncBytesLimit > 0 {
		return db.opts.SyncBytesLimit
	}
	return defaultSyncBytesLimit
}
