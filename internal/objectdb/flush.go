package objectdb

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/revgraph/revgraph/internal/kv"
	"github.com/revgraph/revgraph/internal/metrics"
)

// defaultSyncBytesLimit is how many batch bytes may accumulate in
// deferred-write mode before a durability flush is forced.
const defaultSyncBytesLimit = 512 * 1024 * 1024

// durability hides the transactional vs deferred-write differences from the
// batch writer: the mode is chosen once at open time and never re-tested at
// call sites.
type durability interface {
	// commitBatch finalizes one written batch of the given byte size. A
	// returned error means the batch did not persist and must be treated
	// as a batch failure, never swallowed.
	commitBatch(txn kv.Txn, bytes int) error

	// stop drains any pending background work.
	stop()
}

func newDurability(eng kv.Engine, syncLimit int64, logger *logrus.Logger, rec metrics.Recorder) durability {
	if eng.Transactional() {
		return &txnDurability{}
	}
	return &deferredDurability{
		accountant: newFlushAccountant(eng, syncLimit, logger, rec),
	}
}

// txnDurability commits each batch; atomicity and durability come from the
// engine's transaction.
type txnDurability struct{}

func (d *txnDurability) commitBatch(txn kv.Txn, bytes int) error {
	return txn.Commit()
}

func (d *txnDurability) stop() {}

// deferredDurability lets writes accumulate in the engine's buffers and
// forces a flush once enough bytes have been written.
type deferredDurability struct {
	accountant *flushAccountant
}

func (d *deferredDurability) commitBatch(txn kv.Txn, bytes int) error {
	// Commit is a no-op on the auto-apply handle; the real work is the
	// byte accounting.
	if err := txn.Commit(); err != nil {
		return err
	}
	d.accountant.wrote(int64(bytes))
	return nil
}

func (d *deferredDurability) stop() {
	d.accountant.stop()
}

// flushAccountant owns the process-wide count of bytes written since the
// last forced flush. Adding bytes, comparing against the threshold,
// resetting the counter and deciding to schedule are one critical section,
// so a flush trigger is never lost and never doubled.
type flushAccountant struct {
	eng    kv.Engine
	limit  int64
	logger *logrus.Logger
	rec    metrics.Recorder

	// syncPool runs flushes one at a time off the writer path.
	syncPool *pool.Pool

	mu    sync.Mutex
	bytes int64
}

func newFlushAccountant(eng kv.Engine, limit int64, logger *logrus.Logger, rec metrics.Recorder) *flushAccountant {
	if eng == nil || limit <= 0 {
		panic("objectdb: non-transactional database requires an engine and a positive sync limit")
	}
	return &flushAccountant{
		eng:      eng,
		limit:    limit,
		logger:   logger,
		rec:      rec,
		syncPool: pool.New().WithMaxGoroutines(1),
	}
}

func (f *flushAccountant) wrote(n int64) {
	f.mu.Lock()
	f.bytes += n
	schedule := f.bytes >= f.limit
	var accumulated int64
	if schedule {
		accumulated = f.bytes
		f.bytes = 0
	}
	f.mu.Unlock()

	if !schedule {
		return
	}
	f.rec.FlushScheduled()
	f.syncPool.Go(func() { f.flush(accumulated) })
}

// flush runs on the sync pool. Deferred-write engines get a full sync plus
// cache eviction and log cleaning; otherwise flushing the write-ahead log
// without a forced disk sync is enough.
func (f *flushAccountant) flush(accumulated int64) {
	start := time.Now()
	if f.eng.DeferredWrite() {
		if err := f.eng.Sync(); err != nil {
			f.logger.WithError(err).Error("engine sync failed")
			return
		}
		f.eng.EvictCache()
		if err := f.eng.CleanLog(); err != nil {
			f.logger.WithError(err).Warn("log cleaning failed")
		}
	} else {
		if err := f.eng.FlushLog(); err != nil {
			f.logger.WithError(err).Error("log flush failed")
			return
		}
	}
	f.logger.WithFields(logrus.Fields{
		"bytes":   accumulated,
		"elapsed": time.Since(start),
	}).Debug("flushed engine log")
}

// stop waits for scheduled flushes to finish. No new batches may be written
// after stop.
func (f *flushAccountant) stop() {
	f.syncPool.Wait()
}
