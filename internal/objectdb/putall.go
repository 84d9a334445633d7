package objectdb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/revgraph/revgraph/internal/kv"
	"github.com/revgraph/revgraph/internal/object"
)

// writeTask is one sealed batch handed to the writer pool, plus its
// completion future.
type writeTask struct {
	batch    *batch
	listener BulkOpListener

	err  error
	done chan struct{}
}

func (t *writeTask) wait() error {
	<-t.done
	return t.err
}

// writerPool is a bounded queue plus a fixed worker group. Shutdown is
// orderly: stop refuses new batches but waits for accepted ones, so Close
// semantics are precise rather than best effort.
//
// The queue capacity must be at least the in-flight batch cap: producers
// block on completions before exceeding the cap, which keeps submit from
// ever blocking on a full queue.
type writerPool struct {
	tasks chan *writeTask
	wg    conc.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func newWriterPool(workers, queueDepth int, run func(*writeTask) error) *writerPool {
	p := &writerPool{tasks: make(chan *writeTask, queueDepth)}
	for i := 0; i < workers; i++ {
		p.wg.Go(func() {
			for t := range p.tasks {
				t.err = run(t)
				close(t.done)
			}
		})
	}
	return p
}

func (p *writerPool) submit(b *batch, listener BulkOpListener) (*writeTask, error) {
	t := &writeTask{batch: b, listener: listener, done: make(chan struct{})}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrClosed
	}
	p.tasks <- t
	return t, nil
}

func (p *writerPool) stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// PutAll consumes objects and persists each one exactly once, reporting the
// per-id outcome (Inserted or Found) through listener. Memory stays bounded
// regardless of input size: objects are serialized into a batch buffer that
// is sealed at the serialize-buffer threshold and handed to the writer pool,
// with at most MaxPendingBatches batches in flight. Returns the number of
// objects consumed.
//
// The first batch error aborts the whole call: remaining in-flight batches
// are drained and the first error is propagated.
func (db *Database) PutAll(ctx context.Context, objects iter.Seq[object.Object], listener BulkOpListener) (int, error) {
	if listener == nil {
		listener = NoopListener
	}
	db.mu.Lock()
	writers := db.writers
	db.mu.Unlock()
	if writers == nil {
		return 0, ErrClosed
	}

	ins := &bulkInsert{
		db:         db,
		writers:    writers,
		listener:   listener,
		buffSize:   db.serialBufferSize(),
		maxPending: db.maxPendingBatches(),
	}
	return ins.run(ctx, objects)
}

// bulkInsert is the producer side of the insert pipeline.
type bulkInsert struct {
	db         *Database
	writers    *writerPool
	listener   BulkOpListener
	buffSize   int
	maxPending int

	current *batch
	pending []*writeTask
}

func (ins *bulkInsert) run(ctx context.Context, objects iter.Seq[object.Object]) (count int, err error) {
	ins.current = newBatch(ins.buffSize)

	for obj := range objects {
		if err := ctx.Err(); err != nil {
			return count, ins.drainAfter(err)
		}
		if err := ins.serialize(obj); err != nil {
			return count, ins.drainAfter(err)
		}
		count++

		if ins.current.size() >= ins.buffSize {
			if err := ins.seal(); err != nil {
				return count, ins.drainAfter(err)
			}
		}
	}

	if !ins.current.empty() {
		if err := ins.seal(); err != nil {
			return count, ins.drainAfter(err)
		}
	}
	return count, ins.waitForWrites()
}

func (ins *bulkInsert) serialize(obj object.Object) error {
	offset := ins.current.size()
	if err := ins.db.codec.Encode(&ins.current.buf, obj); err != nil {
		return fmt.Errorf("objectdb: serialize %s: %w", obj.ID(), err)
	}
	ins.current.add(obj.ID(), offset, ins.current.size()-offset)
	return nil
}

// seal hands the current batch to the writer pool and starts a fresh one so
// the producer is never blocked by one batch's I/O. Hitting the in-flight
// cap blocks until the outstanding batches complete, which is the sole
// backpressure mechanism.
func (ins *bulkInsert) seal() error {
	b := ins.current
	ins.current = newBatch(ins.buffSize)

	ins.db.logger.WithFields(map[string]interface{}{
		"objects": b.len(),
		"bytes":   b.size(),
	}).Debug("insert batch sealed")

	t, err := ins.writers.submit(b, ins.listener)
	if err != nil {
		return err
	}
	ins.pending = append(ins.pending, t)

	if len(ins.pending) >= ins.maxPending {
		return ins.waitForWrites()
	}
	return nil
}

// waitForWrites joins every outstanding batch. The first error wins; sibling
// errors are not merged.
func (ins *bulkInsert) waitForWrites() error {
	var firstErr error
	for _, t := range ins.pending {
		if err := t.wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ins.pending = ins.pending[:0]
	return firstErr
}

// drainAfter waits out in-flight work after a failure, preserving the
// triggering error.
func (ins *bulkInsert) drainAfter(cause error) error {
	if err := ins.waitForWrites(); err != nil {
		ins.db.logger.WithError(err).Debug("sibling batch failed during bulk insert abort")
	}
	ins.db.logger.WithError(cause).Error("bulk insert aborted")
	return cause
}

// batchCommitAttempts bounds retries of a batch whose optimistic commit
// keeps losing the race with concurrent writers of the same ids.
const batchCommitAttempts = 5

// writeBatch executes one batch on a writer-pool goroutine: one transaction
// (or the deferred-write auto handle), writes in ascending id order. Per-id
// outcomes are reported only after the batch is known to have persisted; a
// commit failure is a batch failure, not a logged footnote, because on an
// optimistic engine a conflicting commit drops every write in the batch. A
// conflicted batch is retried on a fresh transaction, where ids the
// competing writer landed resolve to Found. The engine handle is captured
// at pool construction: Close stops the pool before releasing the engine,
// so a worker never observes a closed handle.
func (db *Database) writeBatch(eng kv.Engine, t *writeTask) error {
	b := t.batch
	b.sortAscending()

	var inserted []bool
	for attempt := 1; ; attempt++ {
		var err error
		inserted, err = db.tryWriteBatch(eng, b)
		if err == nil {
			break
		}
		if !errors.Is(err, kv.ErrConflict) || attempt == batchCommitAttempts {
			return err
		}
		db.logger.WithField("attempt", attempt).Debug("batch commit conflict, retrying")
	}

	for i, e := range b.entries {
		if inserted[i] {
			t.listener.Inserted(e.id, e.size)
			db.rec.ObjectInserted(e.size)
		} else {
			t.listener.Found(e.id, SizeUnknown)
			db.rec.ObjectFound()
		}
	}
	db.rec.BatchWritten(b.len(), b.size())

	db.logger.WithFields(map[string]interface{}{
		"objects": b.len(),
		"bytes":   b.size(),
	}).Trace("batch written")
	return nil
}

// tryWriteBatch is one attempt at writing a sorted batch. Outcomes are
// returned, not reported: nothing reaches the listener for an attempt whose
// writes did not persist.
func (db *Database) tryWriteBatch(eng kv.Engine, b *batch) ([]bool, error) {
	txn, err := eng.Begin(kv.TxnOptions{NoSyncCommit: true, ReadUncommitted: true})
	if err != nil {
		return nil, fmt.Errorf("objectdb: begin batch transaction: %w", err)
	}

	inserted := make([]bool, len(b.entries))
	for i, e := range b.entries {
		ok, err := txn.PutIfAbsent(e.id.Bytes(), b.slice(e))
		if err != nil {
			db.abortQuietly(txn)
			return nil, fmt.Errorf("objectdb: batch insert %s: %w", e.id, err)
		}
		inserted[i] = ok
	}

	if err := db.durable.commitBatch(txn, b.size()); err != nil {
		return nil, fmt.Errorf("objectdb: commit batch: %w", err)
	}
	return inserted, nil
}
