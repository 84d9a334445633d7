package objectdb

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revgraph/revgraph/internal/codec"
	"github.com/revgraph/revgraph/internal/kv"
	"github.com/revgraph/revgraph/internal/metrics"
	"github.com/revgraph/revgraph/internal/object"
)

// contendedEngine is a transactional engine whose next n commits lose the
// optimistic race, the way badger aborts a whole transaction with a
// conflict when a competing writer commits first.
type contendedEngine struct {
	mu        sync.Mutex
	committed map[string][]byte
	conflicts int
	commits   int
}

func newContendedEngine(conflicts int) *contendedEngine {
	return &contendedEngine{committed: make(map[string][]byte), conflicts: conflicts}
}

func (e *contendedEngine) Transactional() bool { return true }
func (e *contendedEngine) DeferredWrite() bool { return false }

func (e *contendedEngine) Begin(kv.TxnOptions) (kv.Txn, error) {
	return &contendedTxn{eng: e, staged: make(map[string][]byte)}, nil
}

func (e *contendedEngine) Sync() error     { return nil }
func (e *contendedEngine) FlushLog() error { return nil }
func (e *contendedEngine) CleanLog() error { return nil }
func (e *contendedEngine) EvictCache()     {}
func (e *contendedEngine) Close() error    { return nil }

func (e *contendedEngine) commitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commits
}

func (e *contendedEngine) stored(id object.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.committed[string(id.Bytes())]
	return ok
}

type contendedTxn struct {
	eng    *contendedEngine
	staged map[string][]byte
}

func (t *contendedTxn) Get(key []byte) ([]byte, error) {
	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	if value, ok := t.eng.committed[string(key)]; ok {
		return append([]byte(nil), value...), nil
	}
	return nil, kv.ErrKeyNotFound
}

func (t *contendedTxn) Has(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err == kv.ErrKeyNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *contendedTxn) PutIfAbsent(key, value []byte) (bool, error) {
	k := string(key)
	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	if _, ok := t.eng.committed[k]; ok {
		return false, nil
	}
	if _, ok := t.staged[k]; ok {
		return false, nil
	}
	t.staged[k] = append([]byte(nil), value...)
	return true, nil
}

func (t *contendedTxn) Delete([]byte) (bool, error) {
	return false, errors.New("not supported")
}

func (t *contendedTxn) Cursor(kv.CursorOptions) (kv.Cursor, error) {
	return nil, errors.New("not supported")
}

func (t *contendedTxn) Commit() error {
	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	t.eng.commits++
	if t.eng.conflicts > 0 {
		t.eng.conflicts--
		return kv.ErrConflict
	}
	for k, v := range t.staged {
		t.eng.committed[k] = v
	}
	return nil
}

func (t *contendedTxn) Abort() error {
	t.staged = nil
	return nil
}

func contendedBatchTask(ids ...object.ID) (*writeTask, *CountingListener) {
	b := newBatch(0)
	for _, id := range ids {
		offset := b.size()
		b.buf.Write(id.Bytes())
		b.add(id, offset, object.IDLength)
	}
	lis := &CountingListener{}
	return &writeTask{batch: b, listener: lis, done: make(chan struct{})}, lis
}

func TestWriteBatchRetriesCommitConflict(t *testing.T) {
	eng := newContendedEngine(2)
	db := &Database{logger: testLogger(), rec: metrics.NewRecorder(false), durable: &txnDurability{}}

	a := object.HashOf([]byte("a"))
	b := object.HashOf([]byte("b"))
	task, lis := contendedBatchTask(a, b)

	require.NoError(t, db.writeBatch(eng, task))

	// Two conflicted attempts, one clean one; outcomes reported once.
	assert.Equal(t, 3, eng.commitCount())
	assert.EqualValues(t, 2, lis.InsertedCount())
	assert.EqualValues(t, 0, lis.FoundCount())
	assert.True(t, eng.stored(a))
	assert.True(t, eng.stored(b))
}

func TestWriteBatchCommitFailureReportsNothing(t *testing.T) {
	eng := newContendedEngine(1 << 20)
	db := &Database{logger: testLogger(), rec: metrics.NewRecorder(false), durable: &txnDurability{}}

	a := object.HashOf([]byte("a"))
	task, lis := contendedBatchTask(a)

	err := db.writeBatch(eng, task)
	require.ErrorIs(t, err, kv.ErrConflict)

	// A batch that never persisted must not have been reported as
	// inserted.
	assert.EqualValues(t, 0, lis.InsertedCount())
	assert.EqualValues(t, 0, lis.FoundCount())
	assert.Equal(t, batchCommitAttempts, eng.commitCount())
	assert.False(t, eng.stored(a))
}

func TestPutAllPropagatesCommitFailure(t *testing.T) {
	eng := newContendedEngine(1 << 20)
	db := &Database{
		logger:  testLogger(),
		rec:     metrics.NewRecorder(false),
		codec:   codec.Default(),
		opts:    Options{SerialBufferSize: 64},
		eng:     eng,
		durable: &txnDurability{},
	}
	db.writers = newWriterPool(1, defaultMaxPendingBatches, func(t *writeTask) error {
		return db.writeBatch(eng, t)
	})
	defer db.writers.stop()

	objs := objectSeq(
		object.NewBlob([]byte("first object payload")),
		object.NewBlob([]byte("second object payload")),
		object.NewBlob([]byte("third object payload")),
	)

	lis := &CountingListener{}
	_, err := db.PutAll(context.Background(), slices.Values(objs), lis)
	require.ErrorIs(t, err, kv.ErrConflict)

	assert.EqualValues(t, 0, lis.InsertedCount())
	assert.EqualValues(t, 0, lis.FoundCount())
}
