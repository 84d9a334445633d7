package objectdb

import (
	"context"
	"fmt"
	"iter"

	"github.com/revgraph/revgraph/internal/kv"
	"github.com/revgraph/revgraph/internal/object"
)

// DeleteAll removes the entries for the requested ids, reporting Deleted or
// NotFound per id, and returns the number of entries actually removed. The
// input is consumed in chunks of the bulk partition size; each chunk is
// sorted ascending and deleted through one cursor inside one transaction,
// committed per chunk. Deleting an absent id is not an error.
func (db *Database) DeleteAll(ctx context.Context, ids iter.Seq[object.ID], listener BulkOpListener) (int64, error) {
	if listener == nil {
		listener = NoopListener
	}
	eng, err := db.engine()
	if err != nil {
		return 0, err
	}

	var count int64
	for chunk := range chunkSeq(ids, db.bulkPartitionSize()) {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		n, err := db.deleteChunk(eng, chunk, listener)
		count += n
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

func (db *Database) deleteChunk(eng kv.Engine, chunk []object.ID, listener BulkOpListener) (int64, error) {
	object.SortIDs(chunk)

	txn, err := eng.Begin(kv.TxnOptions{})
	if err != nil {
		return 0, fmt.Errorf("objectdb: bulk delete: %w", err)
	}
	cur, err := txn.Cursor(kv.CursorOptions{KeyOnly: true})
	if err != nil {
		db.abortQuietly(txn)
		return 0, fmt.Errorf("objectdb: bulk delete: %w", err)
	}

	// On abort a transactional engine rolls the chunk back, so its running
	// count must not leak into the total.
	abort := func(count int64) int64 {
		cur.Close()
		db.abortQuietly(txn)
		if eng.Transactional() {
			return 0
		}
		return count
	}

	var count int64
	for _, id := range chunk {
		found, err := cur.SearchKey(id.Bytes())
		if err != nil {
			return abort(count), fmt.Errorf("objectdb: bulk delete %s: %w", id, err)
		}
		if !found {
			listener.NotFound(id)
			db.rec.ObjectNotFound()
			continue
		}
		if err := cur.Delete(); err != nil {
			return abort(count), fmt.Errorf("objectdb: bulk delete %s: %w", id, err)
		}
		listener.Deleted(id)
		db.rec.ObjectDeleted()
		count++
	}

	if err := cur.Close(); err != nil {
		db.logger.WithError(err).Error("error closing bulk delete cursor")
	}
	if err := txn.Commit(); err != nil {
		if eng.Transactional() {
			count = 0
		}
		return count, fmt.Errorf("objectdb: commit bulk delete chunk: %w", err)
	}
	return count, nil
}
