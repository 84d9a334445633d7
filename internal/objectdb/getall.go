package objectdb

import (
	"bytes"
	"context"
	"fmt"
	"iter"

	"github.com/revgraph/revgraph/internal/kv"
	"github.com/revgraph/revgraph/internal/object"
)

// chunkSeq partitions ids into slices of at most n, lazily.
func chunkSeq(ids iter.Seq[object.ID], n int) iter.Seq[[]object.ID] {
	return func(yield func([]object.ID) bool) {
		chunk := make([]object.ID, 0, n)
		for id := range ids {
			chunk = append(chunk, id)
			if len(chunk) == n {
				if !yield(chunk) {
					return
				}
				chunk = make([]object.ID, 0, n)
			}
		}
		if len(chunk) > 0 {
			yield(chunk)
		}
	}
}

// GetAll returns a lazy scanner over the decoded objects stored under the
// requested ids. The input is consumed in chunks of the bulk partition size;
// each chunk is sorted ascending before the cursor walks it, so output order
// is ascending by id within each chunk only: chunks follow input order and
// there is no global ordering guarantee. Absent ids are reported to listener
// as NotFound and skipped transparently.
//
// One cursor, bound to one read transaction, stays open for the whole
// iteration. The transaction only pins a consistent view; it is aborted,
// never committed, when the scanner closes. The scanner is for one logical
// consumer; concurrent use of the same scanner is undefined.
func (db *Database) GetAll(ctx context.Context, ids iter.Seq[object.ID], listener BulkOpListener) (*Scanner, error) {
	if listener == nil {
		listener = NoopListener
	}
	eng, err := db.engine()
	if err != nil {
		return nil, err
	}

	txn, err := eng.Begin(kv.TxnOptions{ReadOnly: true, ReadUncommitted: true})
	if err != nil {
		return nil, fmt.Errorf("objectdb: bulk get: %w", err)
	}
	cur, err := txn.Cursor(kv.CursorOptions{ReadUncommitted: true})
	if err != nil {
		db.abortQuietly(txn)
		return nil, fmt.Errorf("objectdb: bulk get: %w", err)
	}

	nextChunk, stopChunks := iter.Pull(chunkSeq(ids, db.bulkPartitionSize()))
	return &Scanner{
		db:         db,
		ctx:        ctx,
		listener:   listener,
		txn:        txn,
		cur:        cur,
		nextChunk:  nextChunk,
		stopChunks: stopChunks,
	}, nil
}

type scanState int

const (
	scanScanning scanState = iota
	scanExhausted
	scanClosed
)

// Scanner is the lazy result of GetAll. Usage follows the familiar rows
// pattern:
//
//	scn, err := db.GetAll(ctx, ids, listener)
//	...
//	defer scn.Close()
//	for scn.Next() {
//	    obj := scn.Object()
//	    ...
//	}
//	if err := scn.Err(); err != nil { ... }
//
// Next is an iterative find-next-match loop: arbitrarily long runs of
// not-found ids are skipped without recursion or buffering.
type Scanner struct {
	db       *Database
	ctx      context.Context
	listener BulkOpListener

	txn kv.Txn
	cur kv.Cursor

	nextChunk  func() ([]object.ID, bool)
	stopChunks func()

	chunk []object.ID
	idx   int

	state scanState
	obj   object.Object
	err   error
}

// Next advances to the next found object. It returns false once every chunk
// is exhausted or on the first error; the scanner closes itself in both
// cases.
func (s *Scanner) Next() bool {
	if s.state != scanScanning {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.fail(err)
		return false
	}

	for {
		for s.idx < len(s.chunk) {
			id := s.chunk[s.idx]
			s.idx++

			found, err := s.cur.SearchKey(id.Bytes())
			if err != nil {
				s.fail(fmt.Errorf("objectdb: bulk get %s: %w", id, err))
				return false
			}
			if !found {
				s.listener.NotFound(id)
				s.db.rec.ObjectNotFound()
				continue
			}

			raw, err := s.cur.Value()
			if err != nil {
				s.fail(fmt.Errorf("objectdb: bulk get %s: %w", id, err))
				return false
			}
			obj, err := s.db.codec.Decode(id, bytes.NewReader(raw))
			if err != nil {
				s.fail(fmt.Errorf("objectdb: decode %s: %w", id, err))
				return false
			}

			s.listener.Found(id, len(raw))
			s.db.rec.ObjectFound()
			s.obj = obj
			return true
		}

		chunk, ok := s.nextChunk()
		if !ok {
			s.state = scanExhausted
			s.release()
			return false
		}
		object.SortIDs(chunk)
		s.chunk, s.idx = chunk, 0
	}
}

// Object returns the object produced by the last successful Next.
func (s *Scanner) Object() object.Object { return s.obj }

// Err returns the error that terminated iteration, if any.
func (s *Scanner) Err() error { return s.err }

func (s *Scanner) fail(err error) {
	s.err = err
	s.state = scanClosed
	s.release()
}

// Close releases the cursor and aborts the pinned transaction. Idempotent;
// called implicitly on exhaustion and on error.
func (s *Scanner) Close() error {
	if s.state != scanClosed {
		wasScanning := s.state == scanScanning
		s.state = scanClosed
		if wasScanning {
			s.release()
		}
	}
	return nil
}

func (s *Scanner) release() {
	s.chunk = nil
	s.stopChunks()
	if s.cur != nil {
		if err := s.cur.Close(); err != nil {
			s.db.logger.WithError(err).Error("error closing bulk get cursor")
		}
		s.cur = nil
	}
	if s.txn != nil {
		s.db.abortQuietly(s.txn)
		s.txn = nil
	}
}
