package objectdb

import (
	"bytes"
	"sort"

	"github.com/revgraph/revgraph/internal/object"
)

// batch is one in-memory unit of pending inserts: serialized objects
// appended to a shared growable buffer, each addressed by an (offset, size)
// slice. A batch is built by one producer, handed off to one batch writer,
// then discarded.
type batch struct {
	buf     bytes.Buffer
	entries []batchEntry
}

type batchEntry struct {
	id     object.ID
	offset int
	size   int
}

func newBatch(sizeHint int) *batch {
	b := &batch{}
	b.buf.Grow(sizeHint)
	return b
}

func (b *batch) add(id object.ID, offset, size int) {
	b.entries = append(b.entries, batchEntry{id: id, offset: offset, size: size})
}

func (b *batch) empty() bool { return len(b.entries) == 0 }
func (b *batch) len() int    { return len(b.entries) }
func (b *batch) size() int   { return b.buf.Len() }

func (b *batch) slice(e batchEntry) []byte {
	return b.buf.Bytes()[e.offset : e.offset+e.size]
}

// sortAscending orders entries by id so writes hit the engine in key order,
// collapsing duplicate ids to their first occurrence. Content-addressing
// makes duplicates byte-identical, so dropping the extras loses nothing.
func (b *batch) sortAscending() {
	sort.SliceStable(b.entries, func(i, j int) bool {
		return b.entries[i].id.Compare(b.entries[j].id) < 0
	})
	deduped := b.entries[:0]
	for i, e := range b.entries {
		if i == 0 || e.id != b.entries[i-1].id {
			deduped = append(deduped, e)
		}
	}
	b.entries = deduped
}
