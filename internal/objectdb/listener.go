package objectdb

import (
	"sync/atomic"

	"github.com/revgraph/revgraph/internal/object"
)

// SizeUnknown is reported to Found when the stored size was not retrieved.
const SizeUnknown = -1

// BulkOpListener receives per-id outcomes of bulk operations. Callbacks run
// synchronously on whichever goroutine performs the operation, so an
// implementation must be safe for concurrent use when the writer pool is
// larger than one. Duplicate ids within one insert batch collapse to a
// single callback.
type BulkOpListener interface {
	// Inserted reports a newly persisted object and its stored size.
	Inserted(id object.ID, size int)

	// Found reports an object that was already present. size is the stored
	// size when known, SizeUnknown otherwise.
	Found(id object.ID, size int)

	// Deleted reports an object removed by a bulk delete.
	Deleted(id object.ID)

	// NotFound reports an id with no stored entry.
	NotFound(id object.ID)
}

// NoopListener discards all notifications.
var NoopListener BulkOpListener = noopListener{}

type noopListener struct{}

func (noopListener) Inserted(object.ID, int) {}
func (noopListener) Found(object.ID, int)    {}
func (noopListener) Deleted(object.ID)       {}
func (noopListener) NotFound(object.ID)      {}

// CountingListener tallies outcomes. Safe for concurrent use.
type CountingListener struct {
	inserted atomic.Int64
	found    atomic.Int64
	deleted  atomic.Int64
	notFound atomic.Int64
}

func (l *CountingListener) Inserted(object.ID, int) { l.inserted.Add(1) }
func (l *CountingListener) Found(object.ID, int)    { l.found.Add(1) }
func (l *CountingListener) Deleted(object.ID)       { l.deleted.Add(1) }
func (l *CountingListener) NotFound(object.ID)      { l.notFound.Add(1) }

func (l *CountingListener) InsertedCount() int64 { return l.inserted.Load() }
func (l *CountingListener) FoundCount() int64    { return l.found.Load() }
func (l *CountingListener) DeletedCount() int64  { return l.deleted.Load() }
func (l *CountingListener) NotFoundCount() int64 { return l.notFound.Load() }
