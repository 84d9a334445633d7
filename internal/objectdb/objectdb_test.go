package objectdb

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revgraph/revgraph/internal/codec"
	"github.com/revgraph/revgraph/internal/config"
	"github.com/revgraph/revgraph/internal/kv"
	"github.com/revgraph/revgraph/internal/object"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func newTestDB(t *testing.T, kind kv.Kind, transactional bool, opts Options) *Database {
	t.Helper()

	dir := t.TempDir()
	cfg, err := config.Open(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Set(config.KeyTransactional, transactional))

	opts.Dir = dir
	opts.Engine = kind
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}

	db := New(cfg, codec.Default(), opts)
	require.NoError(t, db.Open())
	t.Cleanup(func() { db.Close() })
	return db
}

// forEachDB runs fn against every engine kind in both durability modes.
func forEachDB(t *testing.T, opts Options, fn func(t *testing.T, db *Database)) {
	for _, kind := range []kv.Kind{kv.KindBadger, kv.KindPebble} {
		for _, transactional := range []bool{true, false} {
			mode := "transactional"
			if !transactional {
				mode = "deferred"
			}
			t.Run(string(kind)+"/"+mode, func(t *testing.T) {
				fn(t, newTestDB(t, kind, transactional, opts))
			})
		}
	}
}

func TestPutGet(t *testing.T) {
	forEachDB(t, Options{}, func(t *testing.T, db *Database) {
		ctx := context.Background()
		blob := object.NewBlob([]byte("some versioned content"))

		inserted, err := db.Put(ctx, blob)
		require.NoError(t, err)
		assert.True(t, inserted)

		found, err := db.Exists(ctx, blob.ID())
		require.NoError(t, err)
		assert.True(t, found)

		got, err := db.Get(ctx, blob.ID())
		require.NoError(t, err)
		assert.Equal(t, blob.ID(), got.ID())
		assert.Equal(t, blob.Payload(), got.(*object.Blob).Payload())
	})
}

func TestPutFirstWriterWins(t *testing.T) {
	forEachDB(t, Options{}, func(t *testing.T, db *Database) {
		ctx := context.Background()
		blob := object.NewBlob([]byte("stored once"))

		inserted, err := db.Put(ctx, blob)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = db.Put(ctx, blob)
		require.NoError(t, err)
		assert.False(t, inserted)
	})
}

func TestGetMissing(t *testing.T) {
	forEachDB(t, Options{}, func(t *testing.T, db *Database) {
		ctx := context.Background()
		id := object.HashOf([]byte("never stored"))

		_, err := db.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)

		raw, err := db.GetRaw(ctx, id, false)
		require.NoError(t, err)
		assert.Nil(t, raw)

		found, err := db.Exists(ctx, id)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestDelete(t *testing.T) {
	forEachDB(t, Options{}, func(t *testing.T, db *Database) {
		ctx := context.Background()
		blob := object.NewBlob([]byte("short lived"))

		_, err := db.Put(ctx, blob)
		require.NoError(t, err)

		existed, err := db.Delete(ctx, blob.ID())
		require.NoError(t, err)
		assert.True(t, existed)

		found, err := db.Exists(ctx, blob.ID())
		require.NoError(t, err)
		assert.False(t, found)

		// Deleting an absent id is not an error.
		existed, err = db.Delete(ctx, blob.ID())
		require.NoError(t, err)
		assert.False(t, existed)
	})
}

func TestResolvePartial(t *testing.T) {
	forEachDB(t, Options{}, func(t *testing.T, db *Database) {
		ctx := context.Background()

		ids := make([]object.ID, 0, 256)
		for i := 0; i < 256; i++ {
			blob := object.NewBlob([]byte{byte(i), byte(i >> 8), 'x'})
			_, err := db.Put(ctx, blob)
			require.NoError(t, err)
			ids = append(ids, blob.ID())
		}

		target := ids[0]

		// Every prefix length resolves to a match set containing the id.
		for n := 1; n <= object.IDLength; n++ {
			matches, err := db.ResolvePartial(ctx, target.Bytes()[:n])
			require.NoError(t, err)
			assert.Contains(t, matches, target, "prefix length %d", n)
		}

		// A one-byte prefix returns exactly the stored ids sharing that
		// leading byte, ascending.
		var want []object.ID
		for _, id := range ids {
			if id[0] == target[0] {
				want = append(want, id)
			}
		}
		object.SortIDs(want)
		matches, err := db.ResolvePartial(ctx, []byte{target[0]})
		require.NoError(t, err)
		assert.Equal(t, want, matches)

		// The full id resolves to itself alone.
		matches, err = db.ResolvePartial(ctx, target.Bytes())
		require.NoError(t, err)
		assert.Equal(t, []object.ID{target}, matches)
	})
}

func TestResolvePartialNoMatch(t *testing.T) {
	db := newTestDB(t, kv.KindBadger, true, Options{})
	ctx := context.Background()

	matches, err := db.ResolvePartial(ctx, []byte{0xab, 0xcd})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestResolvePartialInvalidPrefix(t *testing.T) {
	db := newTestDB(t, kv.KindBadger, true, Options{})
	ctx := context.Background()

	_, err := db.ResolvePartial(ctx, nil)
	assert.Error(t, err)

	tooLong := make([]byte, object.IDLength+1)
	_, err = db.ResolvePartial(ctx, tooLong)
	assert.Error(t, err)
}

func TestClosedDatabase(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Open(dir)
	require.NoError(t, err)

	db := New(cfg, codec.Default(), Options{Dir: dir, Logger: testLogger()})
	assert.False(t, db.IsOpen())

	ctx := context.Background()
	id := object.HashOf([]byte("x"))

	_, err = db.Exists(ctx, id)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Get(ctx, id)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Put(ctx, object.NewBlob([]byte("x")))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Delete(ctx, id)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.ResolvePartial(ctx, id.Bytes()[:2])
	assert.ErrorIs(t, err, ErrClosed)

	// Closing a closed database is a no-op.
	assert.NoError(t, db.Close())
}

func TestReopen(t *testing.T) {
	forEachDB(t, Options{}, func(t *testing.T, db *Database) {
		ctx := context.Background()
		blob := object.NewBlob([]byte("survives a restart"))

		_, err := db.Put(ctx, blob)
		require.NoError(t, err)

		require.NoError(t, db.Close())
		assert.False(t, db.IsOpen())

		require.NoError(t, db.Open())
		assert.True(t, db.IsOpen())

		got, err := db.Get(ctx, blob.ID())
		require.NoError(t, err)
		assert.Equal(t, blob.Payload(), got.(*object.Blob).Payload())
	})
}

func TestOpenIdempotent(t *testing.T) {
	db := newTestDB(t, kv.KindBadger, true, Options{})
	require.NoError(t, db.Open())
	assert.True(t, db.IsOpen())
}

func TestConfigureAndCheck(t *testing.T) {
	db := newTestDB(t, kv.KindPebble, true, Options{})
	require.NoError(t, db.CheckConfig())
	require.NoError(t, db.Configure())
	require.NoError(t, db.CheckConfig())
}
