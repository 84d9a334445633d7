package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashOf(t *testing.T) {
	id := HashOf([]byte("hello"))
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", id.String())
	assert.False(t, id.IsZero())
	assert.True(t, ID{}.IsZero())
}

func TestIDFromHex(t *testing.T) {
	id, err := IDFromHex("aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d")
	require.NoError(t, err)
	assert.Equal(t, HashOf([]byte("hello")), id)

	_, err = IDFromHex("aaf4")
	assert.Error(t, err)

	_, err = IDFromHex("zzf4c61ddcc5e8a2dabede0f3b482cd9aea9434d")
	assert.Error(t, err)
}

func TestPrefixFromHex(t *testing.T) {
	prefix, err := PrefixFromHex("aaf4")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xf4}, prefix)

	// Odd-length and empty prefixes are rejected.
	_, err = PrefixFromHex("aaf")
	assert.Error(t, err)
	_, err = PrefixFromHex("")
	assert.Error(t, err)

	// A full-length id is a valid prefix; anything longer is not.
	_, err = PrefixFromHex("aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d")
	assert.NoError(t, err)
	_, err = PrefixFromHex("aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434daa")
	assert.Error(t, err)
}

func TestCompareAndSort(t *testing.T) {
	a := HashOf([]byte("a"))
	b := HashOf([]byte("b"))
	c := HashOf([]byte("c"))

	assert.Zero(t, a.Compare(a))
	assert.Equal(t, -a.Compare(b), b.Compare(a))

	ids := []ID{c, a, b}
	SortIDs(ids)
	for i := 1; i < len(ids); i++ {
		assert.Negative(t, ids[i-1].Compare(ids[i]))
	}
}

func TestBlob(t *testing.T) {
	blob := NewBlob([]byte("payload"))
	assert.Equal(t, HashOf([]byte("payload")), blob.ID())
	assert.Equal(t, []byte("payload"), blob.Payload())

	trusted := BlobWithID(blob.ID(), []byte("payload"))
	assert.Equal(t, blob.ID(), trusted.ID())
}
