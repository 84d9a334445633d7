package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revgraph/revgraph/internal/object"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelFastest, LevelDefault, LevelBetter} {
		c, err := New(level)
		require.NoError(t, err)

		blob := object.NewBlob([]byte("the quick brown fox jumps over the lazy dog"))

		var buf bytes.Buffer
		require.NoError(t, c.Encode(&buf, blob))
		assert.NotZero(t, buf.Len())

		decoded, err := c.Decode(blob.ID(), &buf)
		require.NoError(t, err)

		got, ok := decoded.(*object.Blob)
		require.True(t, ok)
		assert.Equal(t, blob.ID(), got.ID())
		assert.Equal(t, blob.Payload(), got.Payload())
	}
}

func TestEncodeCompresses(t *testing.T) {
	c := Default()

	payload := bytes.Repeat([]byte("revgraph "), 4096)
	blob := object.NewBlob(payload)

	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, blob))
	assert.Less(t, buf.Len(), len(payload))
}

func TestDecodeEmptyPayload(t *testing.T) {
	c := Default()

	blob := object.NewBlob(nil)
	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf, blob))

	decoded, err := c.Decode(blob.ID(), &buf)
	require.NoError(t, err)
	assert.Empty(t, decoded.(*object.Blob).Payload())
}

func TestDecodeGarbage(t *testing.T) {
	c := Default()

	_, err := c.Decode(object.HashOf([]byte("x")), bytes.NewReader([]byte("not zstd at all")))
	assert.Error(t, err)
}
