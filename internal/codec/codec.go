// Package codec implements the stored representation of objects: a
// zstd-compressed frame around the object payload. Decoding always goes
// through a streaming zstd reader so large objects are never inflated into
// an intermediate buffer twice.
package codec

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/revgraph/revgraph/internal/object"
)

// Codec encodes and decodes objects as zstd-framed payloads. It is safe for
// concurrent use: the shared encoder is stateless in EncodeAll mode, and
// each Decode opens its own streaming reader.
type Codec struct {
	encoder *zstd.Encoder
}

// Level selects the zstd encoder speed/ratio tradeoff.
type Level int

const (
	LevelFastest Level = iota + 1
	LevelDefault
	LevelBetter
)

// New creates a codec with the given compression level.
func New(level Level) (*Codec, error) {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case LevelFastest:
		encoderLevel = zstd.SpeedFastest
	case LevelBetter:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("codec: create encoder: %w", err)
	}

	return &Codec{encoder: encoder}, nil
}

// Default returns a codec at the default compression level, panicking on
// construction failure. zstd.NewWriter only fails on invalid options.
func Default() *Codec {
	c, err := New(LevelDefault)
	if err != nil {
		panic(err)
	}
	return c
}

// Encode writes the zstd-compressed payload of obj to w.
func (c *Codec) Encode(w io.Writer, obj object.Object) error {
	blob, ok := obj.(*object.Blob)
	if !ok {
		return fmt.Errorf("codec: unsupported object type %T", obj)
	}
	compressed := c.encoder.EncodeAll(blob.Payload(), nil)
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("codec: write compressed payload: %w", err)
	}
	return nil
}

// Decode reads one compressed object payload from r via a streaming zstd
// reader and returns it as a blob carrying the supplied id.
func (c *Codec) Decode(id object.ID, r io.Reader) (object.Object, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("codec: open compressed stream for %s: %w", id, err)
	}
	defer zr.Close()

	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress %s: %w", id, err)
	}
	return object.BlobWithID(id, payload), nil
}

// Close releases the shared encoder.
func (c *Codec) Close() error {
	c.encoder.Close()
	return nil
}

var _ object.Codec = (*Codec)(nil)
