// Package object defines the content-addressed identifiers and the minimal
// object model shared by the storage layer. The versioned-object schema
// (commits, trees, blobs) lives above this layer; here an object is anything
// that knows its own id.
package object

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

// IDLength is the byte length of an object id (a SHA-1 content hash).
const IDLength = 20

// ID is the fixed-length content hash addressing a stored object. IDs are
// totally ordered by byte value and used verbatim as engine keys.
type ID [IDLength]byte

// ZeroID is the all-zeros id. It is never assigned to a real object.
var ZeroID = ID{}

// HashOf returns the content hash of data. The storage layer itself never
// recomputes hashes; this is a convenience for callers building objects.
func HashOf(data []byte) ID {
	return sha1.Sum(data)
}

// IDFromHex parses a full 40-character hex representation of an id.
func IDFromHex(s string) (ID, error) {
	var id ID
	if len(s) != 2*IDLength {
		return id, fmt.Errorf("object: invalid id %q: want %d hex chars, got %d", s, 2*IDLength, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("object: invalid id %q: %w", s, err)
	}
	return id, nil
}

// PrefixFromHex parses a partial (short) id of 1..IDLength bytes. The hex
// string must have an even number of characters.
func PrefixFromHex(s string) ([]byte, error) {
	if len(s) == 0 || len(s) > 2*IDLength {
		return nil, fmt.Errorf("object: invalid id prefix %q", s)
	}
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("object: invalid id prefix %q: odd number of hex chars", s)
	}
	prefix, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("object: invalid id prefix %q: %w", s, err)
	}
	return prefix, nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the raw 20 bytes of the id.
func (id ID) Bytes() []byte {
	raw := make([]byte, IDLength)
	copy(raw, id[:])
	return raw
}

// Compare returns -1, 0 or 1 comparing ids by raw byte value.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

func (id ID) IsZero() bool {
	return id == ZeroID
}

// SortIDs sorts ids ascending by byte value, the storage key order.
func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}

// Object is anything addressable by a content hash. Implementations supply
// their own id; the storage layer never derives it.
type Object interface {
	ID() ID
}

// Blob is an opaque payload with a precomputed id. It is the concrete object
// type used by the maintenance CLI and tests; richer object kinds decode to
// their own types through a Codec.
type Blob struct {
	id      ID
	payload []byte
}

// NewBlob builds a blob whose id is the content hash of payload.
func NewBlob(payload []byte) *Blob {
	return &Blob{id: HashOf(payload), payload: payload}
}

// BlobWithID builds a blob with a caller-supplied id. The id is trusted, not
// verified.
func BlobWithID(id ID, payload []byte) *Blob {
	return &Blob{id: id, payload: payload}
}

func (b *Blob) ID() ID          { return b.id }
func (b *Blob) Payload() []byte { return b.payload }

// Codec serializes objects to and from their stored representation. Encoded
// bytes are opaque to the storage layer, which only slices and copies them.
type Codec interface {
	// Encode writes the serialized form of obj to w.
	Encode(w io.Writer, obj Object) error

	// Decode reads one object from r. The id is supplied by the caller; the
	// decoded object must report it unchanged.
	Decode(id ID, r io.Reader) (Object, error)
}
