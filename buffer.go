package dbus

// Buffer is a growable, append-only byte container with
// alignment-aware appends. It is the foundation every Marshaller
// writes through.
//
// Callers never hold raw pointers into a Buffer's backing array
// across appends — offsets returned by Len are stable handles that
// remain valid (and meaningful) even after the backing array grows.
type Buffer struct {
	data []byte
}

// MaxMessageSize is the D-Bus message size cap (2**27 bytes = 128 MiB).
const MaxMessageSize = 128 * 1024 * 1024

// MaxArraySize is the maximum encoded length of a single array body.
const MaxArraySize = 64 * 1024 * 1024

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Len returns the current number of bytes written.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the accumulated content. The returned slice aliases
// the Buffer's storage and must not be retained across further
// appends.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Reset transitions the Buffer back to empty without releasing the
// backing array, so the next sequence of appends can reuse it.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	if len(b.data)+1 > MaxMessageSize {
		return errMessageTooLarge
	}
	b.data = append(b.data, c)
	return nil
}

// Write appends p verbatim.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(b.data)+len(p) > MaxMessageSize {
		return 0, errMessageTooLarge
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// AlignTo returns the padding, in bytes, needed to bring offset up to
// the next multiple of n. n must be a power of two (1, 2, 4, or 8).
func AlignTo(offset, n int) int {
	if n <= 1 {
		return 0
	}
	mod := offset % n
	if mod == 0 {
		return 0
	}
	return n - mod
}

// AppendPad advances the write cursor to the next multiple of n,
// zero-filling the gap. n must be one of 1, 2, 4, 8.
func (b *Buffer) AppendPad(n int) error {
	pad := AlignTo(len(b.data), n)
	if pad == 0 {
		return nil
	}
	if len(b.data)+pad > MaxMessageSize {
		return errMessageTooLarge
	}
	for i := 0; i < pad; i++ {
		b.data = append(b.data, 0)
	}
	return nil
}

// PutUint32At overwrites the 4 bytes at offset with v, little-endian
// or big-endian per order. Used by the marshaller to fix up an
// array's length field once its body has been written.
func PutUint32At(buf []byte, offset int, v uint32, order ByteOrder) {
	order.PutUint32(buf[offset:offset+4], v)
}
