package vars

// Buffer is a contiguous byte array. Local storage is either owned
// (internally allocated) or borrowed (a caller-provided slice); the
// distinction is explicit at construction and decides who may reuse the
// backing bytes, never inferred later.
type Buffer struct {
	remoteState
	data  []byte
	owned bool
}

// NewBuffer allocates owned local storage of the given size
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size), owned: true}
}

// NewBufferOf borrows b as local storage; the caller keeps ownership of the
// backing array and must keep it alive while the Buffer is in use
func NewBufferOf(b []byte) *Buffer {
	return &Buffer{data: b}
}

// NewCStr creates an owned buffer holding s with a trailing NUL
func NewCStr(s string) *Buffer {
	data := make([]byte, len(s)+1)
	copy(data, s)
	return &Buffer{data: data, owned: true}
}

// Type implements Var
func (b *Buffer) Type() Type { return TypeArray }

// Size implements Var
func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// Local implements Var
func (b *Buffer) Local() []byte { return b.data }

// Owned reports whether local storage was internally allocated
func (b *Buffer) Owned() bool { return b.owned }

// String interprets local storage as a NUL-terminated string
func (b *Buffer) String() string {
	for i, c := range b.data {
		if c == 0 {
			return string(b.data[:i])
		}
	}
	return string(b.data)
}
