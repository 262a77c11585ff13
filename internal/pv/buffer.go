package pv

import "errors"

// Buffer is a sized in-memory byte region, grounded on the reference
// implementation's buffer_alloc/buffer_dup/buffer_write trio. Unlike a
// bare []byte, a Buffer keeps its logical size explicit so callers can
// distinguish "allocated but empty" from "nil".
type Buffer struct {
	data []byte
}

// NewBuffer allocates a zero-filled buffer of the given size.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// NewBufferFrom copies src into a new buffer.
func NewBufferFrom(src []byte) *Buffer {
	b := &Buffer{data: make([]byte, len(src))}
	copy(b.data, src)
	return b
}

// Bytes returns the buffer's backing slice. Callers must not retain it
// past the buffer's lifetime assumptions (no aliasing guarantees beyond
// a single build pipeline run).
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the buffer's current size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// DupPageAligned duplicates the buffer, optionally right-zero-padding the
// copy up to the next page boundary. Mirrors buffer_dup(buf, page_aligned).
func (b *Buffer) DupPageAligned(pageAligned bool) *Buffer {
	size := len(b.data)
	if pageAligned {
		size = int(PageAlign(uint64(size)))
		if size == 0 {
			size = PageSize
		}
	}
	out := make([]byte, size)
	copy(out, b.data)
	return &Buffer{data: out}
}

// WriteAt copies src into the buffer starting at offset, growing the
// buffer's capacity usage is not performed — offset+len(src) must not
// exceed the buffer's size.
func (b *Buffer) WriteAt(offset int, src []byte) error {
	if offset < 0 || offset+len(src) > len(b.data) {
		return NewIOErr(IOWrite, "", errors.New("buffer write out of range"))
	}
	copy(b.data[offset:], src)
	return nil
}
