package connection

import (
	"bytes"
	"errors"

	"golang.org/x/sys/unix"

	"github.com/ripperdev/flamingo/sockets"
)

// Buffer layout constants.
const (
	CheapPrepend = 8
	InitialSize  = 1024

	minReadChunk = 4096
)

// Buffer is a growable byte queue with a cheap prepend area:
//
//	| prependable | readable | writable |
//	0        readerIndex  writerIndex  len(buf)
//
// It is not safe for concurrent use; a connection's buffers belong to its loop.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		buf:         make([]byte, CheapPrepend+InitialSize),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

// ReadableBytes returns the number of unread bytes.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the free space after the readable bytes.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the space in front of the readable bytes.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable bytes without consuming them. The slice is only
// valid until the next mutation.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// FindCRLF returns the offset of the first "\r\n" in the readable bytes, or -1.
func (b *Buffer) FindCRLF() int { return bytes.Index(b.Peek(), []byte("\r\n")) }

// Retrieve consumes n bytes.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
		return
	}

	b.RetrieveAll()
}

// RetrieveAll consumes everything.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

// RetrieveAsBytes consumes n bytes and returns a copy of them.
func (b *Buffer) RetrieveAsBytes(n int) []byte {
	n = min(n, b.ReadableBytes())
	out := bytes.Clone(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return out
}

// RetrieveAllAsString consumes everything as a string.
func (b *Buffer) RetrieveAllAsString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// Append copies data after the readable bytes.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	b.writerIndex += copy(b.buf[b.writerIndex:], data)
}

// AppendString copies s after the readable bytes.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	b.writerIndex += copy(b.buf[b.writerIndex:], s)
}

// Prepend copies data in front of the readable bytes. It panics if the
// prepend area is too small.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic("connection: prepend larger than prependable space")
	}

	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

// EnsureWritable makes room for at least n more bytes.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// Shrink drops spare capacity beyond the readable bytes plus reserve.
func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	nb := make([]byte, CheapPrepend+readable+reserve)
	copy(nb[CheapPrepend:], b.Peek())
	b.buf = nb
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

func (b *Buffer) makeSpace(n int) {
	readable := b.ReadableBytes()
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		nb := make([]byte, max(2*len(b.buf), b.writerIndex+n))
		copy(nb[CheapPrepend:], b.Peek())
		b.buf = nb
	} else {
		copy(b.buf[CheapPrepend:], b.Peek())
	}

	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

// ReadFd drains fd until it would block, as required by edge-triggered
// polling.
//
// Parameters:
//   - fd: A nonblocking descriptor
//
// Returns:
//   - n: Total bytes appended
//   - eof: Whether the peer closed its write side
//   - err: A read error other than EAGAIN
func (b *Buffer) ReadFd(fd int) (n int, eof bool, err error) {
	for {
		b.EnsureWritable(minReadChunk)
		r, rerr := sockets.Read(fd, b.buf[b.writerIndex:])
		if rerr != nil {
			if errors.Is(rerr, unix.EAGAIN) {
				return n, false, nil
			}

			return n, false, rerr
		}

		if r == 0 {
			return n, true, nil
		}

		b.writerIndex += r
		n += r
	}
}
