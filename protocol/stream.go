package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Stream prefix layout: [total length uint32][checksum uint16], big endian.
const (
	streamLengthLen   = 4
	streamChecksumLen = 2
	StreamHeaderLen   = streamLengthLen + streamChecksumLen

	// MaxStreamLen bounds the declared total length of one body stream.
	MaxStreamLen = 0x10000000
)

var (
	// ErrShortRead is returned when a field extends past the end of the stream.
	ErrShortRead = errors.New("protocol: short read")
	// ErrStreamLength is returned when the declared stream length disagrees
	// with the bytes actually present.
	ErrStreamLength = errors.New("protocol: bad stream length")
)

// Checksum computes the 16-bit one's complement sum of data, padding an odd
// trailing byte with zero.
func Checksum(data []byte) uint16 {
	var sum uint32
	for len(data) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(data))
		data = data[2:]
	}

	if len(data) == 1 {
		sum += uint32(data[0]) << 8
	}

	for sum>>16 != 0 {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	return ^uint16(sum)
}

// BinaryStreamWriter builds a body stream. Fields are appended in network
// byte order behind a reserved prefix that Bytes fills in.
type BinaryStreamWriter struct {
	buf []byte
}

// NewBinaryStreamWriter returns a writer with the stream prefix reserved.
func NewBinaryStreamWriter() *BinaryStreamWriter {
	return &BinaryStreamWriter{buf: make([]byte, StreamHeaderLen, 64)}
}

// WriteInt32 appends a 4-byte integer.
func (w *BinaryStreamWriter) WriteInt32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

// WriteInt64 appends an 8-byte integer.
func (w *BinaryStreamWriter) WriteInt64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

// WriteInt16 appends a 2-byte integer.
func (w *BinaryStreamWriter) WriteInt16(v int16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
}

// WriteString appends a length-prefixed string.
func (w *BinaryStreamWriter) WriteString(s string) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBytes appends a length-prefixed byte blob.
func (w *BinaryStreamWriter) WriteBytes(p []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(p)))
	w.buf = append(w.buf, p...)
}

// Len returns the current stream length including the prefix.
func (w *BinaryStreamWriter) Len() int {
	return len(w.buf)
}

// Bytes finalizes the prefix and returns the stream. The writer may keep
// appending afterwards; call Bytes again to refresh the prefix.
func (w *BinaryStreamWriter) Bytes() []byte {
	binary.BigEndian.PutUint32(w.buf, uint32(len(w.buf)))
	binary.BigEndian.PutUint16(w.buf[streamLengthLen:], Checksum(w.buf[StreamHeaderLen:]))
	return w.buf
}

// BinaryStreamReader consumes a body stream produced by BinaryStreamWriter.
// The checksum is carried on the wire but not verified.
type BinaryStreamReader struct {
	data []byte
	pos  int
}

// NewBinaryStreamReader validates the stream prefix of data.
//
// Parameters:
//   - data: One complete body stream
//
// Returns:
//   - A reader positioned at the first field
//   - ErrShortRead if the prefix is incomplete, ErrStreamLength if the
//     declared length does not match len(data)
func NewBinaryStreamReader(data []byte) (*BinaryStreamReader, error) {
	if len(data) < StreamHeaderLen {
		return nil, ErrShortRead
	}

	total := binary.BigEndian.Uint32(data)
	if total > MaxStreamLen || int(total) != len(data) {
		return nil, fmt.Errorf("%w: declared %d, have %d", ErrStreamLength, total, len(data))
	}

	return &BinaryStreamReader{data: data, pos: StreamHeaderLen}, nil
}

// ReadInt32 reads a 4-byte integer.
func (r *BinaryStreamReader) ReadInt32() (int32, error) {
	if r.Remaining() < 4 {
		return 0, ErrShortRead
	}

	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return int32(v), nil
}

// ReadInt64 reads an 8-byte integer.
func (r *BinaryStreamReader) ReadInt64() (int64, error) {
	if r.Remaining() < 8 {
		return 0, ErrShortRead
	}

	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return int64(v), nil
}

// ReadInt16 reads a 2-byte integer.
func (r *BinaryStreamReader) ReadInt16() (int16, error) {
	if r.Remaining() < 2 {
		return 0, ErrShortRead
	}

	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return int16(v), nil
}

// ReadBytes reads a length-prefixed blob. The result aliases the stream.
func (r *BinaryStreamReader) ReadBytes() ([]byte, error) {
	if r.Remaining() < 4 {
		return nil, ErrShortRead
	}

	n := binary.BigEndian.Uint32(r.data[r.pos:])
	if n > math.MaxInt32 || int(n) > r.Remaining()-4 {
		return nil, ErrShortRead
	}

	r.pos += 4
	p := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return p, nil
}

// ReadString reads a length-prefixed string.
func (r *BinaryStreamReader) ReadString() (string, error) {
	p, err := r.ReadBytes()
	if err != nil {
		return "", err
	}

	return string(p), nil
}

// Remaining returns the number of unread bytes.
func (r *BinaryStreamReader) Remaining() int {
	return len(r.data) - r.pos
}

// IsEnd reports whether every byte has been consumed.
func (r *BinaryStreamReader) IsEnd() bool {
	return r.pos >= len(r.data)
}
