package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/ripperdev/flamingo/connection"
)

// Chat frame header: compressflag, compresssize, originsize as little endian
// int32s.
const (
	FrameHeaderLen = 12

	// MaxPackageSize bounds both size fields of a chat frame header.
	MaxPackageSize = 10 * 1024 * 1024

	PackageUncompressed int32 = 0
	PackageCompressed   int32 = 1
)

var (
	// ErrIllegalPackage is returned for a header whose sizes are out of range.
	ErrIllegalPackage = errors.New("protocol: illegal package")
	// ErrDecompress is returned when a compressed body cannot be inflated to
	// its declared size.
	ErrDecompress = errors.New("protocol: decompress failed")
)

// FrameHeader is the fixed prefix of every chat frame.
type FrameHeader struct {
	CompressFlag int32
	CompressSize int32
	OriginSize   int32
}

// BodyLen returns the number of body bytes following the header on the wire.
func (h FrameHeader) BodyLen() int {
	if h.CompressFlag == PackageCompressed {
		return int(h.CompressSize)
	}

	return int(h.OriginSize)
}

// Validate checks the sizes against MaxPackageSize.
func (h FrameHeader) Validate() error {
	if h.CompressFlag == PackageCompressed {
		if h.CompressSize <= 0 || h.CompressSize > MaxPackageSize {
			return fmt.Errorf("%w: compresssize %d", ErrIllegalPackage, h.CompressSize)
		}
	}

	if h.OriginSize <= 0 || h.OriginSize > MaxPackageSize {
		return fmt.Errorf("%w: originsize %d", ErrIllegalPackage, h.OriginSize)
	}

	return nil
}

// AppendTo appends the encoded header to dst.
func (h FrameHeader) AppendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(h.CompressFlag))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(h.CompressSize))
	return binary.LittleEndian.AppendUint32(dst, uint32(h.OriginSize))
}

// ParseFrameHeader decodes the first FrameHeaderLen bytes of data.
func ParseFrameHeader(data []byte) (FrameHeader, error) {
	if len(data) < FrameHeaderLen {
		return FrameHeader{}, ErrShortRead
	}

	return FrameHeader{
		CompressFlag: int32(binary.LittleEndian.Uint32(data)),
		CompressSize: int32(binary.LittleEndian.Uint32(data[4:])),
		OriginSize:   int32(binary.LittleEndian.Uint32(data[8:])),
	}, nil
}

// ParseFrame decodes one chat frame from the front of data.
//
// Parameters:
//   - data: Buffered bytes, possibly holding a partial frame or several frames
//
// Returns:
//   - The decoded (decompressed) body
//   - The number of bytes the frame occupied; zero with a nil error means
//     more data is needed
//   - ErrIllegalPackage or ErrDecompress on a malformed frame
func ParseFrame(data []byte) ([]byte, int, error) {
	if len(data) < FrameHeaderLen {
		return nil, 0, nil
	}

	h, err := ParseFrameHeader(data)
	if err != nil {
		return nil, 0, err
	}

	if err := h.Validate(); err != nil {
		return nil, 0, err
	}

	total := FrameHeaderLen + h.BodyLen()
	if len(data) < total {
		return nil, 0, nil
	}

	raw := data[FrameHeaderLen:total]
	if h.CompressFlag != PackageCompressed {
		body := make([]byte, len(raw))
		copy(body, raw)
		return body, total, nil
	}

	body, err := Decompress(raw, int(h.OriginSize))
	if err != nil {
		return nil, 0, err
	}

	return body, total, nil
}

// ReadFrame consumes one complete frame from buf. It returns a nil body and
// nil error when buf does not yet hold a whole frame; nothing is consumed in
// that case or on error.
func ReadFrame(buf *connection.Buffer) ([]byte, error) {
	body, n, err := ParseFrame(buf.Peek())
	if err != nil || n == 0 {
		return nil, err
	}

	buf.Retrieve(n)
	return body, nil
}

// EncodeFrame compresses body and prefixes it with a header.
func EncodeFrame(body []byte) ([]byte, error) {
	compressed, err := Compress(body)
	if err != nil {
		return nil, err
	}

	h := FrameHeader{
		CompressFlag: PackageCompressed,
		CompressSize: int32(len(compressed)),
		OriginSize:   int32(len(body)),
	}

	out := make([]byte, 0, FrameHeaderLen+len(compressed))
	out = h.AppendTo(out)
	return append(out, compressed...), nil
}

// EncodeRawFrame prefixes body with an uncompressed header.
func EncodeRawFrame(body []byte) []byte {
	h := FrameHeader{CompressFlag: PackageUncompressed, OriginSize: int32(len(body))}
	out := make([]byte, 0, FrameHeaderLen+len(body))
	out = h.AppendTo(out)
	return append(out, body...)
}

var zlibWriters = sync.Pool{
	New: func() any { return zlib.NewWriter(nil) },
}

// Compress deflates p in zlib format.
func Compress(p []byte) ([]byte, error) {
	var out bytes.Buffer
	zw := zlibWriters.Get().(*zlib.Writer)
	defer zlibWriters.Put(zw)

	zw.Reset(&out)
	if _, err := zw.Write(p); err != nil {
		return nil, fmt.Errorf("zlib write: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}

	return out.Bytes(), nil
}

// Decompress inflates p, which must expand to exactly originSize bytes.
func Decompress(p []byte, originSize int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	defer zr.Close()

	out := make([]byte, originSize)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}

	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("%w: body longer than %d bytes", ErrDecompress, originSize)
	}

	return out, nil
}
