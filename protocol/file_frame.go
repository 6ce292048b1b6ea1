package protocol

import (
	"encoding/binary"
	"fmt"
)

// File frame header: a single little endian int32 packagesize.
const (
	FileFrameHeaderLen = 4

	// MaxFilePackageSize bounds the packagesize of a file frame.
	MaxFilePackageSize = 50 * 1024 * 1024
)

// File transfer commands.
const (
	CmdFileUpload   Cmd = 1
	CmdFileDownload Cmd = 2
)

// ParseFileFrame decodes one file frame from the front of data with the same
// contract as ParseFrame. The size is validated before any body is copied.
func ParseFileFrame(data []byte) ([]byte, int, error) {
	if len(data) < FileFrameHeaderLen {
		return nil, 0, nil
	}

	size := int32(binary.LittleEndian.Uint32(data))
	if size <= 0 || size > MaxFilePackageSize {
		return nil, 0, fmt.Errorf("%w: packagesize %d", ErrIllegalPackage, size)
	}

	total := FileFrameHeaderLen + int(size)
	if len(data) < total {
		return nil, 0, nil
	}

	body := make([]byte, size)
	copy(body, data[FileFrameHeaderLen:total])
	return body, total, nil
}

// EncodeFileFrame prefixes body with a file frame header.
func EncodeFileFrame(body []byte) []byte {
	out := make([]byte, 0, FileFrameHeaderLen+len(body))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

// FileRequest is the body of an upload or download request. ClientNetType
// is only present on downloads.
type FileRequest struct {
	Cmd           Cmd
	Seq           int32
	FileMD5       string
	Offset        int64
	FileSize      int64
	FileData      []byte
	ClientNetType int32
}

// Encode returns the body stream of the request.
func (f FileRequest) Encode() []byte {
	w := NewBinaryStreamWriter()
	w.WriteInt32(int32(f.Cmd))
	w.WriteInt32(f.Seq)
	w.WriteString(f.FileMD5)
	w.WriteInt64(f.Offset)
	w.WriteInt64(f.FileSize)
	w.WriteBytes(f.FileData)
	if f.Cmd == CmdFileDownload {
		w.WriteInt32(f.ClientNetType)
	}

	return w.Bytes()
}

// DecodeFileRequest parses a file request body.
func DecodeFileRequest(body []byte) (FileRequest, error) {
	var f FileRequest
	r, err := NewBinaryStreamReader(body)
	if err != nil {
		return f, err
	}

	cmd, err := r.ReadInt32()
	if err != nil {
		return f, fmt.Errorf("read cmd: %w", err)
	}
	f.Cmd = Cmd(cmd)

	if f.Seq, err = r.ReadInt32(); err != nil {
		return f, fmt.Errorf("read seq: %w", err)
	}

	if f.FileMD5, err = r.ReadString(); err != nil {
		return f, fmt.Errorf("read filemd5: %w", err)
	}

	if f.Offset, err = r.ReadInt64(); err != nil {
		return f, fmt.Errorf("read offset: %w", err)
	}

	if f.FileSize, err = r.ReadInt64(); err != nil {
		return f, fmt.Errorf("read filesize: %w", err)
	}

	data, err := r.ReadBytes()
	if err != nil {
		return f, fmt.Errorf("read filedata: %w", err)
	}
	f.FileData = append([]byte(nil), data...)

	if f.Cmd == CmdFileDownload {
		if f.ClientNetType, err = r.ReadInt32(); err != nil {
			return f, fmt.Errorf("read clientnettype: %w", err)
		}
	}

	return f, nil
}
