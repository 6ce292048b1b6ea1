package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripperdev/flamingo/connection"
)

func TestBinaryStream(t *testing.T) {
	t.Run("heartbeat body is 18 bytes", func(t *testing.T) {
		body := Message{Cmd: CmdHeartbeat, Seq: 5}.Encode()
		assert.Len(t, body, 18)
		assert.Equal(t, uint32(18), binary.BigEndian.Uint32(body))
	})

	t.Run("fields come back in order", func(t *testing.T) {
		w := NewBinaryStreamWriter()
		w.WriteInt32(-7)
		w.WriteInt64(1 << 40)
		w.WriteInt16(300)
		w.WriteString("héllo")
		w.WriteBytes([]byte{0, 1, 2})

		r, err := NewBinaryStreamReader(w.Bytes())
		require.NoError(t, err)

		i32, err := r.ReadInt32()
		require.NoError(t, err)
		assert.Equal(t, int32(-7), i32)

		i64, err := r.ReadInt64()
		require.NoError(t, err)
		assert.Equal(t, int64(1<<40), i64)

		i16, err := r.ReadInt16()
		require.NoError(t, err)
		assert.Equal(t, int16(300), i16)

		s, err := r.ReadString()
		require.NoError(t, err)
		assert.Equal(t, "héllo", s)

		b, err := r.ReadBytes()
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 1, 2}, b)
		assert.True(t, r.IsEnd())

		_, err = r.ReadInt32()
		assert.ErrorIs(t, err, ErrShortRead)
	})

	t.Run("checksum covers the fields", func(t *testing.T) {
		a := Message{Cmd: CmdChat, Seq: 1, Data: "a"}.Encode()
		b := Message{Cmd: CmdChat, Seq: 1, Data: "b"}.Encode()
		assert.NotEqual(t, a[4:6], b[4:6])
		assert.Equal(t, uint16(0xffff), Checksum(nil))
	})

	t.Run("rejects a length that disagrees with the data", func(t *testing.T) {
		body := Message{Cmd: CmdHeartbeat}.Encode()
		_, err := NewBinaryStreamReader(body[:len(body)-1])
		assert.ErrorIs(t, err, ErrStreamLength)

		_, err = NewBinaryStreamReader(body[:3])
		assert.ErrorIs(t, err, ErrShortRead)
	})

	t.Run("string length past the end is a short read", func(t *testing.T) {
		w := NewBinaryStreamWriter()
		w.WriteInt32(1 << 20)
		r, err := NewBinaryStreamReader(w.Bytes())
		require.NoError(t, err)

		_, err = r.ReadString()
		assert.ErrorIs(t, err, ErrShortRead)
	})
}

func TestMessage(t *testing.T) {
	t.Run("round trips with trailing fields", func(t *testing.T) {
		w := Message{Cmd: CmdChat, Seq: 42, Data: `{"msgType":1}`}.Writer()
		w.WriteInt32(7)

		m, r, err := DecodeMessage(w.Bytes())
		require.NoError(t, err)
		assert.Equal(t, Message{Cmd: CmdChat, Seq: 42, Data: `{"msgType":1}`}, m)

		target, err := r.ReadInt32()
		require.NoError(t, err)
		assert.Equal(t, int32(7), target)
	})

	t.Run("names commands", func(t *testing.T) {
		assert.Equal(t, "login", CmdLogin.String())
		assert.Equal(t, "cmd(9999)", Cmd(9999).String())
		assert.True(t, CmdMoveFriendToOtherTeam.Known())
		assert.False(t, Cmd(0).Known())
	})
}

func TestFrame(t *testing.T) {
	heartbeat := Message{Cmd: CmdHeartbeat, Seq: 5}.Encode()

	t.Run("uncompressed heartbeat header", func(t *testing.T) {
		frame := EncodeRawFrame(heartbeat)
		h, err := ParseFrameHeader(frame)
		require.NoError(t, err)
		assert.Equal(t, FrameHeader{CompressFlag: 0, CompressSize: 0, OriginSize: 18}, h)
	})

	t.Run("compressed frames round trip", func(t *testing.T) {
		payload := strings.Repeat("flamingo ", 1000)
		body := Message{Cmd: CmdChat, Seq: 1, Data: payload}.Encode()

		frame, err := EncodeFrame(body)
		require.NoError(t, err)
		assert.Less(t, len(frame), len(body))

		got, n, err := ParseFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, len(frame), n)
		assert.Equal(t, body, got)
	})

	t.Run("a frame split at every boundary decodes once", func(t *testing.T) {
		frame, err := EncodeFrame(heartbeat)
		require.NoError(t, err)

		for split := 1; split < len(frame); split++ {
			buf := connection.NewBuffer()
			buf.Append(frame[:split])

			body, err := ReadFrame(buf)
			require.NoError(t, err)
			require.Nil(t, body, "split %d", split)
			require.Equal(t, split, buf.ReadableBytes())

			buf.Append(frame[split:])
			body, err = ReadFrame(buf)
			require.NoError(t, err)
			require.Equal(t, heartbeat, body, "split %d", split)
			require.Zero(t, buf.ReadableBytes())
		}
	})

	t.Run("byte by byte feeding yields exactly one frame", func(t *testing.T) {
		frame := EncodeRawFrame(heartbeat)
		buf := connection.NewBuffer()

		var frames int
		for _, b := range frame {
			buf.Append([]byte{b})
			body, err := ReadFrame(buf)
			require.NoError(t, err)
			if body != nil {
				frames++
			}
		}

		assert.Equal(t, 1, frames)
	})

	t.Run("two frames in one read come out in order", func(t *testing.T) {
		first, err := EncodeFrame(Message{Cmd: CmdHeartbeat, Seq: 1}.Encode())
		require.NoError(t, err)
		second := EncodeRawFrame(Message{Cmd: CmdHeartbeat, Seq: 2}.Encode())

		buf := connection.NewBuffer()
		buf.Append(append(first, second...))

		var seqs []int32
		for {
			body, err := ReadFrame(buf)
			require.NoError(t, err)
			if body == nil {
				break
			}

			m, _, err := DecodeMessage(body)
			require.NoError(t, err)
			seqs = append(seqs, m.Seq)
		}

		assert.Equal(t, []int32{1, 2}, seqs)
	})

	t.Run("oversized headers are rejected before the body arrives", func(t *testing.T) {
		for _, h := range []FrameHeader{
			{CompressFlag: PackageUncompressed, OriginSize: MaxPackageSize + 1},
			{CompressFlag: PackageUncompressed, OriginSize: -1},
			{CompressFlag: PackageCompressed, CompressSize: MaxPackageSize + 1, OriginSize: 10},
			{CompressFlag: PackageCompressed, CompressSize: 10, OriginSize: MaxPackageSize + 1},
			{CompressFlag: PackageCompressed, CompressSize: 0, OriginSize: 10},
		} {
			_, n, err := ParseFrame(h.AppendTo(nil))
			assert.ErrorIs(t, err, ErrIllegalPackage)
			assert.Zero(t, n)
		}
	})

	t.Run("corrupt compressed body fails to decompress", func(t *testing.T) {
		h := FrameHeader{CompressFlag: PackageCompressed, CompressSize: 4, OriginSize: 18}
		frame := append(h.AppendTo(nil), 1, 2, 3, 4)

		_, _, err := ParseFrame(frame)
		assert.ErrorIs(t, err, ErrDecompress)
	})

	t.Run("declared origin size must match", func(t *testing.T) {
		compressed, err := Compress(heartbeat)
		require.NoError(t, err)

		h := FrameHeader{CompressFlag: PackageCompressed, CompressSize: int32(len(compressed)), OriginSize: 17}
		_, _, err = ParseFrame(append(h.AppendTo(nil), compressed...))
		assert.ErrorIs(t, err, ErrDecompress)

		h.OriginSize = 19
		_, _, err = ParseFrame(append(h.AppendTo(nil), compressed...))
		assert.ErrorIs(t, err, ErrDecompress)
	})
}

func TestFileFrame(t *testing.T) {
	t.Run("download request round trips", func(t *testing.T) {
		req := FileRequest{
			Cmd:           CmdFileDownload,
			Seq:           3,
			FileMD5:       "d41d8cd98f00b204e9800998ecf8427e",
			Offset:        512 * 1024,
			FileSize:      4 << 20,
			FileData:      []byte("chunk"),
			ClientNetType: 1,
		}

		frame := EncodeFileFrame(req.Encode())
		body, n, err := ParseFileFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, len(frame), n)

		got, err := DecodeFileRequest(body)
		require.NoError(t, err)
		assert.Equal(t, req, got)
	})

	t.Run("upload request carries no net type", func(t *testing.T) {
		req := FileRequest{Cmd: CmdFileUpload, Seq: 1, FileMD5: "x", FileData: bytes.Repeat([]byte{7}, 10)}
		got, err := DecodeFileRequest(req.Encode())
		require.NoError(t, err)
		assert.Equal(t, req, got)
	})

	t.Run("partial and oversized frames", func(t *testing.T) {
		frame := EncodeFileFrame([]byte("abc"))
		_, n, err := ParseFileFrame(frame[:5])
		require.NoError(t, err)
		assert.Zero(t, n)

		big := binary.LittleEndian.AppendUint32(nil, MaxFilePackageSize+1)
		_, _, err = ParseFileFrame(big)
		assert.ErrorIs(t, err, ErrIllegalPackage)
	})
}
