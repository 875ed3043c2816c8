package xws

import (
	"bytes"
	"errors"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/JrMarcco/pmdeflate/internal/pkg/compression"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readClientFrame(t *testing.T, conn net.Conn) ws.Frame {
	t.Helper()

	frame, err := ws.ReadFrame(conn)
	require.NoError(t, err)
	require.True(t, frame.Header.Masked)
	return ws.UnmaskFrameInPlace(frame)
}

func TestWriterCompressesLargePayload(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	deflater, err := compression.NewDeflater(true)
	require.NoError(t, err)

	w := NewClientSideWriter(client, deflater, WriterWithMinDeflateSize(16))
	defer w.Close()

	payload := []byte(strings.Repeat("compress me please ", 64))
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Write(ws.OpText, payload)
	}()

	frame := readClientFrame(t, server)
	require.NoError(t, <-errCh)

	r1, _, _ := ws.RsvBits(frame.Header.Rsv)
	assert.True(t, r1)
	assert.Equal(t, ws.OpText, frame.Header.OpCode)
	assert.Less(t, len(frame.Payload), len(payload))

	inflater := compression.NewInflater()
	defer inflater.Close()

	inflated, err := inflater.Inflate(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload, inflated)
}

func TestWriterSkipsSmallPayload(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	deflater, err := compression.NewDeflater(true)
	require.NoError(t, err)

	w := NewClientSideWriter(client, deflater)
	defer w.Close()

	payload := []byte("tiny")
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Write(ws.OpBinary, payload)
	}()

	frame := readClientFrame(t, server)
	require.NoError(t, <-errCh)

	r1, _, _ := ws.RsvBits(frame.Header.Rsv)
	assert.False(t, r1)
	assert.Equal(t, payload, frame.Payload)
	// 掩码作用于副本，调用方的数据保持不变。
	assert.Equal(t, "tiny", string(payload))
}

func TestWriterClosed(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	deflater, err := compression.NewDeflater(false)
	require.NoError(t, err)

	w := NewClientSideWriter(client, deflater, WriterWithMinDeflateSize(0))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Write(ws.OpText, []byte("x")), ErrWriterClosed)
	assert.ErrorIs(t, w.WriteClose(ws.StatusNormalClosure, ""), ErrWriterClosed)
	_, err = deflater.Deflate([]byte("x"))
	assert.ErrorIs(t, err, compression.ErrClosed)
}

// stallingWriter 第一次写入只接受 limit 个字节并返回超时错误。
type stallingWriter struct {
	buf     bytes.Buffer
	limit   int
	stalled bool
}

func (w *stallingWriter) Write(p []byte) (int, error) {
	if !w.stalled && len(p) > w.limit {
		w.stalled = true
		n, _ := w.buf.Write(p[:w.limit])
		return n, os.ErrDeadlineExceeded
	}
	return w.buf.Write(p)
}

func TestWriterResumesAfterTimeout(t *testing.T) {
	t.Parallel()

	deflater, err := compression.NewDeflater(true)
	require.NoError(t, err)

	dest := &stallingWriter{limit: 7}
	w := NewClientSideWriter(dest, deflater, WriterWithMinDeflateSize(0))
	defer w.Close()

	payload := []byte(strings.Repeat("resume the same frame ", 16))

	err = w.Write(ws.OpText, payload)
	require.Error(t, err)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
	assert.Positive(t, w.Pending())

	require.NoError(t, w.Flush())
	assert.Zero(t, w.Pending())

	require.NoError(t, w.Write(ws.OpText, payload))

	inflater := compression.NewInflater()
	defer inflater.Close()

	// 两条消息都只压缩了一次，对端按顺序解压得到原文。
	for range 2 {
		frame, err := ws.ReadFrame(&dest.buf)
		require.NoError(t, err)
		frame = ws.UnmaskFrameInPlace(frame)

		inflated, err := inflater.Inflate(frame.Payload)
		require.NoError(t, err)
		assert.Equal(t, payload, inflated)
	}
}

func TestReaderInflatesCompressedMessage(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	inflater := compression.NewInflater()
	r := NewClientSideReader(client, NewClientSideWriter(client, nil), inflater)
	defer r.Close()

	peer, err := compression.NewDeflater(true)
	require.NoError(t, err)
	defer peer.Close()

	messages := [][]byte{
		[]byte(strings.Repeat("hello websocket ", 32)),
		[]byte(strings.Repeat("hello websocket ", 32)),
		{},
	}

	errCh := make(chan error, 1)
	go func() {
		for _, msg := range messages {
			deflated, err := peer.Deflate(msg)
			if err != nil {
				errCh <- err
				return
			}
			frame := ws.NewFrame(ws.OpText, true, deflated)
			frame.Header.Rsv = ws.Rsv(true, false, false)
			if err := ws.WriteFrame(server, frame); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for _, msg := range messages {
		op, got, err := r.Read()
		require.NoError(t, err)
		assert.Equal(t, ws.OpText, op)
		assert.True(t, bytes.Equal(msg, got))
	}
	require.NoError(t, <-errCh)
}

func TestReaderAssemblesFragments(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewClientSideReader(client, NewClientSideWriter(client, nil), nil)

	go func() {
		_ = ws.WriteFrame(server, ws.NewFrame(ws.OpText, false, []byte("frag")))
		_ = ws.WriteFrame(server, ws.NewFrame(ws.OpContinuation, false, []byte("men")))
		_ = ws.WriteFrame(server, ws.NewFrame(ws.OpContinuation, true, []byte("ted")))
	}()

	op, got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, op)
	assert.Equal(t, "fragmented", string(got))
}

func TestReaderAnswersPing(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewClientSideReader(client, NewClientSideWriter(client, nil), nil)

	pongCh := make(chan ws.Frame, 1)
	go func() {
		_ = ws.WriteFrame(server, ws.NewPingFrame([]byte("hi")))

		frame, err := ws.ReadFrame(server)
		if err == nil {
			pongCh <- ws.UnmaskFrameInPlace(frame)
		}
		close(pongCh)

		_ = ws.WriteFrame(server, ws.NewTextFrame([]byte("after ping")))
	}()

	_, got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "after ping", string(got))

	pong, ok := <-pongCh
	require.True(t, ok)
	assert.Equal(t, ws.OpPong, pong.Header.OpCode)
	assert.Equal(t, "hi", string(pong.Payload))
}

func TestReaderPeerClose(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewClientSideReader(client, NewClientSideWriter(client, nil), nil)

	replyCh := make(chan ws.Frame, 1)
	go func() {
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye")
		_ = ws.WriteFrame(server, ws.NewCloseFrame(body))

		frame, err := ws.ReadFrame(server)
		if err == nil {
			replyCh <- ws.UnmaskFrameInPlace(frame)
		}
		close(replyCh)
	}()

	_, _, err := r.Read()
	require.Error(t, err)

	var closedErr wsutil.ClosedError
	require.True(t, errors.As(err, &closedErr))
	assert.Equal(t, ws.StatusNormalClosure, closedErr.Code)

	reply, ok := <-replyCh
	require.True(t, ok)
	assert.Equal(t, ws.OpClose, reply.Header.OpCode)
}

func TestReaderUnexpectedCompression(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewClientSideReader(client, NewClientSideWriter(client, nil), nil)

	go func() {
		frame := ws.NewFrame(ws.OpText, true, []byte{0x02, 0x00})
		frame.Header.Rsv = ws.Rsv(true, false, false)
		_ = ws.WriteFrame(server, frame)
	}()

	_, _, err := r.Read()
	assert.ErrorIs(t, err, ErrUnexpectedCompression)
}

func TestReaderCorruptMessage(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	r := NewClientSideReader(client, NewClientSideWriter(client, nil), compression.NewInflater())
	defer r.Close()

	go func() {
		frame := ws.NewFrame(ws.OpBinary, true, []byte{0x07, 0x01, 0x02})
		frame.Header.Rsv = ws.Rsv(true, false, false)
		_ = ws.WriteFrame(server, frame)
	}()

	_, _, err := r.Read()
	assert.ErrorIs(t, err, compression.ErrCorruptData)
}
