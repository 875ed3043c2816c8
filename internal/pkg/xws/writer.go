package xws

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/JrMarcco/jit/bean/option"
	"github.com/JrMarcco/pmdeflate"
	"github.com/JrMarcco/pmdeflate/internal/pkg/compression"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var ErrWriterClosed = errors.New("writer closed")

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Writer 是对 gobwas/ws 的封装，用于发送客户端 WebSocket 消息。
//
// 数据帧与控制帧的回复共用同一把锁，帧之间不会交错。
// 每条消息只压缩一次并完整编码为 pending，
// 写超时之后通过 Flush 继续发送剩余字节，不会重新压缩。
type Writer struct {
	mu   sync.Mutex
	dest io.Writer

	// compressor 为 nil 表示未协商压缩。
	compressor     pmdeflate.Compressor
	minDeflateSize int

	timeout   time.Duration
	deadliner writeDeadliner

	frameBuf bytes.Buffer
	pending  []byte

	// close 帧只发送一次，之后控制帧处理器的回复被丢弃。
	closeSent bool
	closed    bool
}

// Write 将 payload 作为一条完整消息（单帧）发送。
// 协商了压缩并且 payload 不小于 minDeflateSize 时压缩并设置 RSV1。
// 返回错误时未写完的部分保留在 Writer 中，可以通过 Flush 继续发送。
func (w *Writer) Write(op ws.OpCode, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	// 上一条消息还有剩余字节时先发送完。
	if err := w.flushPending(); err != nil {
		return err
	}

	var rsv byte
	var data []byte
	if w.compressor != nil && len(payload) >= w.minDeflateSize {
		deflated, err := w.compressor.Deflate(payload)
		if err != nil {
			return err
		}
		data = deflated
		rsv = ws.Rsv(true, false, false)
	} else {
		// 客户端帧需要原地掩码，不能修改调用方的数据。
		data = make([]byte, len(payload))
		copy(data, payload)
	}

	frame := ws.NewFrame(op, true, data)
	frame.Header.Rsv = rsv
	frame = ws.MaskFrameInPlace(frame)

	w.frameBuf.Reset()
	if err := ws.WriteFrame(&w.frameBuf, frame); err != nil {
		return err
	}
	w.pending = w.frameBuf.Bytes()

	return w.flushPending()
}

// Flush 继续发送上一次 Write 未写完的字节。
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	return w.flushPending()
}

// Pending 返回未写完的字节数。
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.pending)
}

// WriteClose 发送 close 帧。
func (w *Writer) WriteClose(code ws.StatusCode, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	if err := w.flushPending(); err != nil {
		return err
	}

	if w.closeSent {
		return nil
	}
	w.closeSent = true

	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	frame = ws.MaskFrameInPlace(frame)

	w.setDeadline()
	return ws.WriteFrame(w.dest, frame)
}

// Close 释放压缩器，之后的写入返回 ErrWriterClosed。
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.pending = nil

	if w.compressor != nil {
		return w.compressor.Close()
	}
	return nil
}

func (w *Writer) flushPending() error {
	for len(w.pending) > 0 {
		w.setDeadline()

		n, err := w.dest.Write(w.pending)
		w.pending = w.pending[n:]
		if err != nil {
			return err
		}
	}
	w.pending = nil
	return nil
}

func (w *Writer) setDeadline() {
	if w.deadliner != nil && w.timeout > 0 {
		_ = w.deadliner.SetWriteDeadline(time.Now().Add(w.timeout))
	}
}

// controlHandler 在写锁内处理 ping / pong / close 帧，回复帧整帧写出。
func (w *Writer) controlHandler(state ws.State) wsutil.FrameHandlerFunc {
	handle := wsutil.ControlFrameHandler(writerFunc(w.writeControl), state)

	return func(h ws.Header, r io.Reader) error {
		w.mu.Lock()
		defer w.mu.Unlock()

		if !w.closed {
			if err := w.flushPending(); err != nil {
				return err
			}
		}

		err := handle(h, r)
		if h.OpCode == ws.OpClose {
			w.closeSent = true
		}
		return err
	}
}

// writeControl 只在 controlHandler 持有锁时被调用。
func (w *Writer) writeControl(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	if w.closeSent {
		return len(p), nil
	}
	w.setDeadline()
	return w.dest.Write(p)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}

// WriterWithTimeout 设置每次写入的超时时间，dest 需要支持 SetWriteDeadline。
func WriterWithTimeout(timeout time.Duration) option.Opt[Writer] {
	return func(w *Writer) {
		w.timeout = timeout
	}
}

// WriterWithMinDeflateSize 设置压缩阈值，小于该长度的消息不压缩。
func WriterWithMinDeflateSize(size int) option.Opt[Writer] {
	return func(w *Writer) {
		if size >= 0 {
			w.minDeflateSize = size
		}
	}
}

func NewClientSideWriter(dest io.Writer, compressor pmdeflate.Compressor, opts ...option.Opt[Writer]) *Writer {
	w := &Writer{
		dest:           dest,
		compressor:     compressor,
		minDeflateSize: compression.DefaultMinDeflateSize,
	}
	if d, ok := dest.(writeDeadliner); ok {
		w.deadliner = d
	}

	option.Apply(w, opts...)
	return w
}
