package xws

import (
	"errors"
	"fmt"
	"io"

	"github.com/JrMarcco/pmdeflate"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/gobwas/ws/wsutil"
)

// ErrUnexpectedCompression 表示对端在未协商压缩的情况下发送了压缩消息。
var ErrUnexpectedCompression = errors.New("received compressed message without negotiated compression")

// Reader 是对 gobwas/ws 的封装，用于读取 WebSocket 消息。
// 只允许在一个 goroutine 中使用。
type Reader struct {
	reader *wsutil.Reader

	messageState *wsflate.MessageState
	decompressor pmdeflate.Decompressor

	handlerFunc wsutil.FrameHandlerFunc
}

// Read 读取一条完整的数据消息，分片会被合并，控制帧在内部处理。
// 对端关闭连接时返回 wsutil.ClosedError。
func (r *Reader) Read() (ws.OpCode, []byte, error) {
	for {
		header, err := r.reader.NextFrame()
		if err != nil {
			return 0, nil, err
		}

		if header.OpCode.IsControl() {
			if err := r.handlerFunc(header, r.reader); err != nil {
				return 0, nil, err
			}
			continue
		}

		payload, err := io.ReadAll(r.reader)
		if err != nil {
			return 0, nil, err
		}

		if !r.messageState.IsCompressed() {
			return header.OpCode, payload, nil
		}

		if r.decompressor == nil {
			return 0, nil, ErrUnexpectedCompression
		}

		inflated, err := r.decompressor.Inflate(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to inflate message: %w", err)
		}
		return header.OpCode, inflated, nil
	}
}

// Close 释放解压器，必须由使用 Reader 的 goroutine 调用。
func (r *Reader) Close() error {
	if r.decompressor == nil {
		return nil
	}
	err := r.decompressor.Close()
	r.decompressor = nil
	return err
}

// NewClientSideReader 创建客户端 Reader，控制帧的回复通过 w 发送。
func NewClientSideReader(src io.Reader, w *Writer, decompressor pmdeflate.Decompressor) *Reader {
	messageState := &wsflate.MessageState{}
	handlerFunc := w.controlHandler(ws.StateClientSide)

	return &Reader{
		reader: &wsutil.Reader{
			Source:         src,
			State:          ws.StateClientSide | ws.StateExtended,
			Extensions:     []wsutil.RecvExtension{messageState},
			OnIntermediate: handlerFunc,
		},
		messageState: messageState,
		decompressor: decompressor,
		handlerFunc:  handlerFunc,
	}
}
