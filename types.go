package pmdeflate

import (
	"context"

	"github.com/JrMarcco/pmdeflate/internal/pkg/compression"
)

// Compressor 压缩发送方向的单条消息。
type Compressor interface {
	Deflate(payload []byte) ([]byte, error)
	Close() error
}

// Decompressor 解压接收方向的单条消息。
type Decompressor interface {
	Inflate(payload []byte) ([]byte, error)
	Close() error
}

// Dialer 完成 WebSocket 握手并协商压缩参数。
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn 是客户端连接的抽象，只负责消息的收发。
type Conn interface {
	ID() string
	CompressionState() compression.State

	Send(payload []byte) error
	Receive() <-chan []byte
	Closed() <-chan struct{}

	Close() error
}

// Server 是用于联调的 echo 服务端。
type Server interface {
	Start() error
	Addr() string
	Shutdown() error
}
