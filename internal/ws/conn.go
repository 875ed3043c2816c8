package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JrMarcco/jit/bean/option"
	"github.com/JrMarcco/jit/retry"
	"github.com/JrMarcco/pmdeflate"
	"github.com/JrMarcco/pmdeflate/internal/pkg/compression"
	"github.com/JrMarcco/pmdeflate/internal/pkg/xws"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/multierr"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

var (
	ErrConnClosed = errors.New("connection closed")
)

var _ pmdeflate.Conn = (*Conn)(nil)

// Conn 代表一个客户端 WebSocket 连接。
// Conn 封装了 net.Conn，只负责消息的读写。
//
// 压缩器由 writer 持有，在写锁内串行使用；
// 解压器只在 receiveLoop 中使用，并由 receiveLoop 退出时释放。
type Conn struct {
	id string

	netConn net.Conn

	reader      *xws.Reader
	readTimeout time.Duration

	writer       *xws.Writer
	writeTimeout time.Duration
	opCode       ws.OpCode

	compressionState compression.State
	codec            *compression.Codec
	minDeflateSize   int

	// 重试策略
	initRetryInterval time.Duration
	maxRetryInterval  time.Duration
	maxRetryCount     int32

	// 通信通道
	sendChan    chan []byte
	receiveChan chan []byte

	// 限流:
	//
	// 	这里使用 uber 的 ratelimit 库，是一个基于漏桶算法（Leaky Bucket）的限流器。
	// 	消息处理需要平滑，避免突发消息阻塞 receiveChan。
	limiter ratelimit.Limiter

	ctx        context.Context
	cancelFunc context.CancelFunc

	receiveDone  chan struct{}
	peerClosed   atomic.Bool
	closeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error

	logger *zap.Logger
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) CompressionState() compression.State {
	return c.compressionState
}

func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	case c.sendChan <- payload:
		if c.ctx.Err() != nil {
			return ErrConnClosed
		}
		return nil
	}
}

func (c *Conn) Receive() <-chan []byte {
	return c.receiveChan
}

func (c *Conn) Closed() <-chan struct{} {
	return c.ctx.Done()
}

// Close 关闭连接，可以多次调用，只有第一次生效。
// 对端没有先发送 close 帧时，发送 close 帧并最多等待 closeTimeout 让对端回复。
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancelFunc()

		if !c.peerClosed.Load() {
			if err := c.writer.WriteClose(ws.StatusNormalClosure, ""); err != nil {
				c.logger.Debug(
					"[pmdeflate-conn] failed to send close frame",
					zap.String("connection_id", c.id),
					zap.Error(err),
				)
			} else {
				// 等待服务端回复 close 帧。
				select {
				case <-c.receiveDone:
				case <-time.After(c.closeTimeout):
				}
			}
		}

		// 先关闭 net.Conn，阻塞中的读写都会立即返回。
		c.closeErr = multierr.Append(c.netConn.Close(), c.writer.Close())

		c.logger.Info(
			"[pmdeflate-conn] connection closed",
			zap.String("connection_id", c.id),
			zap.Bool("compression_enabled", c.compressionState.Enabled),
		)
	})
	return c.closeErr
}

func (c *Conn) sendLoop() {
	defer func() {
		_ = c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case payload, ok := <-c.sendChan:
			if !ok {
				return
			}

			if !c.trySend(payload) {
				// 发送失败，关闭连接。
				return
			}
		}
	}
}

// trySend 是实际发送消息给服务端的逻辑。
// 在发送失败时，会根据配置使用指数退避策略进行重试，最终重试失败才会返回 false。
// 注意：
//
//	只允许在发生超时时进行重试。
//	重试只会继续发送同一帧未写完的字节，消息不会被重新压缩。
func (c *Conn) trySend(payload []byte) bool {
	// 这里可以忽略 error。
	// 创建 Conn 的时候就应该确保重试策略的参数正确。
	retryStrategy, _ := retry.NewExponentialBackoffStrategy(
		c.initRetryInterval, c.maxRetryInterval, c.maxRetryCount,
	)

	err := c.writer.Write(c.opCode, payload)
	for {
		if err == nil {
			return true
		}

		c.logger.Error(
			"[pmdeflate-conn] failed to send message to server",
			zap.String("connection_id", c.id),
			zap.Int("payload_len", len(payload)),
			zap.Int("pending", c.writer.Pending()),
			zap.Bool("compression_enabled", c.compressionState.Enabled),
			zap.Error(err),
		)

		// 检查错误，如果是超时错误则允许重试。
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			// 非超时错误，直接失败。
			return false
		}

		duration, ok := retryStrategy.Next()
		if !ok {
			// 重试达到上限。
			c.logger.Error(
				"[pmdeflate-conn] failed to resend message to server, retry reach max",
				zap.String("connection_id", c.id),
				zap.Bool("compression_enabled", c.compressionState.Enabled),
			)
			return false
		}

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(duration):
		}

		err = c.writer.Flush()
	}
}

func (c *Conn) receiveLoop() {
	defer func() {
		close(c.receiveChan)
		close(c.receiveDone)

		// 解压器只在这里使用，所以也只在这里释放。
		if err := c.reader.Close(); err != nil {
			c.logger.Warn(
				"[pmdeflate-conn] failed to release decompressor",
				zap.String("connection_id", c.id),
				zap.Error(err),
			)
		}
		_ = c.Close()
	}()

	for {
		if c.limiter != nil {
			// 获取限流器令牌。
			c.limiter.Take()
		}

		select {
		case <-c.ctx.Done():
			return
		default:
		}

		// 读超时表示空闲超时，超时后关闭连接。
		// 在帧中间超时会破坏读取状态，所以不做重试。
		if c.readTimeout > 0 {
			_ = c.netConn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}

		_, payload, err := c.reader.Read()
		if err != nil {
			c.handleReadErr(err)
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case c.receiveChan <- payload:
		}
	}
}

func (c *Conn) handleReadErr(err error) {
	if c.ctx.Err() != nil {
		// 本端已经关闭连接。
		return
	}

	var wsErr wsutil.ClosedError
	if errors.As(err, &wsErr) {
		// 服务端关闭连接，close 帧已经由控制帧处理器回复。
		c.peerClosed.Store(true)
		c.logger.Info(
			"[pmdeflate-conn] server closed connection",
			zap.String("connection_id", c.id),
			zap.Int("code", int(wsErr.Code)),
			zap.String("reason", wsErr.Reason),
		)
		return
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		c.peerClosed.Store(true)
		c.logger.Warn(
			"[pmdeflate-conn] server closed connection without close frame",
			zap.String("connection_id", c.id),
			zap.Error(err),
		)
		return
	}

	if errors.Is(err, compression.ErrCorruptData) || errors.Is(err, xws.ErrUnexpectedCompression) {
		// 压缩数据错误时以 1007 关闭连接。
		c.logger.Error(
			"[pmdeflate-conn] failed to decompress message from server",
			zap.String("connection_id", c.id),
			zap.Any("compression_state", c.compressionState),
			zap.Error(err),
		)
		if werr := c.writer.WriteClose(ws.StatusInvalidFramePayloadData, "invalid compressed data"); werr == nil {
			c.peerClosed.Store(true)
		}
		return
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Warn(
			"[pmdeflate-conn] connection idle timeout",
			zap.String("connection_id", c.id),
			zap.Duration("read_timeout", c.readTimeout),
		)
		return
	}

	// 其他错误，直接返回。
	c.logger.Error(
		"[pmdeflate-conn] failed to read message from server",
		zap.String("connection_id", c.id),
		zap.Any("compression_state", c.compressionState),
		zap.Error(err),
	)
}

func ConnWithReadTimeout(readTimeout time.Duration) option.Opt[Conn] {
	return func(c *Conn) {
		c.readTimeout = readTimeout
	}
}

func ConnWithWriteTimeout(writeTimeout time.Duration) option.Opt[Conn] {
	return func(c *Conn) {
		c.writeTimeout = writeTimeout
	}
}

// ConnWithCompression 设置协商结果与对应的 Codec，codec 为 nil 表示不压缩。
func ConnWithCompression(state compression.State, codec *compression.Codec, minDeflateSize int) option.Opt[Conn] {
	return func(c *Conn) {
		c.compressionState = state
		c.codec = codec
		c.minDeflateSize = minDeflateSize
	}
}

func ConnWithRetry(initRetryInterval, maxRetryInterval time.Duration, maxRetryCount int32) option.Opt[Conn] {
	return func(c *Conn) {
		c.initRetryInterval = initRetryInterval
		c.maxRetryInterval = maxRetryInterval
		c.maxRetryCount = maxRetryCount
	}
}

func ConnWithReadBuffer(receiveBufferSize int) option.Opt[Conn] {
	return func(c *Conn) {
		c.receiveChan = make(chan []byte, receiveBufferSize)
	}
}

func ConnWithWriteBuffer(sendBufferSize int) option.Opt[Conn] {
	return func(c *Conn) {
		c.sendChan = make(chan []byte, sendBufferSize)
	}
}

func ConnWithCloseTimeout(closeTimeout time.Duration) option.Opt[Conn] {
	return func(c *Conn) {
		c.closeTimeout = closeTimeout
	}
}

// ConnWithOpCode 设置发送消息使用的帧类型，默认为 text。
func ConnWithOpCode(op ws.OpCode) option.Opt[Conn] {
	return func(c *Conn) {
		if op == ws.OpText || op == ws.OpBinary {
			c.opCode = op
		}
	}
}

// ConnWithRateLimit 限流器 option。
// rate 为每秒接收消息的上限。
func ConnWithRateLimit(rate int) option.Opt[Conn] {
	return func(c *Conn) {
		if rate > 0 {
			c.limiter = ratelimit.New(rate)
		}
	}
}

// NewConn 基于握手完成的 net.Conn 创建 Conn 并启动收发 goroutine。
// src 为握手时使用的带缓冲 reader，其中可能已经读入了服务端的第一个帧。
func NewConn(
	parentCtx context.Context,
	id string,
	netConn net.Conn,
	src io.Reader,
	logger *zap.Logger,
	opts ...option.Opt[Conn],
) *Conn {
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Conn{
		id:      id,
		netConn: netConn,

		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		opCode:       ws.OpText,

		minDeflateSize: compression.DefaultMinDeflateSize,

		initRetryInterval: DefaultInitRetryInterval,
		maxRetryInterval:  DefaultMaxRetryInterval,
		maxRetryCount:     DefaultMaxRetryCount,

		sendChan:    make(chan []byte, DefaultSendBufferSize),
		receiveChan: make(chan []byte, DefaultReceiveBufferSize),

		receiveDone:  make(chan struct{}),
		closeTimeout: DefaultCloseTimeout,

		ctx:        ctx,
		cancelFunc: cancel,

		logger: logger,
	}

	option.Apply(c, opts...)

	if src == nil {
		src = netConn
	}

	// 在 option 应用之后才能确定压缩配置。
	// 所以只能在这里初始化 writer 和 reader。
	// 这里需要显式使用接口类型的 nil，避免 nil 指针被包装成非 nil 接口。
	var compressor pmdeflate.Compressor
	var decompressor pmdeflate.Decompressor
	if c.codec != nil {
		compressor = c.codec.Deflater()
		decompressor = c.codec.Inflater()
	}

	c.writer = xws.NewClientSideWriter(
		netConn,
		compressor,
		xws.WriterWithTimeout(c.writeTimeout),
		xws.WriterWithMinDeflateSize(c.minDeflateSize),
	)
	c.reader = xws.NewClientSideReader(src, c.writer, decompressor)

	// 启动收发数据的 goroutine。
	go c.sendLoop()
	go c.receiveLoop()

	return c
}
