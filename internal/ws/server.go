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
	"github.com/JrMarcco/pmdeflate"
	"github.com/JrMarcco/pmdeflate/internal/pkg/compression"
	"github.com/JrMarcco/pmdeflate/internal/pkg/limiter"
	"github.com/JrMarcco/pmdeflate/internal/pkg/xws"
	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

var ErrServerNotStarted = errors.New("server not started")

var _ pmdeflate.Server = (*Server)(nil)

// Server 是 echo 服务端，把收到的每条消息原样发回。
//
// 扩展协商交给 wsflate.Extension 完成。
// 收到的压缩消息使用 compression.Inflater 解压，支持客户端复用上下文；
// 回复的消息使用 wsflate 独立压缩，每条消息都不依赖之前的上下文。
type Server struct {
	config *Config

	listener net.Listener

	gate    *limiter.AcceptGate
	backoff *backoff.ExponentialBackOff

	acceptNewConn atomic.Bool
	wg            sync.WaitGroup

	ctx        context.Context
	cancelFunc context.CancelFunc

	logger *zap.Logger
}

// Start 启动 echo 服务端，非阻塞。
func (s *Server) Start() error {
	ln, err := net.Listen(s.config.Network, s.config.Address())
	if err != nil {
		return err
	}

	s.listener = ln

	go s.acceptConn()

	s.logger.Info(
		"[pmdeflate-server] echo server started",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("compression_enabled", s.config.Compression.Enabled),
	)
	return nil
}

// Addr 返回实际监听的地址，端口为 0 时可以用来获取随机端口。
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// acceptConn 接收 WebSocket 连接。
func (s *Server) acceptConn() {
	for {
		// 判断是否接收新连接。
		if !s.acceptNewConn.Load() {
			s.logger.Info("[pmdeflate-server] server is not accepting new connections")
			return
		}

		// 接收连接前先占用名额。
		ticket, ok := s.gate.TryEnter()
		if !ok {
			next := s.backoff.NextBackOff()

			s.logger.Warn(
				"[pmdeflate-server] connection limit reached, reject new connection",
				zap.Int("in_use", s.gate.InUse()),
				zap.Duration("next_backoff", next),
			)

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(next):
			}
			continue
		}

		// 成功占用名额，重置退避策略。
		s.backoff.Reset()

		conn, err := s.listener.Accept()
		if err != nil {
			// 接收连接失败，归还名额。
			ticket.Release()

			if errors.Is(err, net.ErrClosed) {
				// net.ErrClosed 表示 listener 已关闭，
				// 此时可以退出。
				return
			}

			s.logger.Error(
				"[pmdeflate-server] failed to accept connection",
				zap.Error(err),
			)
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn, ticket)
	}
}

// handleConn 处理单个 WebSocket 连接。
func (s *Server) handleConn(conn net.Conn, ticket *limiter.Ticket) {
	defer s.wg.Done()
	defer ticket.Release()

	// 关闭连接。
	defer func() {
		err := conn.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warn(
				"[pmdeflate-server] failed to close connection",
				zap.Error(err),
			)
		}
	}()

	// 服务端关闭时关闭连接，阻塞中的读写立即返回。
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	params, accepted, err := s.upgrade(conn)
	if err != nil {
		s.logger.Error(
			"[pmdeflate-server] failed to upgrade connection from HTTP to WebSocket",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		return
	}

	var inflater *compression.Inflater
	if accepted {
		inflater = compression.NewInflater()
		defer inflater.Close()

		s.logger.Info(
			"[pmdeflate-server] successfully negotiated compression",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.Any("negotiated_params", params),
		)
	}

	if err := s.echo(conn, inflater); err != nil {
		var closedErr wsutil.ClosedError
		if errors.As(err, &closedErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			s.logger.Debug(
				"[pmdeflate-server] client closed connection",
				zap.String("remote_addr", conn.RemoteAddr().String()),
			)
			return
		}

		s.logger.Error(
			"[pmdeflate-server] failed to echo message",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.Error(err),
		)
	}
}

// upgrade 完成服务端握手，返回协商的压缩参数。
func (s *Server) upgrade(conn net.Conn) (wsflate.Parameters, bool, error) {
	upgrader := ws.Upgrader{}

	var ext *wsflate.Extension
	if s.config.Compression.Enabled {
		// 启用压缩时，创建压缩扩展。
		ext = &wsflate.Extension{Parameters: s.config.Compression.ToParameters()}
		upgrader.Negotiate = ext.Negotiate
	}

	if _, err := upgrader.Upgrade(conn); err != nil {
		return wsflate.Parameters{}, false, err
	}

	if ext == nil {
		return wsflate.Parameters{}, false, nil
	}

	params, accepted := ext.Accepted()
	return params, accepted, nil
}

// echo 读取客户端消息并原样发回，直到连接关闭。
func (s *Server) echo(conn net.Conn, inflater *compression.Inflater) error {
	messageState := &wsflate.MessageState{}
	controlHandler := wsutil.ControlFrameHandler(conn, ws.StateServerSide)

	reader := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide | ws.StateExtended,
		Extensions:     []wsutil.RecvExtension{messageState},
		OnIntermediate: controlHandler,
	}

	for {
		header, err := reader.NextFrame()
		if err != nil {
			return err
		}

		if header.OpCode.IsControl() {
			if err := controlHandler(header, reader); err != nil {
				return err
			}
			continue
		}

		payload, err := io.ReadAll(reader)
		if err != nil {
			return err
		}

		if messageState.IsCompressed() {
			if inflater == nil {
				_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusProtocolError, "unexpected compressed message")))
				return xws.ErrUnexpectedCompression
			}

			payload, err = inflater.Inflate(payload)
			if err != nil {
				_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusInvalidFramePayloadData, "invalid compressed data")))
				return err
			}
		}

		if err := s.writeMessage(conn, header.OpCode, payload, inflater != nil); err != nil {
			return err
		}
	}
}

func (s *Server) writeMessage(conn net.Conn, op ws.OpCode, payload []byte, compressed bool) error {
	frame := ws.NewFrame(op, true, payload)

	if compressed {
		var err error
		frame, err = wsflate.CompressFrame(frame)
		if err != nil {
			return err
		}
		frame.Header.Rsv = ws.Rsv(true, false, false)
		frame.Header.Length = int64(len(frame.Payload))
	}

	if s.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	return ws.WriteFrame(conn, frame)
}

// Shutdown 停止接收新连接并关闭所有连接。
func (s *Server) Shutdown() error {
	if s.listener == nil {
		return ErrServerNotStarted
	}

	s.acceptNewConn.Store(false)

	var err error
	if lnErr := s.listener.Close(); lnErr != nil && !errors.Is(lnErr, net.ErrClosed) {
		s.logger.Warn("[pmdeflate-server] failed to close net listener", zap.Error(lnErr))
		err = lnErr
	}

	s.cancelFunc()
	s.wg.Wait()

	s.logger.Info("[pmdeflate-server] echo server stopped")
	return err
}

func SvrWithAcceptGate(gate *limiter.AcceptGate) option.Opt[Server] {
	return func(s *Server) {
		s.gate = gate
	}
}

func NewServer(config *Config, logger *zap.Logger, opts ...option.Opt[Server]) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,

		gate:    limiter.NewAcceptGate(config.ConnLimit, logger),
		backoff: backoff.NewExponentialBackOff(), // 默认退避策略。

		ctx:        ctx,
		cancelFunc: cancel,

		logger: logger,
	}
	s.acceptNewConn.Store(true)

	option.Apply(s, opts...)
	return s
}
