package ws

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JrMarcco/jit/bean/option"
	"github.com/JrMarcco/pmdeflate"
	"github.com/JrMarcco/pmdeflate/internal/pkg/compression"
	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/httphead"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBadHandshake = errors.New("bad websocket handshake")
	ErrInvalidURL   = errors.New("invalid websocket url")
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var _ pmdeflate.Dialer = (*Dialer)(nil)

// Dialer 完成客户端握手，并根据服务端的 Sec-WebSocket-Extensions 响应头创建 Conn。
//
// 握手通过 net/http 完成，这样可以拿到原始的响应头，
// 同时保留底层的 net.Conn 用于后续的帧读写。
type Dialer struct {
	cfg DialerConfig

	netDialer *net.Dialer
	tlsConfig *tls.Config

	logger *zap.Logger
}

// Dial 建立连接。
// 网络错误会按指数退避重试；握手被拒绝或协商失败不会重试。
func (d *Dialer) Dial(ctx context.Context, rawURL string) (pmdeflate.Conn, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}

	if d.cfg.Compression.Enabled {
		if err := d.cfg.Compression.ValidateOffer(); err != nil {
			return nil, err
		}
	}

	op := func() (*handshakeResult, error) {
		res, err := d.handshake(ctx, u)
		if err == nil {
			return res, nil
		}

		var pe *compression.ProtocolError
		if errors.As(err, &pe) || errors.Is(err, ErrBadHandshake) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	res, err := backoff.Retry(
		ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(max(d.cfg.MaxTries, 1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Warn(
				"[pmdeflate-dialer] failed to dial, retrying",
				zap.String("url", u.String()),
				zap.Duration("next_backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		d.logger.Error(
			"[pmdeflate-dialer] failed to establish websocket connection",
			zap.String("url", u.String()),
			zap.Error(err),
		)
		return nil, err
	}

	var codec *compression.Codec
	if res.state.Enabled {
		codec, err = compression.NewCodec(res.state.Negotiated, d.cfg.Compression.Level)
		if err != nil {
			_ = res.netConn.Close()
			return nil, err
		}
	}

	opts := append(
		d.cfg.Conn.connOpts(),
		ConnWithCompression(res.state, codec, d.cfg.Compression.MinDeflateSize),
	)

	id := uuid.NewString()
	conn := NewConn(context.WithoutCancel(ctx), id, res.netConn, res.br, d.logger, opts...)

	d.logger.Info(
		"[pmdeflate-dialer] websocket connection established",
		zap.String("connection_id", id),
		zap.String("url", u.String()),
		zap.Bool("compression_enabled", res.state.Enabled),
		zap.Bool("context_takeover", res.state.Negotiated.ContextTakeover),
		zap.String("extensions", res.state.Header),
	)
	return conn, nil
}

type handshakeResult struct {
	netConn net.Conn
	br      *bufio.Reader
	state   compression.State
}

func (d *Dialer) handshake(ctx context.Context, u *url.URL) (*handshakeResult, error) {
	netConn, err := d.dialNetConn(ctx, u)
	if err != nil {
		return nil, err
	}

	res, err := d.upgrade(ctx, netConn, u)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return res, nil
}

func (d *Dialer) dialNetConn(ctx context.Context, u *url.URL) (net.Conn, error) {
	netConn, err := d.netDialer.DialContext(ctx, "tcp", hostPort(u))
	if err != nil {
		return nil, err
	}

	if u.Scheme != "wss" {
		return netConn, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if d.tlsConfig != nil {
		tlsCfg = d.tlsConfig.Clone()
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = u.Hostname()
	}

	tlsConn := tls.Client(netConn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (d *Dialer) upgrade(ctx context.Context, netConn net.Conn, u *url.URL) (*handshakeResult, error) {
	if d.cfg.HandshakeTimeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(d.cfg.HandshakeTimeout))
		defer func() {
			_ = netConn.SetDeadline(time.Time{})
		}()
	}

	key, err := secWebSocketKey()
	if err != nil {
		return nil, err
	}

	httpURL := *u
	httpURL.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Version", "13")

	offer := d.cfg.Compression.Offer()
	if offer != "" {
		req.Header.Set(compression.HeaderSecWebSocketExtensions, offer)
	}

	if err := req.Write(netConn); err != nil {
		return nil, err
	}

	br := bufio.NewReader(netConn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()

	if err := verifyServerResponse(resp, key); err != nil {
		return nil, err
	}

	state, err := d.resolveCompression(resp.Header, offer)
	if err != nil {
		d.logger.Error(
			"[pmdeflate-dialer] failed to negotiate compression, abort handshake",
			zap.String("url", u.String()),
			zap.String("offer", offer),
			zap.Error(err),
		)
		return nil, err
	}

	return &handshakeResult{
		netConn: netConn,
		br:      br,
		state:   state,
	}, nil
}

// resolveCompression 解析服务端的协商结果。
// 本端没有发送 offer 时，服务端不允许启用扩展。
func (d *Dialer) resolveCompression(h http.Header, offer string) (compression.State, error) {
	negotiated, err := compression.Resolve(h)
	if err != nil {
		return compression.State{}, err
	}

	header := strings.Join(h.Values(compression.HeaderSecWebSocketExtensions), ", ")
	if negotiated.CompressionEnabled && offer == "" {
		return compression.State{}, &compression.ProtocolError{
			Kind:   compression.ErrUnexpectedExtension,
			Reason: "server enabled an extension that was not offered",
			Header: header,
		}
	}

	return compression.State{
		Enabled:    negotiated.CompressionEnabled,
		Negotiated: negotiated,
		Header:     header,
	}, nil
}

func verifyServerResponse(resp *http.Response, key string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: expected status %d but got %d", ErrBadHandshake, http.StatusSwitchingProtocols, resp.StatusCode)
	}

	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return fmt.Errorf("%w: Upgrade header %q does not contain websocket", ErrBadHandshake, resp.Header.Get("Upgrade"))
	}

	if !headerContainsToken(resp.Header, "Connection", "upgrade") {
		return fmt.Errorf("%w: Connection header %q does not contain Upgrade", ErrBadHandshake, resp.Header.Get("Connection"))
	}

	if accept := resp.Header.Get("Sec-WebSocket-Accept"); accept != secWebSocketAccept(key) {
		return fmt.Errorf("%w: invalid Sec-WebSocket-Accept %q", ErrBadHandshake, accept)
	}
	return nil
}

func headerContainsToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		var found bool
		httphead.ScanTokens([]byte(v), func(t []byte) bool {
			found = strings.EqualFold(string(t), token)
			return !found
		})
		if found {
			return true
		}
	}
	return false
}

func secWebSocketKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate Sec-WebSocket-Key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func secWebSocketAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: unexpected scheme %q", ErrInvalidURL, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "wss" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

// DialerWithTLSConfig 设置 wss 使用的 TLS 配置。
func DialerWithTLSConfig(tlsConfig *tls.Config) option.Opt[Dialer] {
	return func(d *Dialer) {
		d.tlsConfig = tlsConfig
	}
}

func NewDialer(cfg DialerConfig, logger *zap.Logger, opts ...option.Opt[Dialer]) *Dialer {
	d := &Dialer{
		cfg:       cfg,
		netDialer: &net.Dialer{Timeout: cfg.HandshakeTimeout},
		logger:    logger,
	}

	option.Apply(d, opts...)
	return d
}
