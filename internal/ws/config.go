package ws

import (
	"fmt"
	"time"

	"github.com/JrMarcco/jit/bean/option"
	"github.com/JrMarcco/pmdeflate/internal/pkg/compression"
	"github.com/JrMarcco/pmdeflate/internal/pkg/limiter"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 17001

	// 默认读写超时时间，读超时为 0 表示不限制空闲时间。
	DefaultReadTimeout  = 0
	DefaultWriteTimeout = 10 * time.Second

	// 默认缓冲大小
	DefaultSendBufferSize    = 256
	DefaultReceiveBufferSize = 256

	// 默认重试策略
	DefaultInitRetryInterval = 1 * time.Second
	DefaultMaxRetryInterval  = 5 * time.Second
	DefaultMaxRetryCount     = 3

	DefaultCloseTimeout = time.Second

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialMaxTries     = 3
)

// Config 为 echo 服务端的监听配置。
type Config struct {
	Host    string // IP 地址，默认 127.0.0.1
	Port    int    // 端口号，默认 17001
	Network string // 网络协议，默认 tcp4

	WriteTimeout time.Duration

	Compression compression.Config
	ConnLimit   limiter.GateConfig
}

func DefaultConfig() *Config {
	return &Config{
		Host:         defaultHost,
		Port:         defaultPort,
		Network:      "tcp4",
		WriteTimeout: DefaultWriteTimeout,
		Compression:  compression.DefaultConfig(),
		ConnLimit:    limiter.DefaultGateConfig(),
	}
}

func (cfg Config) Address() string {
	if cfg.Network == "unix" {
		// 如果是 unix，
		// 那么启动方式为 unix domain socket，
		// Host 为 file。
		return cfg.Host
	}

	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

// ConnConfig 为客户端连接的配置。
type ConnConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	InitRetryInterval time.Duration
	MaxRetryInterval  time.Duration
	MaxRetryCount     int32

	SendBufferSize    int
	ReceiveBufferSize int

	CloseTimeout time.Duration
	RateLimit    int
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		InitRetryInterval: DefaultInitRetryInterval,
		MaxRetryInterval:  DefaultMaxRetryInterval,
		MaxRetryCount:     DefaultMaxRetryCount,
		SendBufferSize:    DefaultSendBufferSize,
		ReceiveBufferSize: DefaultReceiveBufferSize,
		CloseTimeout:      DefaultCloseTimeout,
	}
}

// connOpts 将配置转换为 Conn 的 option，零值保持默认。
func (cfg ConnConfig) connOpts() []option.Opt[Conn] {
	var opts []option.Opt[Conn]

	if cfg.ReadTimeout > 0 {
		opts = append(opts, ConnWithReadTimeout(cfg.ReadTimeout))
	}
	if cfg.WriteTimeout > 0 {
		opts = append(opts, ConnWithWriteTimeout(cfg.WriteTimeout))
	}

	if cfg.SendBufferSize > 0 {
		opts = append(opts, ConnWithWriteBuffer(cfg.SendBufferSize))
	}
	if cfg.ReceiveBufferSize > 0 {
		opts = append(opts, ConnWithReadBuffer(cfg.ReceiveBufferSize))
	}

	if cfg.InitRetryInterval > 0 && cfg.MaxRetryInterval > 0 && cfg.MaxRetryCount > 0 {
		opts = append(opts, ConnWithRetry(cfg.InitRetryInterval, cfg.MaxRetryInterval, cfg.MaxRetryCount))
	}

	if cfg.CloseTimeout > 0 {
		opts = append(opts, ConnWithCloseTimeout(cfg.CloseTimeout))
	}

	return append(opts, ConnWithRateLimit(cfg.RateLimit))
}

// DialerConfig 为客户端握手的配置。
type DialerConfig struct {
	HandshakeTimeout time.Duration
	MaxTries         uint

	Compression compression.Config
	Conn        ConnConfig
}

func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxTries:         DefaultDialMaxTries,
		Compression:      compression.DefaultConfig(),
		Conn:             DefaultConnConfig(),
	}
}
