package ws

import (
	"time"

	"github.com/JrMarcco/pmdeflate"
	"github.com/JrMarcco/pmdeflate/internal/pkg/compression"
	"github.com/JrMarcco/pmdeflate/internal/pkg/limiter"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var DialerFxModule = fx.Module(
	"ws-dialer",
	fx.Provide(
		fx.Annotate(
			newDialer,
			fx.As(new(pmdeflate.Dialer)),
		),
	),
)

var EchoServerFxModule = fx.Module(
	"ws-echo-server",
	fx.Provide(
		fx.Annotate(
			newEchoServer,
			fx.As(new(pmdeflate.Server)),
		),
	),
)

func newDialer(compressionCfg compression.Config, logger *zap.Logger) (*Dialer, error) {
	type clientConfig struct {
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
		MaxTries         uint          `mapstructure:"max_tries"`
	}

	type connConfig struct {
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`

		InitRetryInterval time.Duration `mapstructure:"init_retry_interval"`
		MaxRetryInterval  time.Duration `mapstructure:"max_retry_interval"`
		MaxRetryCount     int32         `mapstructure:"max_retry_count"`

		SendBufferSize    int `mapstructure:"send_buffer_size"`
		ReceiveBufferSize int `mapstructure:"receive_buffer_size"`

		CloseTimeout time.Duration `mapstructure:"close_timeout"`
		RateLimit    int           `mapstructure:"rate_limit"`
	}

	ccfg := clientConfig{}
	if err := viper.UnmarshalKey("pmdeflate.client", &ccfg); err != nil {
		return nil, err
	}

	connCfg := connConfig{}
	if err := viper.UnmarshalKey("pmdeflate.conn", &connCfg); err != nil {
		return nil, err
	}

	cfg := DefaultDialerConfig()
	cfg.Compression = compressionCfg
	if ccfg.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = ccfg.HandshakeTimeout
	}
	if ccfg.MaxTries > 0 {
		cfg.MaxTries = ccfg.MaxTries
	}

	// 零值由 connOpts 忽略，保持 Conn 的默认值。
	cfg.Conn = ConnConfig{
		ReadTimeout:       connCfg.ReadTimeout,
		WriteTimeout:      connCfg.WriteTimeout,
		InitRetryInterval: connCfg.InitRetryInterval,
		MaxRetryInterval:  connCfg.MaxRetryInterval,
		MaxRetryCount:     connCfg.MaxRetryCount,
		SendBufferSize:    connCfg.SendBufferSize,
		ReceiveBufferSize: connCfg.ReceiveBufferSize,
		CloseTimeout:      connCfg.CloseTimeout,
		RateLimit:         connCfg.RateLimit,
	}

	return NewDialer(cfg, logger), nil
}

func newEchoServer(logger *zap.Logger) (*Server, error) {
	type config struct {
		Host         string        `mapstructure:"host"`
		Port         int           `mapstructure:"port"`
		Network      string        `mapstructure:"network"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`

		Compression struct {
			Enabled                 bool `mapstructure:"enabled"`
			ServerMaxWindowBits     int  `mapstructure:"server_max_window_bits"`
			ServerNoContextTakeover bool `mapstructure:"server_no_context_takeover"`
			ClientMaxWindowBits     int  `mapstructure:"client_max_window_bits"`
			ClientNoContextTakeover bool `mapstructure:"client_no_context_takeover"`
		} `mapstructure:"compression"`

		ConnLimit struct {
			MaxConns   int `mapstructure:"max_conns"`
			AcceptRate int `mapstructure:"accept_rate"`
		} `mapstructure:"conn_limit"`
	}

	cfg := config{}
	if err := viper.UnmarshalKey("pmdeflate.server", &cfg); err != nil {
		return nil, err
	}

	svrCfg := DefaultConfig()
	if cfg.Host != "" {
		svrCfg.Host = cfg.Host
	}
	if cfg.Port > 0 {
		svrCfg.Port = cfg.Port
	}
	if cfg.Network != "" {
		svrCfg.Network = cfg.Network
	}
	if cfg.WriteTimeout > 0 {
		svrCfg.WriteTimeout = cfg.WriteTimeout
	}

	svrCfg.Compression = compression.Config{
		Enabled:                 cfg.Compression.Enabled,
		ServerMaxWindowBits:     cfg.Compression.ServerMaxWindowBits,
		ServerNoContextTakeover: cfg.Compression.ServerNoContextTakeover,
		ClientMaxWindowBits:     cfg.Compression.ClientMaxWindowBits,
		ClientNoContextTakeover: cfg.Compression.ClientNoContextTakeover,
	}

	if cfg.ConnLimit.MaxConns > 0 {
		limitCfg, err := limiter.NewGateConfig(cfg.ConnLimit.MaxConns, cfg.ConnLimit.AcceptRate)
		if err != nil {
			return nil, err
		}
		svrCfg.ConnLimit = limitCfg
	}

	return NewServer(svrCfg, logger), nil
}
