package providers

import (
	"github.com/JrMarcco/pmdeflate/internal/pkg/compression"
	"github.com/spf13/viper"
)

// newCompressionConfig 读取客户端的压缩配置，未配置的字段保持默认值。
func newCompressionConfig() (compression.Config, error) {
	type config struct {
		Enabled                 bool `mapstructure:"enabled"`
		ServerMaxWindowBits     int  `mapstructure:"server_max_window_bits"`
		ServerNoContextTakeover bool `mapstructure:"server_no_context_takeover"`
		ClientMaxWindowBits     int  `mapstructure:"client_max_window_bits"`
		ClientNoContextTakeover bool `mapstructure:"client_no_context_takeover"`
		Level                   int  `mapstructure:"level"`
		MinDeflateSize          *int `mapstructure:"min_deflate_size"`
	}

	defaults := compression.DefaultConfig()

	cfg := config{Enabled: defaults.Enabled, Level: defaults.Level}
	if err := viper.UnmarshalKey("pmdeflate.compression", &cfg); err != nil {
		return compression.Config{}, err
	}

	minDeflateSize := defaults.MinDeflateSize
	if cfg.MinDeflateSize != nil {
		minDeflateSize = *cfg.MinDeflateSize
	}

	res := compression.Config{
		Enabled:                 cfg.Enabled,
		ServerMaxWindowBits:     cfg.ServerMaxWindowBits,
		ServerNoContextTakeover: cfg.ServerNoContextTakeover,
		ClientMaxWindowBits:     cfg.ClientMaxWindowBits,
		ClientNoContextTakeover: cfg.ClientNoContextTakeover,
		Level:                   cfg.Level,
		MinDeflateSize:          minDeflateSize,
	}
	if res.Enabled {
		if err := res.ValidateOffer(); err != nil {
			return compression.Config{}, err
		}
	}
	return res, nil
}
