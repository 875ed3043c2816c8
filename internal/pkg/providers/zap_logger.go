package providers

import (
	"context"
	"log/slog"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

func newLogger(lifecycle fx.Lifecycle) (*zap.Logger, error) {
	type config struct {
		Env      string `mapstructure:"env"`
		LogLevel string `mapstructure:"log_level"`
	}

	cfg := config{}
	if err := viper.UnmarshalKey("project", &cfg); err != nil {
		return nil, err
	}

	var zapCfg zap.Config
	switch cfg.Env {
	case "prod":
		zapCfg = zap.NewProductionConfig()
	default:
		zapCfg = zap.NewDevelopmentConfig()
	}

	if cfg.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}

	// 初始化 slog。
	slog.SetDefault(slog.New(zapslog.NewHandler(logger.Core())))

	lifecycle.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			_ = logger.Sync()
			return nil
		},
	})

	return logger, nil
}
