package providers

import (
	"go.uber.org/fx"
)

var (
	ZapLoggerFxModule         = fx.Module("zap-logger", fx.Provide(newLogger))
	CompressionConfigFxModule = fx.Module("compression-config", fx.Provide(newCompressionConfig))
)
