package main

import (
	"github.com/JrMarcco/pmdeflate/internal/app"
	"github.com/JrMarcco/pmdeflate/internal/pkg/providers"
	"github.com/JrMarcco/pmdeflate/internal/ws"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	initViper()

	fx.New(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger}
		}),

		// 初始化 zap.Logger。
		providers.ZapLoggerFxModule,

		// 初始化压缩配置。
		providers.CompressionConfigFxModule,

		// 初始化 dialer。
		ws.DialerFxModule,

		// 初始化 echo server。
		ws.EchoServerFxModule,

		// 初始化 app。
		app.AppFxModule,
	).Run()
}

func initViper() {
	configFile := pflag.String("config", "etc/config.yaml", "path to config file")
	pflag.Bool("serve", false, "run the echo server instead of the client")
	pflag.String("url", "", "websocket url to dial, overrides pmdeflate.app.url")
	pflag.Parse()

	viper.SetConfigFile(*configFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		panic(err)
	}
}
