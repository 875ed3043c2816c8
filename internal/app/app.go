package app

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"github.com/JrMarcco/pmdeflate"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var AppFxModule = fx.Module("app", fx.Invoke(initApp))

const (
	modeClient = "client"
	modeServe  = "serve"
)

var ErrMissingURL = errors.New("missing pmdeflate.client.url")

// app 有两种运行方式：
// serve 模式启动 echo 服务端；
// client 模式连接服务端，把标准输入的每一行作为一条消息发送。
type app struct {
	mode string
	url  string

	dialer pmdeflate.Dialer
	server pmdeflate.Server
	conn   pmdeflate.Conn

	input      io.Reader
	shutdowner fx.Shutdowner
	logger     *zap.Logger
}

func (app *app) Start(ctx context.Context) error {
	if app.mode == modeServe {
		return app.server.Start()
	}

	if app.url == "" {
		return ErrMissingURL
	}

	conn, err := app.dialer.Dial(ctx, app.url)
	if err != nil {
		return err
	}
	app.conn = conn

	app.logger.Info(
		"[pmdeflate-app] connected",
		zap.String("url", app.url),
		zap.String("conn_id", conn.ID()),
		zap.Any("compression", conn.CompressionState()),
	)

	go app.pumpInput()
	go app.printEcho()
	return nil
}

func (app *app) Stop() error {
	if app.mode == modeServe {
		return app.server.Shutdown()
	}

	if app.conn == nil {
		return nil
	}
	return app.conn.Close()
}

// pumpInput 逐行读取输入并发送，输入结束后关闭连接。
func (app *app) pumpInput() {
	scanner := bufio.NewScanner(app.input)
	for scanner.Scan() {
		// Scanner 会复用内部缓冲区，这里需要拷贝。
		line := append([]byte(nil), scanner.Bytes()...)
		if err := app.conn.Send(line); err != nil {
			app.logger.Error("[pmdeflate-app] failed to send message", zap.Error(err))
			break
		}
	}

	if err := scanner.Err(); err != nil {
		app.logger.Error("[pmdeflate-app] failed to read input", zap.Error(err))
	}

	if err := app.conn.Close(); err != nil {
		app.logger.Warn("[pmdeflate-app] failed to close connection", zap.Error(err))
	}
}

// printEcho 打印服务端的回复，连接关闭后退出应用。
func (app *app) printEcho() {
	for payload := range app.conn.Receive() {
		app.logger.Info(
			"[pmdeflate-app] received message",
			zap.String("conn_id", app.conn.ID()),
			zap.Int("size", len(payload)),
			zap.ByteString("payload", payload),
		)
	}

	<-app.conn.Closed()
	if err := app.shutdowner.Shutdown(); err != nil {
		app.logger.Warn("[pmdeflate-app] failed to shutdown app", zap.Error(err))
	}
}

type appFxParams struct {
	fx.In

	Dialer pmdeflate.Dialer
	Server pmdeflate.Server

	Shutdowner fx.Shutdowner
	Logger     *zap.Logger
	Lifecycle  fx.Lifecycle
}

func initApp(params appFxParams) (*app, error) {
	type config struct {
		Mode string `mapstructure:"mode"`
		URL  string `mapstructure:"url"`
	}

	cfg := config{}
	if err := viper.UnmarshalKey("pmdeflate.app", &cfg); err != nil {
		return nil, err
	}

	mode := cfg.Mode
	if viper.GetBool("serve") {
		mode = modeServe
	}
	if mode == "" {
		mode = modeClient
	}

	url := cfg.URL
	if override := viper.GetString("url"); override != "" {
		url = override
	}

	app := &app{
		mode:       mode,
		url:        url,
		dialer:     params.Dialer,
		server:     params.Server,
		input:      os.Stdin,
		shutdowner: params.Shutdowner,
		logger:     params.Logger,
	}

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return app.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			return app.Stop()
		},
	})

	return app, nil
}
