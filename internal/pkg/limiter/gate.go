package limiter

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

var ErrInvalidGateConfig = errors.New("invalid accept gate config")

const (
	DefaultMaxConns   = 1024
	DefaultAcceptRate = 256
)

// GateConfig 为 echo 服务端接收连接的限制。
type GateConfig struct {
	// MaxConns 为同时处理的连接数上限。
	MaxConns int
	// AcceptRate 为每秒接收连接数的上限，0 表示不限制。
	AcceptRate int
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxConns:   DefaultMaxConns,
		AcceptRate: DefaultAcceptRate,
	}
}

func NewGateConfig(maxConns, acceptRate int) (GateConfig, error) {
	if maxConns <= 0 {
		return GateConfig{}, errors.Join(ErrInvalidGateConfig, errors.New("max conns must be greater than 0"))
	}
	if acceptRate < 0 {
		return GateConfig{}, errors.Join(ErrInvalidGateConfig, errors.New("accept rate must not be negative"))
	}
	return GateConfig{MaxConns: maxConns, AcceptRate: acceptRate}, nil
}

// AcceptGate 控制 echo 服务端接收新连接：
// 名额用完时拒绝，名额内按 AcceptRate 平滑接收。
type AcceptGate struct {
	cfg GateConfig

	// slots 中的每个元素代表一个占用中的名额。
	slots chan struct{}
	inUse atomic.Int64

	pace ratelimit.Limiter

	logger *zap.Logger
}

// Ticket 代表一个占用中的名额，连接结束时归还。
type Ticket struct {
	gate *AcceptGate
	once sync.Once
}

// Release 归还名额，重复调用只生效一次。
func (t *Ticket) Release() {
	t.once.Do(func() {
		<-t.gate.slots
		t.gate.inUse.Add(-1)
	})
}

// TryEnter 尝试占用一个名额，名额用完时立即返回 false。
// 成功时可能会阻塞一小段时间以满足 AcceptRate。
func (g *AcceptGate) TryEnter() (*Ticket, bool) {
	select {
	case g.slots <- struct{}{}:
	default:
		g.logger.Debug(
			"[pmdeflate-gate] no free slot",
			zap.Int("max_conns", g.cfg.MaxConns),
		)
		return nil, false
	}
	g.inUse.Add(1)

	if g.pace != nil {
		g.pace.Take()
	}
	return &Ticket{gate: g}, true
}

// InUse 返回占用中的名额数。
func (g *AcceptGate) InUse() int {
	return int(g.inUse.Load())
}

func (g *AcceptGate) Cap() int {
	return g.cfg.MaxConns
}

func NewAcceptGate(cfg GateConfig, logger *zap.Logger) *AcceptGate {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}

	g := &AcceptGate{
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.MaxConns),
		logger: logger,
	}
	if cfg.AcceptRate > 0 {
		g.pace = ratelimit.New(cfg.AcceptRate, ratelimit.WithoutSlack)
	}

	logger.Debug(
		"[pmdeflate-gate] accept gate initialized",
		zap.Int("max_conns", cfg.MaxConns),
		zap.Int("accept_rate", cfg.AcceptRate),
	)
	return g
}
