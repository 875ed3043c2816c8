package compression

import (
	"strconv"
	"strings"

	"github.com/gobwas/ws/wsflate"
	"github.com/klauspost/compress/flate"
)

const (
	DefaultLevel = flate.BestCompression
	// DefaultMinDeflateSize 以下的消息不压缩，压缩小消息通常得不偿失。
	DefaultMinDeflateSize = 1024
)

// Config 为本端的压缩配置。
type Config struct {
	Enabled                 bool `yaml:"enabled"`
	ServerMaxWindowBits     int  `yaml:"server_max_window_bits"`
	ServerNoContextTakeover bool `yaml:"server_no_context_takeover"`
	ClientMaxWindowBits     int  `yaml:"client_max_window_bits"`
	ClientNoContextTakeover bool `yaml:"client_no_context_takeover"`
	Level                   int  `yaml:"level"`
	MinDeflateSize          int  `yaml:"min_deflate_size"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Level:          DefaultLevel,
		MinDeflateSize: DefaultMinDeflateSize,
	}
}

// Offer 生成客户端握手请求中 Sec-WebSocket-Extensions 的值。
// 未启用压缩时返回空字符串。
func (cfg Config) Offer() string {
	if !cfg.Enabled {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(ExtensionName)
	if cfg.ClientNoContextTakeover {
		sb.WriteString("; " + OptionClientNoContextTakeover)
	}
	if cfg.ServerNoContextTakeover {
		sb.WriteString("; " + OptionServerNoContextTakeover)
	}
	if cfg.ClientMaxWindowBits != 0 {
		sb.WriteString("; " + OptionClientMaxWindowBits + "=" + strconv.Itoa(cfg.ClientMaxWindowBits))
	}
	if cfg.ServerMaxWindowBits != 0 {
		sb.WriteString("; " + OptionServerMaxWindowBits + "=" + strconv.Itoa(cfg.ServerMaxWindowBits))
	}
	return sb.String()
}

// ValidateOffer 检查客户端 offer 中的窗口参数。
// client_max_window_bits 只支持 15，server_max_window_bits 取值范围为 [8, 15]，0 表示不发送。
func (cfg Config) ValidateOffer() error {
	if cfg.ClientMaxWindowBits != 0 && cfg.ClientMaxWindowBits != SupportedClientMaxWindowBits {
		return protocolError(
			ErrInvalidWindowBits, cfg.Offer(),
			"%s of %d is not supported, use %d",
			OptionClientMaxWindowBits, cfg.ClientMaxWindowBits, SupportedClientMaxWindowBits,
		)
	}

	bits := cfg.ServerMaxWindowBits
	if bits != 0 && (bits < MinServerMaxWindowBits || bits > MaxServerMaxWindowBits) {
		return protocolError(
			ErrInvalidWindowBits, cfg.Offer(),
			"%s of %d is out of range [%d, %d]",
			OptionServerMaxWindowBits, bits, MinServerMaxWindowBits, MaxServerMaxWindowBits,
		)
	}
	return nil
}

// ToParameters 将 Config 转换为 wsflate 参数，供对端（echo server）协商使用。
func (cfg Config) ToParameters() wsflate.Parameters {
	return wsflate.Parameters{
		ServerMaxWindowBits:     wsflate.WindowBits(cfg.ServerMaxWindowBits),
		ServerNoContextTakeover: cfg.ServerNoContextTakeover,
		ClientMaxWindowBits:     wsflate.WindowBits(cfg.ClientMaxWindowBits),
		ClientNoContextTakeover: cfg.ClientNoContextTakeover,
	}
}

// State 为压缩状态，包含协商结果以及服务端返回的原始扩展头。
type State struct {
	Enabled bool

	Negotiated NegotiatedConfig
	Header     string
}
