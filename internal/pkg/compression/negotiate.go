package compression

import (
	"errors"
	"net/http"
	"strings"
)

const HeaderSecWebSocketExtensions = "Sec-WebSocket-Extensions"

// NegotiatedConfig 为握手协商后的压缩配置。
// 每个连接创建一次，之后只读。
type NegotiatedConfig struct {
	CompressionEnabled bool
	// ContextTakeover 只在 CompressionEnabled 为 true 时有意义。
	ContextTakeover bool
}

// Resolve 从服务端的握手响应头中解析压缩配置。
// 响应头不存在或者值都为空表示服务端拒绝了压缩，空行会被跳过。
func Resolve(h http.Header) (NegotiatedConfig, error) {
	values := make([]string, 0, 1)
	for _, v := range h.Values(HeaderSecWebSocketExtensions) {
		if strings.TrimSpace(v) != "" {
			values = append(values, v)
		}
	}
	return ParseExtensions(strings.Join(values, ", "))
}

// ParseExtensions 解析 Sec-WebSocket-Extensions 的值。
// 注：
//
//	只处理第一个扩展，其余的（fallback）扩展被忽略。
//	分隔符两侧的空白会被去除，"a; b" 与 "a;b" 等价。
func ParseExtensions(value string) (NegotiatedConfig, error) {
	if strings.TrimSpace(value) == "" {
		return NegotiatedConfig{}, nil
	}

	offer, _, _ := strings.Cut(value, ",")
	offer = strings.TrimSpace(offer)
	if offer == "" {
		return NegotiatedConfig{}, protocolError(ErrMalformedHeader, value, "empty extension")
	}

	tokens := strings.Split(offer, ";")
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}

	// 服务端不能选择客户端没有提供的扩展。
	if tokens[0] != ExtensionName {
		return NegotiatedConfig{}, protocolError(ErrUnexpectedExtension, value, "%q", tokens[0])
	}

	if len(tokens) == 1 {
		return NegotiatedConfig{CompressionEnabled: true, ContextTakeover: true}, nil
	}

	seen := make(map[OptionTag]struct{}, len(tokens)-1)
	for _, token := range tokens[1:] {
		opt, err := ParseOption(token)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				pe.Header = value
			}
			return NegotiatedConfig{}, err
		}

		if _, ok := seen[opt.Tag]; ok {
			return NegotiatedConfig{}, protocolError(ErrDuplicateOption, value, "%s", opt.Tag)
		}
		seen[opt.Tag] = struct{}{}
	}

	_, clientNoContextTakeover := seen[ClientNoContextTakeover]
	return NegotiatedConfig{
		CompressionEnabled: true,
		ContextTakeover:    !clientNoContextTakeover,
	}, nil
}
