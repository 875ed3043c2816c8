package compression

import (
	"strconv"
	"strings"
)

const (
	ExtensionName = "permessage-deflate"

	OptionClientNoContextTakeover = "client_no_context_takeover"
	OptionServerNoContextTakeover = "server_no_context_takeover"
	OptionClientMaxWindowBits     = "client_max_window_bits"
	OptionServerMaxWindowBits     = "server_max_window_bits"

	// SupportedClientMaxWindowBits 是唯一支持的客户端窗口大小（32 KiB）。
	SupportedClientMaxWindowBits = 15

	MinServerMaxWindowBits = 8
	MaxServerMaxWindowBits = 15
)

// OptionTag 为 permessage-deflate 扩展参数的类型。
// 参数集合由 RFC 7692 固定，不允许扩展。
type OptionTag int

const (
	ClientNoContextTakeover OptionTag = iota + 1
	ServerNoContextTakeover
	ClientMaxWindowBits
	ServerMaxWindowBits
)

func (t OptionTag) String() string {
	switch t {
	case ClientNoContextTakeover:
		return OptionClientNoContextTakeover
	case ServerNoContextTakeover:
		return OptionServerNoContextTakeover
	case ClientMaxWindowBits:
		return OptionClientMaxWindowBits
	case ServerMaxWindowBits:
		return OptionServerMaxWindowBits
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Option 为解析后的单个扩展参数。
// Bits 只在 ClientMaxWindowBits / ServerMaxWindowBits 时有意义。
type Option struct {
	Tag  OptionTag
	Bits int
}

func (o Option) String() string {
	switch o.Tag {
	case ClientMaxWindowBits, ServerMaxWindowBits:
		return o.Tag.String() + "=" + strconv.Itoa(o.Bits)
	default:
		return o.Tag.String()
	}
}

// ParseOption 将单个 token 解析为 Option。
// 注：
//
//	no_context_takeover 类参数要求完全匹配，
//	max_window_bits 类参数按前缀匹配，名称之后跟一个分隔符（通常是 '='），值可以带引号。
func ParseOption(token string) (Option, error) {
	switch {
	case token == "":
		return Option{}, protocolError(ErrMalformedHeader, token, "empty option")
	case token == OptionClientNoContextTakeover:
		return Option{Tag: ClientNoContextTakeover}, nil
	case token == OptionServerNoContextTakeover:
		return Option{Tag: ServerNoContextTakeover}, nil
	case strings.HasPrefix(token, OptionClientMaxWindowBits):
		bits, err := parseWindowBits(token, OptionClientMaxWindowBits)
		if err != nil {
			return Option{}, err
		}
		if bits != SupportedClientMaxWindowBits {
			return Option{}, protocolError(
				ErrInvalidWindowBits, token,
				"%s of %d is not supported, use %d or %s",
				OptionClientMaxWindowBits, bits, SupportedClientMaxWindowBits, OptionClientNoContextTakeover,
			)
		}
		return Option{Tag: ClientMaxWindowBits, Bits: bits}, nil
	case strings.HasPrefix(token, OptionServerMaxWindowBits):
		bits, err := parseWindowBits(token, OptionServerMaxWindowBits)
		if err != nil {
			return Option{}, err
		}
		if bits < MinServerMaxWindowBits || bits > MaxServerMaxWindowBits {
			return Option{}, protocolError(
				ErrInvalidWindowBits, token,
				"%s of %d is out of range [%d, %d]",
				OptionServerMaxWindowBits, bits, MinServerMaxWindowBits, MaxServerMaxWindowBits,
			)
		}
		return Option{Tag: ServerMaxWindowBits, Bits: bits}, nil
	default:
		return Option{}, protocolError(ErrUnknownOption, token, "%q", token)
	}
}

func parseWindowBits(token, name string) (int, error) {
	// 跳过参数名以及紧随其后的一个分隔符。
	rest := token[len(name):]
	if rest == "" {
		return 0, protocolError(ErrInvalidWindowBits, token, "%s requires a value", name)
	}
	raw := strings.TrimSpace(rest[1:])
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, `"`), `"`)

	bits, err := strconv.Atoi(raw)
	if err != nil {
		return 0, protocolError(ErrInvalidWindowBits, token, "%s value %q is not an integer", name, raw)
	}
	return bits, nil
}
