package compression

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedHeader     = errors.New("malformed extension header")
	ErrUnexpectedExtension = errors.New("unexpected extension")
	ErrUnknownOption       = errors.New("unknown option")
	ErrInvalidWindowBits   = errors.New("invalid window bits")
	ErrDuplicateOption     = errors.New("duplicate option")
)

var (
	ErrDeflate     = errors.New("failed to deflate message")
	ErrCorruptData = errors.New("corrupt compressed data")
	ErrClosed      = errors.New("compressor closed")
)

// ProtocolError 为协商阶段的协议错误。
// 所有协商失败都会返回 *ProtocolError，并且可以通过 errors.Is 匹配对应的哨兵错误。
type ProtocolError struct {
	Kind   error
	Reason string
	Header string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("permessage-deflate: %v in %q", e.Kind, e.Header)
	}
	return fmt.Sprintf("permessage-deflate: %v: %s in %q", e.Kind, e.Reason, e.Header)
}

func (e *ProtocolError) Unwrap() error {
	return e.Kind
}

func protocolError(kind error, header, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Kind:   kind,
		Reason: fmt.Sprintf(format, args...),
		Header: header,
	}
}
