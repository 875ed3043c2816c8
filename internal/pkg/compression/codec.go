package compression

import (
	"go.uber.org/multierr"
)

// Codec 组合了一个连接的 Deflater 与 Inflater。
type Codec struct {
	deflater *Deflater
	inflater *Inflater
}

func (c *Codec) Deflate(payload []byte) ([]byte, error) {
	return c.deflater.Deflate(payload)
}

func (c *Codec) Inflate(payload []byte) ([]byte, error) {
	return c.inflater.Inflate(payload)
}

// Deflater 返回发送方向的压缩器，由连接的 Writer 持有。
func (c *Codec) Deflater() *Deflater {
	return c.deflater
}

// Inflater 返回接收方向的解压器，由连接的接收 goroutine 持有。
func (c *Codec) Inflater() *Inflater {
	return c.inflater
}

// Close 释放压缩器与解压器，两者都会被释放。
// 两者分别交给不同的 goroutine 使用时，不要调用 Close，由各自的持有者释放。
func (c *Codec) Close() error {
	return multierr.Append(c.deflater.Close(), c.inflater.Close())
}

// NewCodec 根据协商结果创建 Codec，未启用压缩时返回 nil。
func NewCodec(negotiated NegotiatedConfig, level int) (*Codec, error) {
	if !negotiated.CompressionEnabled {
		return nil, nil
	}

	deflater, err := NewDeflater(negotiated.ContextTakeover, DeflaterWithLevel(level))
	if err != nil {
		return nil, err
	}

	return &Codec{
		deflater: deflater,
		inflater: NewInflater(),
	}, nil
}
