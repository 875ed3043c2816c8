package compression

import (
	"bytes"
	"fmt"

	"github.com/JrMarcco/jit/bean/option"
	"github.com/klauspost/compress/flate"
)

// Deflater 负责压缩发送方向的消息。
// 一个连接对应一个 Deflater，不支持并发调用，调用方需要保证按发送顺序串行调用。
type Deflater struct {
	contextTakeover bool
	level           int

	sink bytes.Buffer
	fw   *flate.Writer
}

// Deflate 压缩一条完整消息的 payload，返回的切片归调用方所有。
func (d *Deflater) Deflate(payload []byte) ([]byte, error) {
	if d.fw == nil {
		return nil, ErrClosed
	}

	if !d.contextTakeover {
		// 不复用上下文，每条消息都从空字典开始压缩。
		d.fw.Reset(&d.sink)
	}
	d.sink.Reset()

	if _, err := d.fw.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeflate, err)
	}
	// sync flush，输出以 00 00 ff ff 结尾且不重置字典。
	if err := d.fw.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeflate, err)
	}

	out := trimTail(d.sink.Bytes())
	d.sink.Reset()
	return out, nil
}

func (d *Deflater) ContextTakeover() bool {
	return d.contextTakeover
}

// Close 释放底层的压缩器，重复调用是安全的。
func (d *Deflater) Close() error {
	if d.fw == nil {
		return nil
	}

	err := d.fw.Close()
	d.fw = nil
	d.sink.Reset()
	return err
}

// DeflaterWithLevel 设置压缩级别，取值范围同 flate 包。
func DeflaterWithLevel(level int) option.Opt[Deflater] {
	return func(d *Deflater) {
		d.level = level
	}
}

func NewDeflater(contextTakeover bool, opts ...option.Opt[Deflater]) (*Deflater, error) {
	d := &Deflater{
		contextTakeover: contextTakeover,
		level:           DefaultLevel,
	}

	option.Apply(d, opts...)

	fw, err := flate.NewWriter(&d.sink, d.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create flate writer with level %d: %w", d.level, err)
	}
	d.fw = fw
	return d, nil
}
