package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// finalEmptyBlock 是一个 BFINAL=1 的空 stored block。
// 追加在 deflateMessageTail 之后，使 flate reader 在处理完本条消息后干净地返回 io.EOF，
// 而不是继续向 source 请求下一个 block。
var finalEmptyBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// messageTrailer 是每条消息之后补上的全部字节。
var messageTrailer = append(append([]byte{}, deflateMessageTail...), finalEmptyBlock...)

const inflateChunkSize = 4096

// countingSource 记录 flate reader 实际消费的字节数。
// 实现 io.ByteReader，flate reader 不会再额外包一层 bufio 预读。
type countingSource struct {
	buf      bytes.Buffer
	consumed int64
}

func (s *countingSource) Read(p []byte) (int, error) {
	n, err := s.buf.Read(p)
	s.consumed += int64(n)
	return n, err
}

func (s *countingSource) ReadByte() (byte, error) {
	b, err := s.buf.ReadByte()
	if err == nil {
		s.consumed++
	}
	return b, err
}

// Inflater 负责解压接收方向的消息。
// 字典在整个连接生命周期内保留（不受 server_no_context_takeover 影响），
// 一个连接对应一个 Inflater，调用方需要保证按接收顺序串行调用。
type Inflater struct {
	source countingSource
	fr     io.ReadCloser

	// window 保存最近 32 KiB 的解压输出。
	// 每条消息都以 sync flush 结束，所以用它重置 reader 与沿用同一个 reader 等价。
	window *slidingWindow
	chunk  []byte

	// totalBytesToInflate 是写入 source 的累计字节数。
	totalBytesToInflate int64

	err    error
	closed bool
}

// Inflate 解压一条完整消息的 payload。
// 只有当 flate reader 消费的字节数与写入的字节数完全一致时才认为本条消息处理完成。
func (i *Inflater) Inflate(payload []byte) ([]byte, error) {
	if i.closed {
		return nil, ErrClosed
	}
	if i.err != nil {
		return nil, i.err
	}
	if i.source.buf.Len() != 0 {
		// 上一条消息的输入没有被完全消费，属于调用方的编程错误。
		panic(fmt.Sprintf("compression: inflater source not drained, %d bytes left", i.source.buf.Len()))
	}

	i.source.buf.Write(payload)
	i.source.buf.Write(messageTrailer)
	i.totalBytesToInflate += int64(len(payload) + len(messageTrailer))

	if i.fr == nil {
		i.fr = flate.NewReaderDict(&i.source, i.window.bytes())
	} else if err := i.fr.(flate.Resetter).Reset(&i.source, i.window.bytes()); err != nil {
		return nil, i.fail(err)
	}

	out := make([]byte, 0, 2*len(payload)+inflateChunkSize)
	for {
		n, err := i.fr.Read(i.chunk)
		out = append(out, i.chunk[:n]...)
		if err == nil {
			continue
		}

		if !errors.Is(err, io.EOF) {
			return nil, i.fail(err)
		}

		left := i.totalBytesToInflate - i.source.consumed
		if left > 0 {
			// 对端使用了 BFINAL=1 的 block 结束消息。
			// 剩余部分只能是补上的字节，前面最多再带一个空 stored block 的头部 0x00。
			if !isMessageTrailer(i.source.buf.Bytes()) {
				return nil, i.fail(fmt.Errorf("%d trailing bytes after final block", left))
			}
			i.source.buf.Next(int(left))
			i.source.consumed += left
		}
		break
	}

	i.window.write(out)
	return out, nil
}

// isMessageTrailer 判断 final block 之后的剩余字节是否合法：
// 00 00 ff ff 01 00 00 ff ff，或者在其之前多一个 0x00。
func isMessageTrailer(rest []byte) bool {
	if len(rest) == len(messageTrailer)+1 {
		if rest[0] != 0x00 {
			return false
		}
		rest = rest[1:]
	}
	return bytes.Equal(rest, messageTrailer)
}

func (i *Inflater) fail(err error) error {
	i.err = fmt.Errorf("%w: %w", ErrCorruptData, err)
	i.source.buf.Reset()
	return i.err
}

// Close 释放底层的解压器，重复调用是安全的。
func (i *Inflater) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true

	if i.fr != nil {
		// flate reader 的 Close 只返回流状态，这里不需要关心。
		_ = i.fr.Close()
		i.fr = nil
	}
	i.source.buf.Reset()
	i.window = nil
	return nil
}

func NewInflater() *Inflater {
	return &Inflater{
		window: newSlidingWindow(windowSize),
		chunk:  make([]byte, inflateChunkSize),
	}
}
