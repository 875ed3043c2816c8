package compression

// windowSize 对应 15 window bits。
const windowSize = 1 << SupportedClientMaxWindowBits

// slidingWindow 保存最近 windowSize 字节的解压输出，作为下一条消息的预置字典。
type slidingWindow struct {
	buf []byte
}

func newSlidingWindow(n int) *slidingWindow {
	return &slidingWindow{
		buf: make([]byte, 0, n),
	}
}

func (w *slidingWindow) write(p []byte) {
	if len(p) >= cap(w.buf) {
		w.buf = w.buf[:cap(w.buf)]
		p = p[len(p)-cap(w.buf):]
		copy(w.buf, p)
		return
	}

	left := cap(w.buf) - len(w.buf)
	if left < len(p) {
		// 从头部移出 spaceNeeded 个字节，为 p 腾出空间。
		spaceNeeded := len(p) - left
		copy(w.buf, w.buf[spaceNeeded:])
		w.buf = w.buf[:len(w.buf)-spaceNeeded]
	}

	w.buf = append(w.buf, p...)
}

func (w *slidingWindow) bytes() []byte {
	return w.buf
}
