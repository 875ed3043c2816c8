package compression

import "bytes"

// deflateMessageTail 是 sync flush 之后产生的空 stored block 的 LEN/NLEN。
// 发送时去掉以减少开销（WebSocket 帧本身已经标识了消息结束），
// 接收时需要补回，否则 flate reader 无法确认已处理完所有输入。
var deflateMessageTail = []byte{0x00, 0x00, 0xff, 0xff}

// trimTail 按 RFC 7692 7.2.1 处理压缩结果。
// 以 00 00 ff ff 结尾时去掉这 4 个字节，
// 否则追加一个 0x00，等价于先追加空 stored block（00 00 00 ff ff）再去掉末尾 4 个字节。
func trimTail(deflated []byte) []byte {
	if bytes.HasSuffix(deflated, deflateMessageTail) {
		out := make([]byte, len(deflated)-len(deflateMessageTail))
		copy(out, deflated)
		return out
	}

	out := make([]byte, len(deflated)+1)
	copy(out, deflated)
	return out
}
