package util

import "sync"

// bufPool holds the read buffers of stream readers and forwarding
// hops.  Every link keeps one for its lifetime, so reuse matters for
// hops that reconnect children often.
var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf returns a DefaultBufSize buffer.  Hand it back with [PutBuf].
func GetBuf() *[]byte {
	return bufPool.Get().(*[]byte)
}

// PutBuf recycles buf.  Buffers of another size are dropped.
func PutBuf(buf *[]byte) {
	if buf == nil || cap(*buf) != DefaultBufSize {
		return
	}
	*buf = (*buf)[:DefaultBufSize]
	bufPool.Put(buf)
}
