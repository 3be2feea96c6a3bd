package util

import "sync"

// SpliceBufSize is the per-direction copy buffer used by Splice.
const SpliceBufSize = 32 * 1024

// bufPool recycles Splice buffers; the tunnel opens one splice per
// forwarded client.
var bufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, SpliceBufSize)
		return &buf
	},
}

func getBuf() *[]byte { return bufPool.Get().(*[]byte) }

func putBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	bufPool.Put(buf)
}
