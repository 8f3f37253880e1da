package meshnet

import "sync"

// DatagramSize is the maximum MARP datagram the listener will accept in one
// read — the largest possible UDP payload, so a single read can never be
// truncated regardless of how many responses a peer packs into one
// advertisement.
const DatagramSize = 65535

var datagramPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DatagramSize)
		return &buf
	},
}

// GetDatagramBuffer returns a pooled receive buffer sized for one datagram.
// Adapted from the teacher stack's sync.Pool-backed BufferPool, trimmed to
// the single fixed size the listener's hot loop needs.
func GetDatagramBuffer() []byte {
	bufPtr := datagramPool.Get().(*[]byte)
	return (*bufPtr)[:DatagramSize]
}

// PutDatagramBuffer returns a receive buffer to the pool.
func PutDatagramBuffer(buf []byte) {
	if cap(buf) != DatagramSize {
		return
	}
	datagramPool.Put(&buf)
}
