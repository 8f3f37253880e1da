package meshnet

import (
	"encoding/binary"
	"io"
)

// PacketBuffer is a cursor-based reader over a MARP datagram (pkg/marp).
// Adapted from the teacher stack's common.PacketBuffer, trimmed to the
// read-only primitives this daemon needs: it only ever consumes
// advertisements received from other speakers, never originates its own, so
// the teacher's write side has no call site here.
type PacketBuffer struct {
	data []byte
	pos  int
}

// NewPacketBufferFromBytes wraps an existing slice for reading.
func NewPacketBufferFromBytes(data []byte) *PacketBuffer {
	return &PacketBuffer{data: data}
}

// Bytes returns the full underlying slice.
func (pb *PacketBuffer) Bytes() []byte { return pb.data }

// Len returns the total buffer length.
func (pb *PacketBuffer) Len() int { return len(pb.data) }

// Remaining returns the number of unread bytes.
func (pb *PacketBuffer) Remaining() int { return len(pb.data) - pb.pos }

// Skip advances the read position by n bytes.
func (pb *PacketBuffer) Skip(n int) error {
	if pb.pos+n > len(pb.data) {
		return io.ErrUnexpectedEOF
	}
	pb.pos += n
	return nil
}

// ReadByte reads a single byte.
func (pb *PacketBuffer) ReadByte() (byte, error) {
	if pb.pos >= len(pb.data) {
		return 0, io.ErrUnexpectedEOF
	}
	b := pb.data[pb.pos]
	pb.pos++
	return b, nil
}

// ReadBytes reads n raw bytes.
func (pb *PacketBuffer) ReadBytes(n int) ([]byte, error) {
	if pb.pos+n > len(pb.data) {
		return nil, io.ErrUnexpectedEOF
	}
	b := pb.data[pb.pos : pb.pos+n]
	pb.pos += n
	return b, nil
}

// ReadUint16 reads a big-endian uint16.
func (pb *PacketBuffer) ReadUint16() (uint16, error) {
	if pb.pos+2 > len(pb.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(pb.data[pb.pos : pb.pos+2])
	pb.pos += 2
	return v, nil
}

// ReadUint32 reads a big-endian uint32.
func (pb *PacketBuffer) ReadUint32() (uint32, error) {
	if pb.pos+4 > len(pb.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(pb.data[pb.pos : pb.pos+4])
	pb.pos += 4
	return v, nil
}

// ReadAddr reads a 4-byte network-order address into host-order Addr.
func (pb *PacketBuffer) ReadAddr() (Addr, error) {
	v, err := pb.ReadUint32()
	return Addr(v), err
}
