// Package marp implements the Mesh Advertisement & Routing Protocol
// frontend: parsing one advertisement datagram, checking its password, and
// dispatching each advertised network to the reconciliation engine.
//
// Grounded on the teacher's examples/udp_echo raw-socket receive loop and
// pkg/common.PacketBuffer-based parsing style.
package marp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/overlaynet/meshrouted/pkg/meshnet"
	"github.com/overlaynet/meshrouted/pkg/reconcile"
)

// PasswordLen is the width of the plaintext authentication field at the
// head of every MARP datagram.
const PasswordLen = 16

// entrySize is the wire size of one response record: family, tag, net,
// mask, next_hop, metric, all uint16/uint32 in network byte order.
const entrySize = 2 + 2 + 4 + 4 + 4 + 4

// Frontend parses MARP datagrams and drives an Engine.
type Frontend struct {
	Password [PasswordLen]byte
	Engine   *reconcile.Engine
}

// NewFrontend returns a Frontend configured with the given plaintext
// password, truncated or zero-padded to PasswordLen.
func NewFrontend(password string, engine *reconcile.Engine) *Frontend {
	f := &Frontend{Engine: engine}
	copy(f.Password[:], password)
	return f
}

// HandleDatagram parses buf as one MARP datagram, authenticates it,
// processes every response it carries, and runs exactly one expiry pass
// afterward. A malformed or unauthenticated datagram is dropped (logged,
// not an error) rather than returned as a failure, except when a response
// itself triggers a fatal reconciliation error.
func (f *Frontend) HandleDatagram(buf []byte, now time.Time) error {
	responses, ok, err := f.parse(buf)
	if err != nil {
		f.Engine.Log.Warnf("marp: malformed datagram: %v", err)
		return nil
	}
	if !ok {
		f.Engine.Log.Infof("marp: drop datagram: password mismatch")
		return nil
	}

	for _, resp := range responses {
		if err := f.Engine.ProcessResponse(resp, now); err != nil {
			return fmt.Errorf("marp: %w", err)
		}
	}
	return f.Engine.Expire(now)
}

// parse decodes the password field and every response entry. ok is false
// when the password does not match; err is non-nil on a structural parse
// failure (truncated datagram, trailing bytes that don't form a whole
// entry).
func (f *Frontend) parse(buf []byte) (responses []reconcile.Response, ok bool, err error) {
	pb := meshnet.NewPacketBufferFromBytes(buf)

	pass, err := pb.ReadBytes(PasswordLen)
	if err != nil {
		return nil, false, fmt.Errorf("short auth field: %w", err)
	}
	if !bytes.Equal(pass, f.Password[:]) {
		return nil, false, nil
	}

	if pb.Remaining()%entrySize != 0 {
		return nil, false, fmt.Errorf("trailing %d bytes do not form a whole response entry", pb.Remaining()%entrySize)
	}

	for pb.Remaining() > 0 {
		if _, err := pb.ReadUint16(); err != nil { // family, unused beyond framing
			return nil, false, err
		}
		if _, err := pb.ReadUint16(); err != nil { // tag, unused
			return nil, false, err
		}
		net, err := pb.ReadAddr()
		if err != nil {
			return nil, false, err
		}
		mask, err := pb.ReadAddr()
		if err != nil {
			return nil, false, err
		}
		nextHop, err := pb.ReadAddr()
		if err != nil {
			return nil, false, err
		}
		if _, err := pb.ReadUint32(); err != nil { // metric, unused
			return nil, false, err
		}
		responses = append(responses, reconcile.Response{Net: net, Mask: mask, NextHop: nextHop})
	}
	return responses, true, nil
}

// ReadFrame reads one length-prefixed frame from file-replay mode: a
// uint16 big-endian length followed by that many payload bytes. EOF on the
// length prefix is returned verbatim so callers can treat it as the
// terminal condition; any other read failure is wrapped.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("marp: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("marp: short frame body: %w", err)
	}
	return payload, nil
}
