// Package protocol implements covenant's custom binary frame protocol.
//
// It solves TCP's sticky packet problem by using a fixed-size 14-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ cvt  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "cvt" (covenant). Used to quickly reject non-protocol connections
// (e.g. an HTTP client hitting the wrong port) before any body is read.
const (
	MagicNumber byte = 0x63 // 'c'
	MagicByte2  byte = 0x76 // 'v'
	MagicByte3  byte = 0x74 // 't'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)
)

// MsgType distinguishes request, response, channel-connect, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest        MsgType = 0 // Client → Server procedure call
	MsgTypeResponse       MsgType = 1 // Server → Client procedure response (or channel-connect result)
	MsgTypeHeartbeat      MsgType = 2 // KeepAlive probe (no body)
	MsgTypeChannelConnect MsgType = 3 // Client → Server channel connect request
)

// CodecType identifies the body's wire encoding. Only the covenant wire codec (wire.Encode/
// wire.Decode's JSON superset) is defined; the byte is kept as a frame-level extension
// point rather than hardcoded, so a second wire format could be added without a header
// layout change.
const (
	CodecTypeWire byte = 0
)

// Header represents the fixed 14-byte frame header. It carries metadata needed to decode
// the following body correctly.
type Header struct {
	CodecType byte    // Body wire encoding, currently always CodecTypeWire
	MsgType   MsgType // Request, Response, ChannelConnect, or Heartbeat
	Seq       uint32  // Sequence ID — the key to multiplexing (matches request <-> response)
	BodyLen   uint32  // Body length in bytes — solves TCP sticky packet problem
}

// Encode writes a complete frame (header + body) to w. The caller must hold a write lock if
// multiple goroutines share the same writer, otherwise frames from different requests will
// interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame (header + body) from r. It validates the magic number,
// version, codec type, and message type, and uses io.ReadFull to guarantee exactly N bytes
// are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeWire {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	msgType := headerBuf[5]
	switch MsgType(msgType) {
	case MsgTypeRequest, MsgTypeResponse, MsgTypeHeartbeat, MsgTypeChannelConnect:
	default:
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])

	// Read exactly bodyLen bytes — this is how the sticky-packet problem is solved.
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
