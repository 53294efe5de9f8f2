// Package transport implements the client-side transport layer with multiplexing and heartbeat.
//
// ClientTransport enables multiple concurrent calls over a single TCP connection.
// The key insight: each request gets a unique sequence ID, and a background goroutine (recvLoop)
// continuously reads responses and routes them to the correct caller via pending channels.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
package transport

import (
	"net"
	"sync"
	"time"

	"covenant/protocol"
	"covenant/wire"
)

// Response is one decoded frame routed back to its caller by sequence number.
type Response struct {
	MsgType protocol.MsgType
	Body    any   // wire-decoded document; caller converts via the frame package
	Err     error // set if the connection broke before a response arrived
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn   // Underlying TCP connection
	seq     uint32     // Monotonically increasing sequence number (protected by sending mutex)
	pending sync.Map   // map[uint32]chan *Response — each request waits on its own channel
	sending sync.Mutex // Write lock — multiple goroutines share one conn, writes must be serialized
	//                    to prevent frame interleaving (req A's header + req B's body = corruption)
}

// NewClientTransport creates a transport for the given connection and starts two background goroutines:
//   - recvLoop: continuously reads responses from the connection and dispatches to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames to detect dead connections
func NewClientTransport(conn net.Conn) *ClientTransport {
	t := &ClientTransport{conn: conn}
	go t.recvLoop()
	go t.heartbeatLoop(30 * time.Second)
	return t
}

// Send wire-encodes body, frames it with msgType, and writes it to the connection. It returns
// the assigned sequence number and a channel that receives exactly one Response.
//
// Thread safety: the sending mutex ensures that the entire frame (header + body) is written
// atomically. Without this lock, concurrent writes would interleave bytes from different
// requests, corrupting the TCP stream.
func (t *ClientTransport) Send(msgType protocol.MsgType, body any) (uint32, <-chan *Response, error) {
	payload, err := wire.Encode(body)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	header := protocol.Header{
		CodecType: protocol.CodecTypeWire,
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   uint32(len(payload)),
	}

	// Register a response channel BEFORE sending (avoid a race with recvLoop).
	respChan := make(chan *Response, 1)
	t.pending.Store(seq, respChan)

	if err := protocol.Encode(t.conn, &header, payload); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// recvLoop runs in a dedicated goroutine, continuously reading frames from the connection.
// For each one, it looks up the sequence number in the pending map and routes the decoded
// body to the caller's channel. Responses can arrive in any order; this is the core of
// multiplexing a single connection across concurrent callers.
//
// Why a single goroutine for reading? TCP is a byte stream — reads must be sequential to
// correctly parse frame boundaries. Multiple readers would corrupt the stream.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeAllPending(err)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		doc, decodeErr := wire.Decode(body)
		if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
			channel.(chan *Response) <- &Response{MsgType: header.MsgType, Body: doc, Err: decodeErr}
		}
	}
}

// closeAllPending is called when the connection breaks. It sends an error to every pending
// caller so they don't block forever waiting for a response.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		value.(chan *Response) <- &Response{Err: err}
		return true
	})
	t.pending.Clear()
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop sends periodic heartbeat frames to keep the connection alive. If the server
// doesn't receive any data for a long time, it may close the connection. Heartbeat frames have
// MsgType=Heartbeat and no body, so they're very lightweight.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		header := &protocol.Header{
			CodecType: protocol.CodecTypeWire,
			MsgType:   protocol.MsgTypeHeartbeat,
			BodyLen:   0,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
