package client

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"covenant/channelrt"
	"covenant/frame"
	"covenant/sidekick"
	"covenant/wire"
)

// MessageHandler receives one channel broadcast relayed through a ListenSession's
// `subscribe`, in the shape channelrt.Runtime.PostChannelMessage produced it.
type MessageHandler func(channel string, params map[string]string, data any)

// ErrorHandler receives one sidekick.KindError frame: a ChannelError surfaced to a
// subscriber, or a broker-side rejection of listen/subscribe/send.
type ErrorHandler func(chErr *channelrt.ChannelError)

// ListenSession is the client side of a single WebSocket connection to a sidekick-broker,
// implementing listener.BrokerLink so a listener.Core can drive it directly. It owns one
// reader goroutine decoding Outbound frames and one writeMu-guarded writer, mirroring the
// single-reader/single-writer-per-connection discipline transport.ClientTransport already
// uses for the procedure-call wire.
type ListenSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	onUpdate func(resources []string)
	onMsg    MessageHandler
	onErr    ErrorHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// DialListenSession opens a WebSocket connection to a sidekick-broker at url, authenticating
// with the given bearer secret, and starts its reader goroutine.
func DialListenSession(url, authSecret string) (*ListenSession, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+authSecret)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial sidekick broker: unauthorized")
		}
		return nil, fmt.Errorf("dial sidekick broker: %w", err)
	}

	ls := &ListenSession{conn: conn, closed: make(chan struct{})}
	go ls.readLoop()
	return ls, nil
}

// OnUpdated registers the callback invoked on every sidekick.KindUpdated frame. Wire this
// to a listener.Core's OnUpdated to drive client-side cache invalidation.
func (ls *ListenSession) OnUpdated(fn func(resources []string)) {
	ls.mu.Lock()
	ls.onUpdate = fn
	ls.mu.Unlock()
}

// OnMessage registers the callback invoked on every sidekick.KindMessage frame.
func (ls *ListenSession) OnMessage(fn MessageHandler) {
	ls.mu.Lock()
	ls.onMsg = fn
	ls.mu.Unlock()
}

// OnError registers the callback invoked on every sidekick.KindError frame.
func (ls *ListenSession) OnError(fn ErrorHandler) {
	ls.mu.Lock()
	ls.onErr = fn
	ls.mu.Unlock()
}

// Listen implements listener.BrokerLink.
func (ls *ListenSession) Listen(resources []string) {
	ls.send(sidekick.Inbound{Kind: sidekick.InboundListen, Resources: resources})
}

// Unlisten implements listener.BrokerLink.
func (ls *ListenSession) Unlisten(resources []string) {
	ls.send(sidekick.Inbound{Kind: sidekick.InboundUnlisten, Resources: resources})
}

// Subscribe joins this session to the channel topic identified by token (from
// Client.Connect's ConnectResult).
func (ls *ListenSession) Subscribe(token string) {
	ls.send(sidekick.Inbound{Kind: sidekick.InboundSubscribe, Token: token})
}

// Unsubscribe is Subscribe's inverse.
func (ls *ListenSession) Unsubscribe(token string) {
	ls.send(sidekick.Inbound{Kind: sidekick.InboundUnsubscribe, Token: token})
}

// Send relays one client message into the channel identified by token, matching it against
// channel/params the way sidekick.Broker.Send requires.
func (ls *ListenSession) Send(token, channel string, params map[string]string, data any) {
	ls.send(sidekick.Inbound{Kind: sidekick.InboundSend, Token: token, Channel: channel, Params: params, Data: data})
}

// Close terminates the underlying WebSocket connection and stops the reader goroutine.
func (ls *ListenSession) Close() error {
	var err error
	ls.closeOnce.Do(func() {
		close(ls.closed)
		err = ls.conn.Close()
	})
	return err
}

func (ls *ListenSession) send(in sidekick.Inbound) {
	doc := frame.BrokerInboundToWire(in)
	payload, err := wire.Encode(doc)
	if err != nil {
		return
	}
	ls.writeMu.Lock()
	defer ls.writeMu.Unlock()
	ls.conn.WriteMessage(websocket.TextMessage, payload)
}

func (ls *ListenSession) readLoop() {
	defer ls.Close()
	for {
		_, message, err := ls.conn.ReadMessage()
		if err != nil {
			return
		}
		doc, err := wire.Decode(message)
		if err != nil {
			continue
		}
		out, err := frame.BrokerOutboundFromWire(doc)
		if err != nil {
			continue
		}
		ls.dispatch(out)
	}
}

func (ls *ListenSession) dispatch(out *sidekick.Outbound) {
	ls.mu.Lock()
	onUpdate, onMsg, onErr := ls.onUpdate, ls.onMsg, ls.onErr
	ls.mu.Unlock()

	switch out.Kind {
	case sidekick.KindUpdated:
		if onUpdate != nil {
			onUpdate([]string{out.Resource})
		}
	case sidekick.KindMessage:
		if onMsg != nil {
			onMsg(out.Channel, out.Params, out.Data)
		}
	case sidekick.KindError:
		if onErr != nil {
			onErr(out.Error)
		}
	}
}
