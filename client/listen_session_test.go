package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"covenant/channelrt"
	"covenant/frame"
	"covenant/sidekick"
	"covenant/wire"
)

// testBrokerServer wires a sidekick.Broker behind a bare-bones WebSocket handler, the same
// shape cmd/sidekick-broker uses, so ListenSession can be exercised without a running
// broker binary.
func testBrokerServer(t *testing.T, broker *sidekick.Broker) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		session := broker.NewSession(func(out *sidekick.Outbound) error {
			payload, err := wire.Encode(frame.BrokerOutboundToWire(out))
			if err != nil {
				return err
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, payload)
		})
		defer broker.Disconnect(session)

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			doc, err := wire.Decode(message)
			if err != nil {
				continue
			}
			in, err := frame.BrokerInboundFromWire(doc)
			if err != nil {
				continue
			}
			broker.Dispatch(session, in)
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestListenSessionSubscribeReceivesMessage(t *testing.T) {
	broker := sidekick.NewBroker(zerolog.Nop(), 8)
	if err := broker.AddConnection("tok-1", "chatroom", map[string]string{"room": "general"}, nil); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	broker.SetServerCallback(func(channel string, params channelrt.Params, data any, connContext any) *channelrt.ChannelError {
		broker.PostServerMessage(channel, params, data)
		return nil
	})

	srv := testBrokerServer(t, broker)
	defer srv.Close()

	ls, err := DialListenSession(wsURL(srv.URL), "unused")
	if err != nil {
		t.Fatalf("DialListenSession: %v", err)
	}
	defer ls.Close()

	received := make(chan map[string]any, 1)
	ls.OnMessage(func(channel string, params map[string]string, data any) {
		received <- data.(map[string]any)
	})

	ls.Subscribe("tok-1")
	time.Sleep(50 * time.Millisecond)
	ls.Send("tok-1", "chatroom", map[string]string{"room": "general"}, map[string]any{"text": "hi"})

	select {
	case data := <-received:
		if data["text"] != "hi" {
			t.Errorf("expected relayed text, got %v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed message")
	}
}

func TestListenSessionReceivesResourceUpdate(t *testing.T) {
	broker := sidekick.NewBroker(zerolog.Nop(), 8)
	srv := testBrokerServer(t, broker)
	defer srv.Close()

	ls, err := DialListenSession(wsURL(srv.URL), "unused")
	if err != nil {
		t.Fatalf("DialListenSession: %v", err)
	}
	defer ls.Close()

	updates := make(chan []string, 1)
	ls.OnUpdated(func(resources []string) { updates <- resources })

	ls.Listen([]string{"/data/test-key"})
	time.Sleep(50 * time.Millisecond)
	broker.UpdateResources([]string{"/data/test-key"})

	select {
	case resources := <-updates:
		if len(resources) != 1 || resources[0] != "/data/test-key" {
			t.Errorf("expected resource to round trip over the wire, got %v", resources)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resource update")
	}
}

func TestListenSessionErrorOnUnknownToken(t *testing.T) {
	broker := sidekick.NewBroker(zerolog.Nop(), 8)
	srv := testBrokerServer(t, broker)
	defer srv.Close()

	ls, err := DialListenSession(wsURL(srv.URL), "unused")
	if err != nil {
		t.Fatalf("DialListenSession: %v", err)
	}
	defer ls.Close()

	errCh := make(chan *channelrt.ChannelError, 1)
	ls.OnError(func(chErr *channelrt.ChannelError) { errCh <- chErr })

	ls.Subscribe("no-such-token")

	select {
	case chErr := <-errCh:
		if chErr.Fault != channelrt.FaultSidekick {
			t.Errorf("expected sidekick fault, got %v", chErr.Fault)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error frame")
	}
}
