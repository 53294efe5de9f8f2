package sidekick

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"covenant/channelrt"
)

type capturingDelivery struct {
	mu  sync.Mutex
	got []*Outbound
}

func (c *capturingDelivery) deliver(msg *Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, msg)
	return nil
}

func (c *capturingDelivery) snapshot() []*Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Outbound, len(c.got))
	copy(out, c.got)
	return out
}

func waitForCount(t *testing.T, c *capturingDelivery, n int) []*Outbound {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d delivered messages, got %d", n, len(c.snapshot()))
	return nil
}

func newTestBroker() *Broker {
	return NewBroker(zerolog.Nop(), 8)
}

func TestSubscribeSendReceive(t *testing.T) {
	b := newTestBroker()
	params := map[string]string{"chatChannel": "room-1"}
	if err := b.AddConnection("tok-sub", "chatroom", params, nil); err != nil {
		t.Fatalf("add sub connection: %v", err)
	}
	if err := b.AddConnection("tok-send", "chatroom", params, nil); err != nil {
		t.Fatalf("add send connection: %v", err)
	}
	b.SetServerCallback(func(channel string, p channelrt.Params, data any, connContext any) *channelrt.ChannelError {
		b.PostServerMessage(channel, p, data)
		return nil
	})

	subDelivery := &capturingDelivery{}
	subSession := b.NewSession(subDelivery.deliver)
	b.Subscribe(subSession, "tok-sub")
	waitForCount(t, subDelivery, 1) // subscribed ack

	sendDelivery := &capturingDelivery{}
	sendSession := b.NewSession(sendDelivery.deliver)
	b.Send(sendSession, "tok-send", "chatroom", params, map[string]any{"senderId": "tok-send", "message": "hello"})

	got := waitForCount(t, subDelivery, 2)
	msg := got[1]
	if msg.Kind != KindMessage || msg.Channel != "chatroom" {
		t.Fatalf("expected a chatroom message, got %+v", msg)
	}
	if msg.Data.(map[string]any)["message"] != "hello" {
		t.Fatalf("unexpected message payload: %+v", msg.Data)
	}
}

func TestMultiRoomIsolation(t *testing.T) {
	b := newTestBroker()
	roomA := map[string]string{"chatChannel": "room-A"}
	roomB := map[string]string{"chatChannel": "room-B"}
	b.AddConnection("tok-a", "chatroom", roomA, nil)
	b.AddConnection("tok-b", "chatroom", roomB, nil)
	b.SetServerCallback(func(channel string, p channelrt.Params, data any, connContext any) *channelrt.ChannelError {
		b.PostServerMessage(channel, p, data)
		return nil
	})

	aDelivery := &capturingDelivery{}
	aSession := b.NewSession(aDelivery.deliver)
	b.Subscribe(aSession, "tok-a")
	waitForCount(t, aDelivery, 1)

	bDelivery := &capturingDelivery{}
	bSession := b.NewSession(bDelivery.deliver)
	b.Subscribe(bSession, "tok-b")
	waitForCount(t, bDelivery, 1)

	b.Send(aSession, "tok-a", "chatroom", roomA, map[string]any{"message": "hi from A"})

	aGot := waitForCount(t, aDelivery, 2)
	if aGot[1].Kind != KindMessage {
		t.Fatalf("expected A to receive its own broadcast, got %+v", aGot[1])
	}

	time.Sleep(20 * time.Millisecond)
	if got := bDelivery.snapshot(); len(got) != 1 {
		t.Fatalf("expected B to receive only its subscribed ack, got %d messages: %+v", len(got), got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroker()
	params := map[string]string{"chatChannel": "room-1"}
	b.AddConnection("tok-sub", "chatroom", params, nil)
	b.AddConnection("tok-send", "chatroom", params, nil)
	b.SetServerCallback(func(channel string, p channelrt.Params, data any, connContext any) *channelrt.ChannelError {
		b.PostServerMessage(channel, p, data)
		return nil
	})

	subDelivery := &capturingDelivery{}
	subSession := b.NewSession(subDelivery.deliver)
	b.Subscribe(subSession, "tok-sub")
	waitForCount(t, subDelivery, 1)

	sendSession := b.NewSession(func(*Outbound) error { return nil })
	b.Send(sendSession, "tok-send", "chatroom", params, "first")
	waitForCount(t, subDelivery, 2)

	b.Unsubscribe(subSession, "tok-sub")
	waitForCount(t, subDelivery, 3) // unsubscribed ack

	b.Send(sendSession, "tok-send", "chatroom", params, "second")
	time.Sleep(20 * time.Millisecond)
	if got := subDelivery.snapshot(); len(got) != 3 {
		t.Fatalf("expected no further delivery after unsubscribe, got %d messages", len(got))
	}
}

func TestSendUnknownTokenYieldsSidekickFault(t *testing.T) {
	b := newTestBroker()
	delivery := &capturingDelivery{}
	s := b.NewSession(delivery.deliver)

	b.Send(s, "no-such-token", "chatroom", map[string]string{"chatChannel": "room-1"}, "x")
	got := waitForCount(t, delivery, 1)
	if got[0].Kind != KindError || got[0].Error.Fault != channelrt.FaultSidekick {
		t.Fatalf("expected sidekick fault, got %+v", got[0])
	}
}

func TestListenUnlistenUpdate(t *testing.T) {
	b := newTestBroker()
	delivery := &capturingDelivery{}
	s := b.NewSession(delivery.deliver)

	b.Listen(s, []string{"/data/test-key"})
	waitForCount(t, delivery, 1)

	b.UpdateResources([]string{"/data/test-key"})
	got := waitForCount(t, delivery, 2)
	if got[1].Kind != KindUpdated || got[1].Resource != "/data/test-key" {
		t.Fatalf("expected updated event, got %+v", got[1])
	}

	b.Unlisten(s, []string{"/data/test-key"})
	waitForCount(t, delivery, 3)

	b.UpdateResources([]string{"/data/test-key"})
	time.Sleep(20 * time.Millisecond)
	if got := delivery.snapshot(); len(got) != 3 {
		t.Fatalf("expected no update after unlisten, got %d messages", len(got))
	}
}

func TestDisconnectRemovesFromAllTopics(t *testing.T) {
	b := newTestBroker()
	delivery := &capturingDelivery{}
	s := b.NewSession(delivery.deliver)
	b.Listen(s, []string{"/data/a", "/data/b"})
	waitForCount(t, delivery, 1)

	b.Disconnect(s)

	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, set := range b.topics {
		if _, ok := set[s.id]; ok {
			t.Fatalf("expected session removed from topic %s after disconnect", topic)
		}
	}
}

// TestListenAckPrecedesConcurrentPublish pins the ordering guarantee that a listen/subscribe
// ack always reaches a session before any topic message published after it: Listen and
// UpdateResources race against the same freshly created session on every iteration, so a
// publish that slipped in between topic registration and the ack being enqueued would show
// up as a KindUpdated frame ahead of the KindListening ack.
func TestListenAckPrecedesConcurrentPublish(t *testing.T) {
	b := newTestBroker()
	resource := "/data/race"

	for i := 0; i < 500; i++ {
		delivery := &capturingDelivery{}
		s := b.NewSession(delivery.deliver)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Listen(s, []string{resource})
		}()
		go func() {
			defer wg.Done()
			b.UpdateResources([]string{resource})
		}()
		wg.Wait()

		waitForCount(t, delivery, 1)
		if got := delivery.snapshot(); got[0].Kind != KindListening {
			t.Fatalf("iteration %d: expected ack before any topic message, got %+v", i, got)
		}
		b.Disconnect(s)
	}
}

func TestShutdownFlushesAndClosesSessions(t *testing.T) {
	b := newTestBroker()
	delivery := &capturingDelivery{}
	s := b.NewSession(delivery.deliver)

	b.Listen(s, []string{"/data/test-key"})
	waitForCount(t, delivery, 1) // listening ack

	if err := b.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case _, open := <-s.outbound:
		if open {
			t.Fatal("expected outbound queue to be empty after shutdown flush")
		}
	default:
		t.Fatal("expected outbound channel to be closed after Shutdown")
	}
}

func TestQueueOverflowDropsSession(t *testing.T) {
	b := NewBroker(zerolog.Nop(), 1)
	blocking := make(chan struct{})
	delivery := func(*Outbound) error {
		<-blocking // never returns until test unblocks it, so the queue backs up
		return nil
	}
	s := b.NewSession(delivery)
	b.Listen(s, []string{"/x"}) // consumed by the blocked drain goroutine immediately

	// Fill the bounded queue beyond capacity; publish should drop the session rather than
	// block the caller.
	for i := 0; i < 10; i++ {
		b.publish(resourceTopic("/x"), &Outbound{Kind: KindUpdated, Resource: "/x"})
	}
	close(blocking)

	time.Sleep(20 * time.Millisecond)
	b.mu.Lock()
	_, stillPresent := b.sessions[s.id]
	b.mu.Unlock()
	if stillPresent {
		t.Fatal("expected overflowed session to be dropped")
	}
}
