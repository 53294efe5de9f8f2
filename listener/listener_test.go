package listener

import (
	"sync"
	"sync/atomic"
	"testing"
)

type stubBrokerLink struct {
	mu       sync.Mutex
	listened [][]string
	unlisted [][]string
}

func (s *stubBrokerLink) Listen(resources []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listened = append(s.listened, append([]string(nil), resources...))
}

func (s *stubBrokerLink) Unlisten(resources []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlisted = append(s.unlisted, append([]string(nil), resources...))
}

func TestOnUpdatedInvokesIntersectingListenersOnce(t *testing.T) {
	c := NewCore(nil)
	var calls int32
	c.RegisterListener([]string{"/data/a", "/data/b"}, func() { atomic.AddInt32(&calls, 1) }, false)

	c.OnUpdated([]string{"/data/a", "/data/b", "/data/c"})

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one invocation for overlapping resources, got %d", got)
	}
}

func TestOnUpdatedInvokesEachDistinctListener(t *testing.T) {
	c := NewCore(nil)
	var a, b int32
	c.RegisterListener([]string{"/data/a"}, func() { atomic.AddInt32(&a, 1) }, false)
	c.RegisterListener([]string{"/data/b"}, func() { atomic.AddInt32(&b, 1) }, false)

	c.OnUpdated([]string{"/data/a"})

	if atomic.LoadInt32(&a) != 1 {
		t.Fatalf("expected listener a invoked once, got %d", a)
	}
	if atomic.LoadInt32(&b) != 0 {
		t.Fatalf("expected listener b not invoked, got %d", b)
	}
}

func TestRemoteListenerTransitionsNotifyBroker(t *testing.T) {
	broker := &stubBrokerLink{}
	c := NewCore(broker)

	reg1 := c.RegisterListener([]string{"/data/test-key"}, func() {}, true)
	reg2 := c.RegisterListener([]string{"/data/test-key"}, func() {}, true)

	broker.mu.Lock()
	if len(broker.listened) != 1 || broker.listened[0][0] != "/data/test-key" {
		t.Fatalf("expected exactly one listen call on 0->1 transition, got %+v", broker.listened)
	}
	broker.mu.Unlock()

	c.RemoveListener(reg1)
	broker.mu.Lock()
	if len(broker.unlisted) != 0 {
		t.Fatalf("expected no unlisten while a remote reference remains, got %+v", broker.unlisted)
	}
	broker.mu.Unlock()

	c.RemoveListener(reg2)
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.unlisted) != 1 || broker.unlisted[0][0] != "/data/test-key" {
		t.Fatalf("expected exactly one unlisten call on 1->0 transition, got %+v", broker.unlisted)
	}
}

func TestRemoveListenerStopsFurtherRefetch(t *testing.T) {
	c := NewCore(nil)
	var calls int32
	reg := c.RegisterListener([]string{"/data/a"}, func() { atomic.AddInt32(&calls, 1) }, false)

	c.OnUpdated([]string{"/data/a"})
	c.RemoveListener(reg)
	c.OnUpdated([]string{"/data/a"})

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected only the pre-removal invocation, got %d", got)
	}
}
