package sidekick

import (
	"sync"

	"covenant/channelrt"
)

// Kind tags one outbound frame's variant on the broker session surface.
type Kind string

const (
	KindListening    Kind = "listening"
	KindUnlistening  Kind = "unlistening"
	KindSubscribed   Kind = "subscribed"
	KindUnsubscribed Kind = "unsubscribed"
	KindUpdated      Kind = "updated"
	KindMessage      Kind = "message"
	KindError        Kind = "error"
)

// Outbound is one broker-to-client frame. Only the fields relevant to Kind are populated;
// the rest are zero.
type Outbound struct {
	Kind      Kind
	Resources []string
	Resource  string
	Channel   string
	Params    map[string]string
	Data      any
	Error     *channelrt.ChannelError
}

// DeliveryFunc is how a session's drain goroutine hands one outbound frame to the
// transport (a WebSocket write, a test stub, ...). An error stops the session.
type DeliveryFunc func(*Outbound) error

// Session is one live client-to-broker connection: the unit of subscription bookkeeping.
// Create with Broker.NewSession.
type Session struct {
	id       string
	outbound chan *Outbound
	topics   map[TopicKey]bool
	broker   *Broker
	deliver  DeliveryFunc

	mu     sync.Mutex
	closed bool
}

// ID returns the session's broker-assigned identifier.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) drain() {
	defer s.broker.wg.Done()
	for msg := range s.outbound {
		if err := s.deliver(msg); err != nil {
			s.broker.logger.Warn().Str("session", s.id).Err(err).Msg("session delivery failed, dropping session")
			s.broker.removeSession(s)
			return
		}
	}
}

// tryEnqueue makes a single non-blocking attempt to enqueue msg. It returns false if the
// queue is full or the session is already shutting down.
func (s *Session) tryEnqueue(msg *Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.outbound <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbound)
}
