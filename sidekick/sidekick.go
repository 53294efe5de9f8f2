// Package sidekick implements the Sidekick broker: an in-memory topic registry tracking
// per-session subscriptions for resource topics and channel/param topics, publishing
// updates to subscribers, and delegating inbound channel messages back to the server via a
// ServerCallback. The broker holds no durable state; a restart invalidates every token and
// session.
package sidekick

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"covenant/channelrt"
	"covenant/contract"
)

// TopicKey is the broker's internal routing key: either a resource name or a normalized
// (channel, params) pair, so both kinds of subscription share one topics map.
type TopicKey string

func resourceTopic(resource string) TopicKey {
	return TopicKey("resource:" + resource)
}

func channelTopic(channel string, params map[string]string) TopicKey {
	return TopicKey("channel:" + channel + "?" + contract.NormalizeParams(params))
}

// Connection is the record held by the broker for one minted token: (token, channel,
// params, context).
type Connection struct {
	Token   string
	Channel string
	Params  map[string]string
	Context any
}

// ServerCallback delegates an inbound channel send to the server's channel runtime. Its
// signature matches channelrt.Runtime.ProcessChannelMessage exactly, so a Runtime's method
// value can be passed directly.
type ServerCallback func(channel string, params channelrt.Params, data any, connContext any) *channelrt.ChannelError

// Broker is the single logical broker process. Build one with NewBroker, wire its
// ServerCallback once a channelrt.Runtime exists (the two have a construction cycle: the
// Runtime needs a BrokerLink, the Broker needs the Runtime's callback).
type Broker struct {
	mu         sync.Mutex
	tokenTable map[string]*Connection
	sessions   map[string]*Session
	topics     map[TopicKey]map[string]*Session

	serverCallback ServerCallback
	logger         zerolog.Logger
	queueCapacity  int
	wg             sync.WaitGroup
}

// NewBroker constructs an empty Broker. queueCapacity is the bounded per-session outbound
// queue's high-water mark; 0 selects the default of 256.
func NewBroker(logger zerolog.Logger, queueCapacity int) *Broker {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	return &Broker{
		tokenTable:    make(map[string]*Connection),
		sessions:      make(map[string]*Session),
		topics:        make(map[TopicKey]map[string]*Session),
		logger:        logger,
		queueCapacity: queueCapacity,
	}
}

// SetServerCallback wires the callback used to deliver inbound `send` messages to the
// server. Called once, after the channelrt.Runtime backed by this broker exists.
func (b *Broker) SetServerCallback(cb ServerCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serverCallback = cb
}

// AddConnection implements channelrt.BrokerLink: installs one connection record, idempotent
// on an identical (token, channel, params) triple.
func (b *Broker) AddConnection(token, channel string, params channelrt.Params, connContext any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.tokenTable[token]; ok {
		if existing.Channel == channel && paramsEqual(existing.Params, params) {
			return nil
		}
		return fmt.Errorf("sidekick: token already bound to a different channel/params")
	}
	b.tokenTable[token] = &Connection{Token: token, Channel: channel, Params: params, Context: connContext}
	tokensGauge.Inc()
	return nil
}

// PostServerMessage implements channelrt.BrokerLink: publishes data on the channel's topic.
func (b *Broker) PostServerMessage(channel string, params channelrt.Params, data any) error {
	b.publish(channelTopic(channel, params), &Outbound{Kind: KindMessage, Channel: channel, Params: params, Data: data})
	return nil
}

// UpdateResources implements the server-facing `update { resources }` surface: publishes
// `updated{resource}` to every session listening on each resource topic.
func (b *Broker) UpdateResources(resources []string) {
	for _, r := range resources {
		b.publish(resourceTopic(r), &Outbound{Kind: KindUpdated, Resource: r})
	}
}

// NewSession creates a client session with a bounded outbound queue drained by exactly one
// goroutine, a single writer per session, calling deliver for each outbound message in
// order.
func (b *Broker) NewSession(deliver DeliveryFunc) *Session {
	s := &Session{
		id:       uuid.NewString(),
		outbound: make(chan *Outbound, b.queueCapacity),
		topics:   make(map[TopicKey]bool),
		broker:   b,
		deliver:  deliver,
	}
	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()
	sessionsGauge.Inc()
	b.wg.Add(1)
	go s.drain()
	return s
}

// Disconnect tears a session down: removes it from every topic and its entry from the
// broker, then stops its drain goroutine. Safe to call more than once.
func (b *Broker) Disconnect(s *Session) {
	b.removeSession(s)
}

// Shutdown gracefully stops the broker: closes every live session's outbound queue so its
// drain goroutine flushes whatever is already buffered to `deliver` and exits, then waits
// up to timeout for every drain goroutine to finish. New sessions created concurrently with
// Shutdown are not waited on.
func (b *Broker) Shutdown(timeout time.Duration) error {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("sidekick: timeout waiting for sessions to drain")
	}
}

func (b *Broker) removeSession(s *Session) {
	b.mu.Lock()
	if _, ok := b.sessions[s.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, s.id)
	for topic := range s.topics {
		if set, ok := b.topics[topic]; ok {
			delete(set, s.id)
			if len(set) == 0 {
				delete(b.topics, topic)
			}
		}
	}
	b.mu.Unlock()

	s.shutdown()
	sessionsGauge.Dec()
}

// publish looks up the topic's current session set and enqueues msg onto each, dropping
// any session whose queue is full rather than blocking the rest of the fan-out.
func (b *Broker) publish(topic TopicKey, msg *Outbound) {
	b.mu.Lock()
	set := b.topics[topic]
	targets := make([]*Session, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if !s.tryEnqueue(msg) {
			b.dropSession(s)
		}
	}
}

func (b *Broker) dropSession(s *Session) {
	s.tryEnqueue(&Outbound{Kind: KindError, Error: &channelrt.ChannelError{
		Fault:   channelrt.FaultSidekick,
		Message: "outbound queue overflow, session dropped",
	}})
	b.removeSession(s)
	droppedSessionsCounter.Inc()
}

func paramsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
