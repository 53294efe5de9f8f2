package sidekick

import "covenant/channelrt"

// Listen joins a session to a set of resource topics and acks with `listening`. Any client
// may listen/unlisten any resource name; resource topics are independent of tokens.
func (b *Broker) Listen(s *Session, resources []string) {
	b.mu.Lock()
	for _, r := range resources {
		topic := resourceTopic(r)
		if b.topics[topic] == nil {
			b.topics[topic] = make(map[string]*Session)
		}
		b.topics[topic][s.id] = s
		s.topics[topic] = true
	}
	topicsGauge.Set(float64(len(b.topics)))
	s.tryEnqueue(&Outbound{Kind: KindListening, Resources: resources})
	b.mu.Unlock()
}

// Unlisten removes a session from a set of resource topics and acks with `unlistening`.
// Idempotent: unlistening from a topic the session never joined is a no-op.
func (b *Broker) Unlisten(s *Session, resources []string) {
	b.mu.Lock()
	for _, r := range resources {
		topic := resourceTopic(r)
		delete(s.topics, topic)
		if set, ok := b.topics[topic]; ok {
			delete(set, s.id)
			if len(set) == 0 {
				delete(b.topics, topic)
			}
		}
	}
	topicsGauge.Set(float64(len(b.topics)))
	s.tryEnqueue(&Outbound{Kind: KindUnlistening, Resources: resources})
	b.mu.Unlock()
}

// Subscribe resolves token to a connection record and joins the session to that channel's
// topic. An unknown token yields `error{fault:"sidekick"}`.
func (b *Broker) Subscribe(s *Session, token string) {
	b.mu.Lock()
	conn, ok := b.tokenTable[token]
	if !ok {
		b.mu.Unlock()
		s.tryEnqueue(&Outbound{Kind: KindError, Error: &channelrt.ChannelError{
			Fault: channelrt.FaultSidekick, Message: "unknown token",
		}})
		return
	}
	topic := channelTopic(conn.Channel, conn.Params)
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*Session)
	}
	b.topics[topic][s.id] = s
	s.topics[topic] = true
	channel, params := conn.Channel, conn.Params
	topicsGauge.Set(float64(len(b.topics)))
	s.tryEnqueue(&Outbound{Kind: KindSubscribed, Channel: channel, Params: params})
	b.mu.Unlock()
}

// Unsubscribe is Subscribe's inverse.
func (b *Broker) Unsubscribe(s *Session, token string) {
	b.mu.Lock()
	conn, ok := b.tokenTable[token]
	if !ok {
		b.mu.Unlock()
		s.tryEnqueue(&Outbound{Kind: KindError, Error: &channelrt.ChannelError{
			Fault: channelrt.FaultSidekick, Message: "unknown token",
		}})
		return
	}
	topic := channelTopic(conn.Channel, conn.Params)
	delete(s.topics, topic)
	if set, ok := b.topics[topic]; ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
	channel, params := conn.Channel, conn.Params
	topicsGauge.Set(float64(len(b.topics)))
	s.tryEnqueue(&Outbound{Kind: KindUnsubscribed, Channel: channel, Params: params})
	b.mu.Unlock()
}

// Send resolves token, checks it matches the supplied (channel, params), then delegates to
// the server callback. A send is authorized by token identity alone — the sending session
// need not be subscribed to the topic.
func (b *Broker) Send(s *Session, token, channel string, params map[string]string, data any) {
	b.mu.Lock()
	conn, ok := b.tokenTable[token]
	cb := b.serverCallback
	b.mu.Unlock()

	if !ok {
		s.tryEnqueue(&Outbound{Kind: KindError, Channel: channel, Params: params, Error: &channelrt.ChannelError{
			Channel: channel, Params: params, Fault: channelrt.FaultSidekick, Message: "unknown token",
		}})
		return
	}
	if conn.Channel != channel || !paramsEqual(conn.Params, params) {
		s.tryEnqueue(&Outbound{Kind: KindError, Channel: channel, Params: params, Error: &channelrt.ChannelError{
			Channel: channel, Params: params, Fault: channelrt.FaultClient, Message: "token does not match supplied channel/params",
		}})
		return
	}
	if cb == nil {
		return
	}
	if chErr := cb(conn.Channel, conn.Params, data, conn.Context); chErr != nil {
		s.tryEnqueue(&Outbound{Kind: KindError, Channel: chErr.Channel, Params: chErr.Params, Error: chErr})
	}
}
