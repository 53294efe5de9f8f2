package sidekick

// InboundKind tags one client-to-broker frame's variant on the broker session surface.
type InboundKind string

const (
	InboundListen      InboundKind = "listen"
	InboundUnlisten    InboundKind = "unlisten"
	InboundSubscribe   InboundKind = "subscribe"
	InboundUnsubscribe InboundKind = "unsubscribe"
	InboundSend        InboundKind = "send"
)

// Inbound is one client-to-broker frame. Only the fields relevant to Kind are populated.
type Inbound struct {
	Kind      InboundKind
	Resources []string
	Token     string
	Channel   string
	Params    map[string]string
	Data      any
}

// Dispatch routes one decoded Inbound frame to the matching Broker method.
func (b *Broker) Dispatch(s *Session, in Inbound) {
	switch in.Kind {
	case InboundListen:
		b.Listen(s, in.Resources)
	case InboundUnlisten:
		b.Unlisten(s, in.Resources)
	case InboundSubscribe:
		b.Subscribe(s, in.Token)
	case InboundUnsubscribe:
		b.Unsubscribe(s, in.Token)
	case InboundSend:
		b.Send(s, in.Token, in.Channel, in.Params, in.Data)
	}
}
