package channelrt

import (
	"fmt"

	"covenant/schema"
)

// ProcessChannelMessage is the entry point a broker calls when a client sends into a
// channel the connection has already authenticated against. It validates rawData, invokes
// onMessage, and returns nil on success or a ChannelError the broker routes back to the
// sending session only.
func (rt *Runtime) ProcessChannelMessage(channelName string, params Params, rawData any, connContext any) (chErr *ChannelError) {
	entry, ok := rt.entries[channelName]
	if !ok {
		return &ChannelError{Channel: channelName, Params: params, Fault: FaultClient, Message: fmt.Sprintf("unknown channel %q", channelName)}
	}

	if issues := schema.Validate(entry.spec.ClientMessageSchema, rawData); issues != nil {
		return &ChannelError{Channel: channelName, Params: params, Fault: FaultClient, Message: issues.Summary()}
	}

	defer func() {
		if r := recover(); r != nil {
			chErr = rt.recoverMessage(r, channelName, params)
		}
	}()

	fail := func(message string, fault Fault) {
		panic(rejectSignal{&ChannelError{Channel: channelName, Params: params, Fault: fault, Message: message}})
	}

	var derivation any
	if rt.derivationBuilder != nil {
		derivation = rt.derivationBuilder(connContext, FailFunc(fail))
	}

	entry.onMessage(&MessageRequest{
		Inputs:     rawData,
		Params:     params,
		Context:    connContext,
		Derivation: derivation,
		Fail:       FailFunc(fail),
	})

	return nil
}

func (rt *Runtime) recoverMessage(r any, channelName string, params Params) *ChannelError {
	if signal, ok := r.(rejectSignal); ok {
		return signal.err
	}
	rt.logger.Error().Str("channel", channelName).Interface("panic", r).Msg("unhandled panic in channel message handling")
	return &ChannelError{Channel: channelName, Params: params, Fault: FaultServer, Message: "internal server error"}
}

// PostChannelMessage validates data against the channel's server message schema and asks
// the broker to publish it on the channel topic. Callable by server-side procedures and by
// onMessage handlers — both hold a reference to the same Runtime.
func (rt *Runtime) PostChannelMessage(channelName string, params Params, data any) error {
	entry, ok := rt.entries[channelName]
	if !ok {
		return fmt.Errorf("channelrt: unknown channel %q", channelName)
	}
	if issues := schema.Validate(entry.spec.ServerMessageSchema, data); issues != nil {
		return fmt.Errorf("channelrt: channel %q: server message violates its own contract: %s", channelName, issues.Summary())
	}
	return rt.broker.PostServerMessage(channelName, params, data)
}
