// Package channelrt implements the channel runtime: connection-request validation,
// onConnect execution, token minting, token handoff to the broker, and inbound message
// routing. It knows nothing about transports or WebSockets — like dispatch, it accepts and
// returns already-decoded values, and talks to whatever broker is behind it through the
// BrokerLink interface.
package channelrt

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/rs/zerolog"

	"covenant/contract"
	"covenant/schema"
)

// Params is a channel's resolved param map (param name -> string value).
type Params map[string]string

// Fault attributes a ChannelError to the party responsible for it.
type Fault string

const (
	FaultClient   Fault = "client"
	FaultServer   Fault = "server"
	FaultSidekick Fault = "sidekick"
)

// ChannelError is the structured failure shape for channel faults: it never tears down the
// whole session, only the connect attempt or message send that produced it.
type ChannelError struct {
	Channel string
	Params  Params
	Fault   Fault
	Message string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channelrt: %s on %q: %s", e.Fault, e.Channel, e.Message)
}

// rejectSignal is the panic payload backing RejectFunc/FailFunc. Only Connect and
// ProcessChannelMessage recover it; it must never escape this package.
type rejectSignal struct {
	err *ChannelError
}

// RejectFunc aborts a connect attempt. It never returns.
type RejectFunc func(message string, fault Fault)

// FailFunc aborts an inbound channel message. It never returns.
type FailFunc func(message string, fault Fault)

// ConnectRequest is what onConnect sees.
type ConnectRequest struct {
	Inputs     any
	Params     Params
	Context    any
	Derivation any
	Reject     RejectFunc
}

// OnConnect validates one connect attempt and returns the connection-context value the
// broker will hand back on every later message for this connection. Abort with req.Reject.
type OnConnect func(req *ConnectRequest) any

// MessageRequest is what onMessage sees for one inbound channel message.
type MessageRequest struct {
	Inputs     any
	Params     Params
	Context    any
	Derivation any
	Fail       FailFunc
}

// OnMessage handles one inbound message already routed to a connection. It may call the
// owning Runtime's PostChannelMessage to broadcast; its own return value is void.
type OnMessage func(req *MessageRequest)

// ContextGenerator builds the per-connect-attempt context from params and headers. Kept
// distinct from dispatch.ContextGenerator (rather than shared) since a channel connect
// carries params the dispatcher's procedures never see.
type ContextGenerator func(ctx context.Context, params Params, headers map[string]string) (any, error)

// DerivationBuilder constructs the per-call derivation toolbox, exactly as
// dispatch.DerivationBuilder does for procedures.
type DerivationBuilder func(reqContext any, fail FailFunc) any

// ConnectResult is the outcome of one Connect call.
type ConnectResult struct {
	OK    bool
	Token string
	Error *ChannelError
}

// BrokerLink is how a Runtime hands a minted token to the broker and asks it to publish a
// server message. sidekick.Broker implements it in-process; a remote deployment would
// implement it as a client stub talking to a broker over the network, the same indirection
// registry.Registry draws between EtcdRegistry and any other backend.
type BrokerLink interface {
	AddConnection(token, channel string, params Params, connContext any) error
	PostServerMessage(channel string, params Params, data any) error
}

type channelEntry struct {
	spec      contract.ChannelSpec
	onConnect OnConnect
	onMessage OnMessage
}

// Runtime binds a contract.Covenant to registered channel implementations, a context/
// derivation builder pair, and a broker. Build one with NewRuntime, register every
// declared channel with Channel, then call AssertAllDefined before serving.
type Runtime struct {
	covenant          *contract.Covenant
	contextGenerator  ContextGenerator
	derivationBuilder DerivationBuilder
	broker            BrokerLink
	logger            zerolog.Logger

	entries map[string]*channelEntry
}

// NewRuntime builds a Runtime against the given covenant and broker.
func NewRuntime(cv *contract.Covenant, contextGenerator ContextGenerator, derivationBuilder DerivationBuilder, broker BrokerLink, logger zerolog.Logger) *Runtime {
	return &Runtime{
		covenant:          cv,
		contextGenerator:  contextGenerator,
		derivationBuilder: derivationBuilder,
		broker:            broker,
		logger:            logger,
		entries:           make(map[string]*channelEntry),
	}
}

// Channel registers the onConnect/onMessage pair for a channel already declared in the
// covenant.
func (rt *Runtime) Channel(name string, onConnect OnConnect, onMessage OnMessage) error {
	spec, ok := rt.covenant.Channel(name)
	if !ok {
		return fmt.Errorf("channelrt: channel %q is not declared in the covenant", name)
	}
	rt.entries[name] = &channelEntry{spec: spec, onConnect: onConnect, onMessage: onMessage}
	return nil
}

// AssertAllDefined fails fast if any covenant-declared channel lacks a registered
// implementation.
func (rt *Runtime) AssertAllDefined() error {
	var missing []string
	for _, name := range rt.covenant.ChannelNames() {
		if _, ok := rt.entries[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("channelrt: missing implementations for channels: %v", missing)
	}
	return nil
}

// Connect runs the full connect pipeline for one attempt: param and connection-request
// validation, context/derivation build, onConnect invocation, connection context
// validation, token minting, and handoff to the broker.
func (rt *Runtime) Connect(ctx context.Context, channelName string, params Params, rawRequest any, headers map[string]string) *ConnectResult {
	entry, ok := rt.entries[channelName]
	if !ok {
		return &ConnectResult{Error: &ChannelError{Channel: channelName, Params: params, Fault: FaultClient, Message: fmt.Sprintf("unknown channel %q", channelName)}}
	}

	if err := contract.ValidateParams(entry.spec, params); err != nil {
		return &ConnectResult{Error: &ChannelError{Channel: channelName, Params: params, Fault: FaultClient, Message: err.Error()}}
	}

	if issues := schema.Validate(entry.spec.ConnectionRequestSchema, rawRequest); issues != nil {
		return &ConnectResult{Error: &ChannelError{Channel: channelName, Params: params, Fault: FaultClient, Message: issues.Summary()}}
	}

	reqContext, err := rt.contextGenerator(ctx, params, headers)
	if err != nil {
		return &ConnectResult{Error: &ChannelError{Channel: channelName, Params: params, Fault: FaultClient, Message: err.Error()}}
	}

	return rt.runConnect(entry, channelName, params, rawRequest, reqContext)
}

func (rt *Runtime) runConnect(entry *channelEntry, channelName string, params Params, rawRequest any, reqContext any) (result *ConnectResult) {
	defer func() {
		if r := recover(); r != nil {
			result = rt.recoverConnect(r, channelName, params)
		}
	}()

	fail := func(message string, fault Fault) {
		panic(rejectSignal{&ChannelError{Channel: channelName, Params: params, Fault: fault, Message: message}})
	}

	var derivation any
	if rt.derivationBuilder != nil {
		derivation = rt.derivationBuilder(reqContext, FailFunc(fail))
	}

	connContext := entry.onConnect(&ConnectRequest{
		Inputs:     rawRequest,
		Params:     params,
		Context:    reqContext,
		Derivation: derivation,
		Reject:     RejectFunc(fail),
	})

	if issues := schema.Validate(entry.spec.ConnectionContextSchema, connContext); issues != nil {
		rt.logger.Error().Str("channel", channelName).Str("issues", issues.Summary()).Msg("onConnect produced a connection context violating its own schema")
		return &ConnectResult{Error: &ChannelError{Channel: channelName, Params: params, Fault: FaultServer, Message: "channel violated its own connection context contract"}}
	}

	token, err := mintToken()
	if err != nil {
		return &ConnectResult{Error: &ChannelError{Channel: channelName, Params: params, Fault: FaultServer, Message: "failed to mint connection token"}}
	}

	if err := rt.broker.AddConnection(token, channelName, params, connContext); err != nil {
		return &ConnectResult{Error: &ChannelError{Channel: channelName, Params: params, Fault: FaultSidekick, Message: err.Error()}}
	}

	return &ConnectResult{OK: true, Token: token}
}

func (rt *Runtime) recoverConnect(r any, channelName string, params Params) *ConnectResult {
	if signal, ok := r.(rejectSignal); ok {
		return &ConnectResult{Error: signal.err}
	}
	rt.logger.Error().Str("channel", channelName).Interface("panic", r).Msg("unhandled panic in channel connect")
	return &ConnectResult{Error: &ChannelError{Channel: channelName, Params: params, Fault: FaultServer, Message: "internal server error"}}
}

func mintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("channelrt: mint token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
