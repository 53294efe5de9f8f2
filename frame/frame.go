// Package frame converts between the typed request/response values dispatch, channelrt, and
// sidekick work with and the map[string]any documents wire.Encode/wire.Decode round-trip
// correctly. wire.Encode only recurses through map[string]any and []any (plus a fixed set of
// extension types — Date, Set, Map, undefined); a typed Go struct handed to it directly falls
// through to a plain encoding/json fallback that does not apply those extensions to its
// fields. Building every frame body as a map[string]any here, by hand, keeps every body on
// wire's correct recursion path without reflection.
package frame

import (
	"fmt"

	"covenant/channelrt"
	"covenant/dispatch"
	"covenant/sidekick"
)

func stringMap(v any) map[string]string {
	out := map[string]string{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, raw := range m {
		if s, ok := raw.(string); ok {
			out[k] = s
		}
	}
	return out
}

func anyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func anySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func stringSlice(v any) []string {
	var out []string
	raw, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asMap(doc any, what string) (map[string]any, error) {
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("frame: malformed %s body", what)
	}
	return m, nil
}

// ProcedureCall is the body of a MsgTypeRequest frame.
type ProcedureCall struct {
	Procedure string
	Inputs    any
	Headers   map[string]string
}

func (c ProcedureCall) ToWire() any {
	return map[string]any{
		"procedure": c.Procedure,
		"inputs":    c.Inputs,
		"headers":   anyMap(c.Headers),
	}
}

func ProcedureCallFromWire(doc any) (ProcedureCall, error) {
	m, err := asMap(doc, "procedure call")
	if err != nil {
		return ProcedureCall{}, err
	}
	procedure, _ := m["procedure"].(string)
	return ProcedureCall{
		Procedure: procedure,
		Inputs:    m["inputs"],
		Headers:   stringMap(m["headers"]),
	}, nil
}

// ProcedureResultToWire mirrors dispatch.Result at the wire boundary.
func ProcedureResultToWire(r *dispatch.Result) any {
	if r.Error != nil {
		return map[string]any{
			"error": map[string]any{
				"code":    float64(r.Error.Code),
				"message": r.Error.Message,
			},
		}
	}
	return map[string]any{
		"data":      r.Data,
		"resources": anySlice(r.Resources),
	}
}

func ProcedureResultFromWire(doc any) (*dispatch.Result, error) {
	m, err := asMap(doc, "procedure result")
	if err != nil {
		return nil, err
	}
	if rawErr, ok := m["error"]; ok && rawErr != nil {
		errMap, _ := rawErr.(map[string]any)
		code, _ := errMap["code"].(float64)
		message, _ := errMap["message"].(string)
		return &dispatch.Result{Error: &dispatch.Fault{Code: int(code), Message: message}}, nil
	}
	return &dispatch.Result{
		Data:      m["data"],
		Resources: stringSlice(m["resources"]),
	}, nil
}

// ChannelConnect is the body of a MsgTypeChannelConnect frame.
type ChannelConnect struct {
	Channel string
	Params  map[string]string
	Inputs  any
	Headers map[string]string
}

func (c ChannelConnect) ToWire() any {
	return map[string]any{
		"channel": c.Channel,
		"params":  anyMap(c.Params),
		"inputs":  c.Inputs,
		"headers": anyMap(c.Headers),
	}
}

func ChannelConnectFromWire(doc any) (ChannelConnect, error) {
	m, err := asMap(doc, "channel connect")
	if err != nil {
		return ChannelConnect{}, err
	}
	channel, _ := m["channel"].(string)
	return ChannelConnect{
		Channel: channel,
		Params:  stringMap(m["params"]),
		Inputs:  m["inputs"],
		Headers: stringMap(m["headers"]),
	}, nil
}

// ChannelConnectResultToWire mirrors channelrt.ConnectResult at the wire boundary.
func ChannelConnectResultToWire(r *channelrt.ConnectResult) any {
	if r.Error != nil {
		return map[string]any{
			"ok": false,
			"error": map[string]any{
				"channel": r.Error.Channel,
				"params":  anyMap(r.Error.Params),
				"fault":   string(r.Error.Fault),
				"message": r.Error.Message,
			},
		}
	}
	return map[string]any{"ok": true, "token": r.Token}
}

func ChannelConnectResultFromWire(doc any) (*channelrt.ConnectResult, error) {
	m, err := asMap(doc, "channel connect result")
	if err != nil {
		return nil, err
	}
	if ok, _ := m["ok"].(bool); ok {
		token, _ := m["token"].(string)
		return &channelrt.ConnectResult{OK: true, Token: token}, nil
	}
	errMap, _ := m["error"].(map[string]any)
	channel, _ := errMap["channel"].(string)
	fault, _ := errMap["fault"].(string)
	message, _ := errMap["message"].(string)
	return &channelrt.ConnectResult{Error: &channelrt.ChannelError{
		Channel: channel,
		Params:  stringMap(errMap["params"]),
		Fault:   channelrt.Fault(fault),
		Message: message,
	}}, nil
}

// BrokerInboundToWire mirrors sidekick.Inbound at the wire boundary — one client-to-broker
// session frame.
func BrokerInboundToWire(in sidekick.Inbound) any {
	return map[string]any{
		"kind":      string(in.Kind),
		"resources": anySlice(in.Resources),
		"token":     in.Token,
		"channel":   in.Channel,
		"params":    anyMap(in.Params),
		"data":      in.Data,
	}
}

func BrokerInboundFromWire(doc any) (sidekick.Inbound, error) {
	m, err := asMap(doc, "broker inbound")
	if err != nil {
		return sidekick.Inbound{}, err
	}
	kind, _ := m["kind"].(string)
	token, _ := m["token"].(string)
	channel, _ := m["channel"].(string)
	return sidekick.Inbound{
		Kind:      sidekick.InboundKind(kind),
		Resources: stringSlice(m["resources"]),
		Token:     token,
		Channel:   channel,
		Params:    stringMap(m["params"]),
		Data:      m["data"],
	}, nil
}

// BrokerOutboundToWire mirrors sidekick.Outbound at the wire boundary — one
// broker-to-client session frame.
func BrokerOutboundToWire(out *sidekick.Outbound) any {
	doc := map[string]any{
		"kind":      string(out.Kind),
		"resources": anySlice(out.Resources),
		"resource":  out.Resource,
		"channel":   out.Channel,
		"params":    anyMap(out.Params),
		"data":      out.Data,
	}
	if out.Error != nil {
		doc["error"] = map[string]any{
			"channel": out.Error.Channel,
			"params":  anyMap(out.Error.Params),
			"fault":   string(out.Error.Fault),
			"message": out.Error.Message,
		}
	}
	return doc
}

func BrokerOutboundFromWire(doc any) (*sidekick.Outbound, error) {
	m, err := asMap(doc, "broker outbound")
	if err != nil {
		return nil, err
	}
	kind, _ := m["kind"].(string)
	resource, _ := m["resource"].(string)
	channel, _ := m["channel"].(string)
	out := &sidekick.Outbound{
		Kind:      sidekick.Kind(kind),
		Resources: stringSlice(m["resources"]),
		Resource:  resource,
		Channel:   channel,
		Params:    stringMap(m["params"]),
		Data:      m["data"],
	}
	if rawErr, ok := m["error"]; ok && rawErr != nil {
		errMap, _ := rawErr.(map[string]any)
		errChannel, _ := errMap["channel"].(string)
		errFault, _ := errMap["fault"].(string)
		errMessage, _ := errMap["message"].(string)
		out.Error = &channelrt.ChannelError{
			Channel: errChannel,
			Params:  stringMap(errMap["params"]),
			Fault:   channelrt.Fault(errFault),
			Message: errMessage,
		}
	}
	return out, nil
}
