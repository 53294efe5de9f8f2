package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"covenant/contract"
	"covenant/dispatch"
	"covenant/frame"
	"covenant/protocol"
	"covenant/schema"
	"covenant/wire"
)

func noopContextGen(ctx context.Context, headers dispatch.Headers) (any, error) {
	return nil, nil
}

func noopDerivation(reqContext any, fail dispatch.FailFunc) any {
	return nil
}

func arithDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	permissive := schema.MustCompile([]byte(`{}`))
	cv, err := contract.DeclareCovenant([]contract.ProcedureSpec{
		{Name: "add", Kind: contract.Query, InputSchema: permissive, OutputSchema: permissive},
	}, nil)
	if err != nil {
		t.Fatalf("DeclareCovenant: %v", err)
	}

	d := dispatch.NewDispatcher(cv, noopContextGen, noopDerivation, zerolog.Nop())
	err = d.Procedure("add", func(req *dispatch.Request) any {
		inputs := req.Inputs.(map[string]any)
		a := inputs["a"].(float64)
		b := inputs["b"].(float64)
		return map[string]any{"result": a + b}
	}, nil)
	if err != nil {
		t.Fatalf("Procedure: %v", err)
	}
	if err := d.AssertAllDefined(); err != nil {
		t.Fatalf("AssertAllDefined: %v", err)
	}
	return d
}

func TestServerHandlesProcedureCall(t *testing.T) {
	svr := NewServer("arith", arithDispatcher(t), nil, zerolog.Nop())
	go svr.Serve("tcp", ":18888", "", nil)
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp", ":18888")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	body := frame.ProcedureCall{
		Procedure: "add",
		Inputs:    map[string]any{"a": 1.0, "b": 2.0},
		Headers:   map[string]string{},
	}.ToWire()
	payload, err := wire.Encode(body)
	if err != nil {
		t.Fatalf("wire.Encode: %v", err)
	}

	header := protocol.Header{
		CodecType: protocol.CodecTypeWire,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       123,
		BodyLen:   uint32(len(payload)),
	}
	if err := protocol.Encode(conn, &header, payload); err != nil {
		t.Fatalf("protocol.Encode: %v", err)
	}

	replyHeader, respBody, err := protocol.Decode(conn)
	if err != nil {
		t.Fatalf("protocol.Decode: %v", err)
	}
	if replyHeader.Seq != header.Seq {
		t.Fatalf("expected reply seq %v, got %v", header.Seq, replyHeader.Seq)
	}
	if replyHeader.MsgType != protocol.MsgTypeResponse {
		t.Fatalf("expected MsgTypeResponse, got %v", replyHeader.MsgType)
	}

	doc, err := wire.Decode(respBody)
	if err != nil {
		t.Fatalf("wire.Decode: %v", err)
	}
	result, err := frame.ProcedureResultFromWire(doc)
	if err != nil {
		t.Fatalf("ProcedureResultFromWire: %v", err)
	}
	if result.Error != nil {
		t.Fatalf("unexpected error result: %+v", result.Error)
	}
	data, ok := result.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected map result data, got %T", result.Data)
	}
	if data["result"] != 3.0 {
		t.Fatalf("expected result 3, got %v", data["result"])
	}
}

func TestServerRejectsChannelConnectWithoutRuntime(t *testing.T) {
	svr := NewServer("arith", arithDispatcher(t), nil, zerolog.Nop())
	go svr.Serve("tcp", ":18889", "", nil)
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp", ":18889")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	body := frame.ChannelConnect{Channel: "chatroom", Params: map[string]string{"room": "a"}}.ToWire()
	payload, err := wire.Encode(body)
	if err != nil {
		t.Fatalf("wire.Encode: %v", err)
	}
	header := protocol.Header{
		CodecType: protocol.CodecTypeWire,
		MsgType:   protocol.MsgTypeChannelConnect,
		Seq:       1,
		BodyLen:   uint32(len(payload)),
	}
	if err := protocol.Encode(conn, &header, payload); err != nil {
		t.Fatalf("protocol.Encode: %v", err)
	}

	_, respBody, err := protocol.Decode(conn)
	if err != nil {
		t.Fatalf("protocol.Decode: %v", err)
	}
	doc, err := wire.Decode(respBody)
	if err != nil {
		t.Fatalf("wire.Decode: %v", err)
	}
	result, err := frame.ChannelConnectResultFromWire(doc)
	if err != nil {
		t.Fatalf("ChannelConnectResultFromWire: %v", err)
	}
	if result.Error == nil || result.Error.Fault != "server" {
		t.Fatalf("expected a server-fault error, got %+v", result.Error)
	}
}
