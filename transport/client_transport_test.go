package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"covenant/contract"
	"covenant/dispatch"
	"covenant/frame"
	"covenant/protocol"
	"covenant/schema"
	"covenant/server"
)

func addDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	permissive := schema.MustCompile([]byte(`{}`))
	cv, err := contract.DeclareCovenant([]contract.ProcedureSpec{
		{Name: "add", Kind: contract.Query, InputSchema: permissive, OutputSchema: permissive},
	}, nil)
	if err != nil {
		t.Fatalf("DeclareCovenant: %v", err)
	}
	d := dispatch.NewDispatcher(cv, func(ctx context.Context, h dispatch.Headers) (any, error) {
		return nil, nil
	}, func(reqContext any, fail dispatch.FailFunc) any {
		return nil
	}, zerolog.Nop())
	err = d.Procedure("add", func(req *dispatch.Request) any {
		inputs := req.Inputs.(map[string]any)
		a := inputs["a"].(float64)
		b := inputs["b"].(float64)
		return map[string]any{"result": a + b}
	}, nil)
	if err != nil {
		t.Fatalf("Procedure: %v", err)
	}
	return d
}

func addBody(a, b float64) any {
	return frame.ProcedureCall{Procedure: "add", Inputs: map[string]any{"a": a, "b": b}, Headers: map[string]string{}}.ToWire()
}

// TestClientTransportSerial exercises serial calls over a single multiplexed connection.
func TestClientTransportSerial(t *testing.T) {
	svr := server.NewServer("arith", addDispatcher(t), nil, zerolog.Nop())
	go svr.Serve("tcp", ":19001", "", nil)
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp", ":19001")
	if err != nil {
		t.Fatal(err)
	}
	ct := NewClientTransport(conn)

	cases := []struct {
		a, b, expect float64
	}{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}

	for _, tc := range cases {
		_, ch, err := ct.Send(protocol.MsgTypeRequest, addBody(tc.a, tc.b))
		if err != nil {
			t.Fatal(err)
		}
		resp := <-ch
		if resp.Err != nil {
			t.Fatalf("transport error: %v", resp.Err)
		}
		result, err := frame.ProcedureResultFromWire(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		if result.Error != nil {
			t.Fatalf("server error: %+v", result.Error)
		}
		data := result.Data.(map[string]any)
		if data["result"] != tc.expect {
			t.Fatalf("expect %v, got %v", tc.expect, data["result"])
		}
	}
}

// TestClientTransportConcurrent exercises multiplexing: many concurrent calls over one
// connection, each routed back to the right caller by sequence number.
func TestClientTransportConcurrent(t *testing.T) {
	svr := server.NewServer("arith", addDispatcher(t), nil, zerolog.Nop())
	go svr.Serve("tcp", ":19002", "", nil)
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp", ":19002")
	if err != nil {
		t.Fatal(err)
	}
	ct := NewClientTransport(conn)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, ch, err := ct.Send(protocol.MsgTypeRequest, addBody(float64(n), float64(n)))
			if err != nil {
				t.Errorf("send failed: %v", err)
				return
			}
			resp := <-ch
			if resp.Err != nil {
				t.Errorf("transport error: %v", resp.Err)
				return
			}
			result, err := frame.ProcedureResultFromWire(resp.Body)
			if err != nil {
				t.Errorf("decode failed: %v", err)
				return
			}
			data := result.Data.(map[string]any)
			if data["result"] != float64(n*2) {
				t.Errorf("expect %v, got %v", float64(n*2), data["result"])
			}
		}(i)
	}
	wg.Wait()
}
