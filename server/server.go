// Package server implements covenant's TCP server: connection accept loop, per-connection
// frame read loop, per-request parallel processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → wire.Decode → route by MsgType → Dispatcher.RunProcedure / Runtime.Connect → wire.Encode → write response
//
// Middleware (logging, timeout, rate limiting) wraps the Dispatcher itself via
// Dispatcher.Use, not this package — Server only owns the wire.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"covenant/channelrt"
	"covenant/dispatch"
	"covenant/frame"
	"covenant/protocol"
	"covenant/registry"
	"covenant/wire"
)

// Server accepts connections and routes frames to a Dispatcher (procedure calls) and,
// optionally, a channelrt.Runtime (channel connect requests).
type Server struct {
	dispatcher    *dispatch.Dispatcher
	channelRT     *channelrt.Runtime // nil if this instance serves no channels
	listener      net.Listener
	wg            sync.WaitGroup // Tracks in-flight requests for graceful shutdown
	shutdown      atomic.Bool    // Set to true during shutdown to suppress Accept errors
	registry      registry.Registry
	serviceName   string // Name registered/discovered under in the registry
	advertiseAddr string // Address registered in etcd, distinct from the listen address
	logger        zerolog.Logger
}

// NewServer builds a Server around an already-configured Dispatcher. channelRT may be nil
// for a deployment that serves no channels.
func NewServer(serviceName string, d *dispatch.Dispatcher, channelRT *channelrt.Runtime, logger zerolog.Logger) *Server {
	return &Server{
		dispatcher:  d,
		channelRT:   channelRT,
		serviceName: serviceName,
		logger:      logger,
	}
}

// Serve starts the server: listens on the given address, optionally registers with etcd,
// and enters the Accept loop to handle incoming connections.
//
// advertiseAddr is the address registered in etcd (e.g. "127.0.0.1:8080"); it differs from
// the listen address because ":8080" resolves to "[::]:8080" locally, which etcd peers
// cannot dial. Pass a nil reg to skip service discovery.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener
	svr.advertiseAddr = advertiseAddr

	if reg != nil {
		svr.registry = reg
		if err := reg.Register(svr.serviceName, registry.ServiceInstance{Addr: advertiseAddr}, 10); err != nil {
			svr.logger.Warn().Err(err).Msg("failed to register with discovery")
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// handleConn processes a single TCP connection. It runs a read loop in a single goroutine
// (reads must be sequential to parse frame boundaries), but dispatches each request to its
// own goroutine for parallel processing.
//
// A per-connection write mutex (writeMu) is shared among all request goroutines on this
// connection, preventing frame interleaving when multiple goroutines write responses
// concurrently.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

// handleRequest decodes one frame, routes it by MsgType, and writes back the response.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	svr.wg.Add(1)
	defer svr.wg.Done()

	doc, err := wire.Decode(body)
	if err != nil {
		svr.logger.Warn().Err(err).Msg("failed to decode request body")
		return
	}

	var respBody any
	switch header.MsgType {
	case protocol.MsgTypeRequest:
		respBody = svr.handleProcedureCall(doc)
	case protocol.MsgTypeChannelConnect:
		respBody = svr.handleChannelConnect(doc)
	default:
		svr.logger.Warn().Uint8("msgType", uint8(header.MsgType)).Msg("unhandled message type")
		return
	}

	payload, err := wire.Encode(respBody)
	if err != nil {
		svr.logger.Warn().Err(err).Msg("failed to encode response body")
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq, // Same seq as request — this is how multiplexing works
		BodyLen:   uint32(len(payload)),
	}
	if err := protocol.Encode(conn, &replyHeader, payload); err != nil {
		svr.logger.Warn().Err(err).Msg("failed to write response frame")
	}
}

func (svr *Server) handleProcedureCall(doc any) any {
	call, err := frame.ProcedureCallFromWire(doc)
	if err != nil {
		return frame.ProcedureResultToWire(&dispatch.Result{Error: &dispatch.Fault{Code: dispatch.CodeBadInput, Message: err.Error()}})
	}
	result := svr.dispatcher.RunProcedure(context.Background(), call.Procedure, call.Inputs, dispatch.Headers(call.Headers))
	return frame.ProcedureResultToWire(result)
}

func (svr *Server) handleChannelConnect(doc any) any {
	if svr.channelRT == nil {
		return frame.ChannelConnectResultToWire(&channelrt.ConnectResult{Error: &channelrt.ChannelError{
			Fault:   channelrt.FaultServer,
			Message: "this server does not serve channels",
		}})
	}
	req, err := frame.ChannelConnectFromWire(doc)
	if err != nil {
		return frame.ChannelConnectResultToWire(&channelrt.ConnectResult{Error: &channelrt.ChannelError{
			Fault:   channelrt.FaultClient,
			Message: err.Error(),
		}})
	}
	result := svr.channelRT.Connect(context.Background(), req.Channel, req.Params, req.Inputs, req.Headers)
	return frame.ChannelConnectResultToWire(result)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from etcd first, so clients stop routing new requests here.
//  2. Set the shutdown flag before closing the listener, so Accept's resulting error is
//     recognized as intentional.
//  3. Wait for in-flight requests to finish, up to timeout.
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		if err := svr.registry.Deregister(svr.serviceName, svr.advertiseAddr); err != nil {
			svr.logger.Warn().Err(err).Msg("failed to deregister from discovery")
		}
	}

	svr.shutdown.Store(true)
	svr.listener.Close()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}
