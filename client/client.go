// Package client implements covenant's RPC client: service discovery, load balancing, and a
// shared transport pool for multiplexed connections, plus channel connect over the same
// multiplexed transport.
//
// Call flow:
//
//	Call(serviceName, "helloWorld", inputs, headers)
//	  → Registry.Discover(serviceName)       → get instance list from etcd
//	  → Balancer.Pick(instances)              → select one address
//	  → getTransport(addr)                    → get a shared transport (round-robin)
//	  → transport.Send(MsgTypeRequest, ...)    → send request, get response channel
//	  → <-channel                              → wait for response
//	  → frame.ProcedureResultFromWire           → decode into *dispatch.Result
package client

import (
	"net"
	"sync"
	"sync/atomic"

	"covenant/channelrt"
	"covenant/dispatch"
	"covenant/frame"
	"covenant/loadbalance"
	"covenant/protocol"
	"covenant/registry"
	"covenant/transport"
)

// Client manages the full call lifecycle: service discovery → load balancing → transport → call.
type Client struct {
	registry   registry.Registry                       // Service discovery (etcd or mock)
	balancer   loadbalance.Balancer                    // Load balancing strategy
	transports map[string][]*transport.ClientTransport // Per-address transport pool (shared, not borrowed)
	mu         sync.Mutex                              // Protects transports map (not the transports themselves)
	poolSize   int                                     // Number of transports per address
	counter    uint64                                  // Atomic counter for round-robin transport selection
}

// NewClient creates a client with the given registry, load balancer, and pool size.
//
// poolSize determines how many TCP connections are maintained per server address. Each
// connection supports multiplexing, so even poolSize=1 handles concurrent calls. Larger
// pools reduce write lock contention under very high concurrency.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, poolSize int) *Client {
	return &Client{
		registry:   reg,
		balancer:   bal,
		transports: make(map[string][]*transport.ClientTransport),
		poolSize:   poolSize,
	}
}

// getTransport returns a shared transport for the given address using round-robin selection.
//
// Design: transports are SHARED, not borrowed/returned. Since each ClientTransport supports
// multiplexing, there's no need to exclusively hold a transport during a call. The transport
// is only "used" during Send() (a few microseconds), not during the entire call (which includes
// waiting for the response). Shared access avoids 95% idle time from exclusive holding.
func (c *Client) getTransport(addr string) (*transport.ClientTransport, error) {
	n := atomic.AddUint64(&c.counter, 1)

	c.mu.Lock()
	pool, ok := c.transports[addr]
	if !ok {
		pool = make([]*transport.ClientTransport, c.poolSize)
		c.transports[addr] = pool
		for i := 0; i < c.poolSize; i++ {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				c.mu.Unlock()
				return nil, err
			}
			pool[i] = transport.NewClientTransport(conn)
		}
	}
	c.mu.Unlock()

	return pool[n%uint64(c.poolSize)], nil
}

func (c *Client) pickAddr(serviceName string) (string, error) {
	instances, err := c.registry.Discover(serviceName)
	if err != nil {
		return "", err
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return "", err
	}
	return instance.Addr, nil
}

// Call performs a synchronous procedure call against the named service's covenant-server
// instances.
func (c *Client) Call(serviceName, procedure string, inputs any, headers map[string]string) (*dispatch.Result, error) {
	addr, err := c.pickAddr(serviceName)
	if err != nil {
		return nil, err
	}
	t, err := c.getTransport(addr)
	if err != nil {
		return nil, err
	}

	body := frame.ProcedureCall{Procedure: procedure, Inputs: inputs, Headers: headers}.ToWire()
	_, ch, err := t.Send(protocol.MsgTypeRequest, body)
	if err != nil {
		return nil, err
	}

	resp := <-ch
	if resp.Err != nil {
		return nil, resp.Err
	}
	return frame.ProcedureResultFromWire(resp.Body)
}

// Connect performs a synchronous channel connect call against the named service's
// covenant-server instances, returning a token to use against the sidekick broker.
func (c *Client) Connect(serviceName, channel string, params map[string]string, inputs any, headers map[string]string) (*channelrt.ConnectResult, error) {
	addr, err := c.pickAddr(serviceName)
	if err != nil {
		return nil, err
	}
	t, err := c.getTransport(addr)
	if err != nil {
		return nil, err
	}

	body := frame.ChannelConnect{Channel: channel, Params: params, Inputs: inputs, Headers: headers}.ToWire()
	_, ch, err := t.Send(protocol.MsgTypeChannelConnect, body)
	if err != nil {
		return nil, err
	}

	resp := <-ch
	if resp.Err != nil {
		return nil, resp.Err
	}
	return frame.ChannelConnectResultFromWire(resp.Body)
}
