// Package listener implements the client-side cache/listener core: it counts local and
// remote listeners per resource and, on a local mutation's resources or a broker `updated`
// event, fans refetch invocation out to every registered listener whose resource set was
// touched.
package listener

import "sync"

// RefetchFunc is a caller-supplied callback invoked when one of its registered resources
// changes. It takes no arguments and returns nothing — any result the caller needs comes
// from a subsequent procedure call the refetch triggers, not from this call itself.
type RefetchFunc func()

// BrokerLink is how a Core tells the broker which resources it now needs updates for. A
// client wires this to its ListenSession's listen/unlisten frames.
type BrokerLink interface {
	Listen(resources []string)
	Unlisten(resources []string)
}

type listenerEntry struct {
	refetch RefetchFunc
	remote  bool
}

// Registration is the handle RegisterListener returns and RemoveListener consumes. Go funcs
// are not comparable, so identifying "the same listener" by refetch alone (as a literal
// reading of removeListener(refetch) would require) isn't expressible; a returned handle is
// the idiomatic substitute.
type Registration struct {
	resources []string
	entry     *listenerEntry
}

// Core holds resource -> listener-list and resource -> remote-reference-count maps. Build
// one with NewCore; nil broker is valid for a purely local (no remote listeners) user.
type Core struct {
	mu           sync.Mutex
	listeners    map[string][]*listenerEntry
	remoteCounts map[string]int
	broker       BrokerLink
}

// NewCore builds an empty Core.
func NewCore(broker BrokerLink) *Core {
	return &Core{
		listeners:    make(map[string][]*listenerEntry),
		remoteCounts: make(map[string]int),
		broker:       broker,
	}
}

// RegisterListener adds refetch to each resource's list. If remote, it increments each
// resource's reference count and, on a 0->1 transition, tells the broker to start listening
// on that resource.
func (c *Core) RegisterListener(resources []string, refetch RefetchFunc, remote bool) *Registration {
	entry := &listenerEntry{refetch: refetch, remote: remote}

	c.mu.Lock()
	var toListen []string
	for _, r := range resources {
		c.listeners[r] = append(c.listeners[r], entry)
		if remote {
			c.remoteCounts[r]++
			if c.remoteCounts[r] == 1 {
				toListen = append(toListen, r)
			}
		}
	}
	c.mu.Unlock()

	if len(toListen) > 0 && c.broker != nil {
		c.broker.Listen(toListen)
	}
	return &Registration{resources: resources, entry: entry}
}

// RemoveListener removes the registration from every resource's list. On a remote
// registration's 1->0 reference-count transition for a resource, it tells the broker to stop
// listening on that resource.
func (c *Core) RemoveListener(reg *Registration) {
	if reg == nil {
		return
	}

	c.mu.Lock()
	var toUnlisten []string
	for _, r := range reg.resources {
		list := c.listeners[r]
		for i, e := range list {
			if e == reg.entry {
				c.listeners[r] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(c.listeners[r]) == 0 {
			delete(c.listeners, r)
		}
		if reg.entry.remote {
			c.remoteCounts[r]--
			if c.remoteCounts[r] <= 0 {
				delete(c.remoteCounts, r)
				toUnlisten = append(toUnlisten, r)
			}
		}
	}
	c.mu.Unlock()

	if len(toUnlisten) > 0 && c.broker != nil {
		c.broker.Unlisten(toUnlisten)
	}
}

// OnUpdated invokes every listener whose resource set intersects resources, exactly once
// per call even if several of its resources appear in the list. Refetches run concurrently
// via a task group rather than chained continuations.
func (c *Core) OnUpdated(resources []string) {
	c.mu.Lock()
	seen := make(map[*listenerEntry]bool)
	var toRun []RefetchFunc
	for _, r := range resources {
		for _, e := range c.listeners[r] {
			if seen[e] {
				continue
			}
			seen[e] = true
			toRun = append(toRun, e.refetch)
		}
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(toRun))
	for _, refetch := range toRun {
		go func(fn RefetchFunc) {
			defer wg.Done()
			fn()
		}(refetch)
	}
	wg.Wait()
}
