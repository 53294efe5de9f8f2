// Package contract holds the declarative covenant: the immutable set of procedure and
// channel descriptors a server commits to. Descriptors are declared once up front,
// implemented separately, and completeness is asserted before serving begins, all without
// reflection — descriptors carry schema.Schema references, not Go struct method pointers.
package contract

import (
	"fmt"
	"sort"
	"strings"

	"covenant/schema"
)

// Kind distinguishes a read-oriented query from a state-changing mutation. The dispatch
// path for both is identical; Kind is purely a declared-intent label callers use to decide
// whether to invalidate resources after a call.
type Kind string

const (
	Query    Kind = "query"
	Mutation Kind = "mutation"
)

// ProcedureSpec declares one procedure's name, kind, and input/output schemas.
type ProcedureSpec struct {
	Name         string
	Kind         Kind
	InputSchema  *schema.Schema
	OutputSchema *schema.Schema
}

// ChannelSpec declares one channel's name, its ordered unique param names, and its four
// schemas (connection request, connection context, client message, server message).
type ChannelSpec struct {
	Name                    string
	Params                  []string
	ConnectionRequestSchema *schema.Schema
	ConnectionContextSchema *schema.Schema
	ClientMessageSchema     *schema.Schema
	ServerMessageSchema     *schema.Schema
}

// Covenant is the immutable, process-lifetime contract. Build one with DeclareCovenant.
type Covenant struct {
	procedures map[string]ProcedureSpec
	channels   map[string]ChannelSpec
}

// DeclareCovenant validates and freezes the given procedure and channel specs. A duplicate
// procedure name, a duplicate channel name, or a channel with duplicate param names is a
// programmer error detected here, at declaration time, rather than surfacing later as a
// confusing dispatch failure.
func DeclareCovenant(procedures []ProcedureSpec, channels []ChannelSpec) (*Covenant, error) {
	c := &Covenant{
		procedures: make(map[string]ProcedureSpec, len(procedures)),
		channels:   make(map[string]ChannelSpec, len(channels)),
	}

	for _, p := range procedures {
		if p.Name == "" {
			return nil, fmt.Errorf("contract: procedure declared with empty name")
		}
		if _, exists := c.procedures[p.Name]; exists {
			return nil, fmt.Errorf("contract: duplicate procedure name %q", p.Name)
		}
		if p.Kind != Query && p.Kind != Mutation {
			return nil, fmt.Errorf("contract: procedure %q has invalid kind %q", p.Name, p.Kind)
		}
		c.procedures[p.Name] = p
	}

	for _, ch := range channels {
		if ch.Name == "" {
			return nil, fmt.Errorf("contract: channel declared with empty name")
		}
		if _, exists := c.channels[ch.Name]; exists {
			return nil, fmt.Errorf("contract: duplicate channel name %q", ch.Name)
		}
		seen := make(map[string]bool, len(ch.Params))
		for _, param := range ch.Params {
			if seen[param] {
				return nil, fmt.Errorf("contract: channel %q declares duplicate param %q", ch.Name, param)
			}
			seen[param] = true
		}
		c.channels[ch.Name] = ch
	}

	return c, nil
}

// Procedure looks up a declared procedure by name.
func (c *Covenant) Procedure(name string) (ProcedureSpec, bool) {
	p, ok := c.procedures[name]
	return p, ok
}

// Channel looks up a declared channel by name.
func (c *Covenant) Channel(name string) (ChannelSpec, bool) {
	ch, ok := c.channels[name]
	return ch, ok
}

// ProcedureNames returns every declared procedure name.
func (c *Covenant) ProcedureNames() []string {
	names := make([]string, 0, len(c.procedures))
	for name := range c.procedures {
		names = append(names, name)
	}
	return names
}

// ChannelNames returns every declared channel name.
func (c *Covenant) ChannelNames() []string {
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	return names
}

// ValidateParams checks a raw param map against a channel's declared param names: every
// declared name must be present with a string value, and no extra keys are allowed.
func ValidateParams(ch ChannelSpec, params map[string]string) error {
	var missing []string
	for _, name := range ch.Params {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("contract: channel %q missing params: %s", ch.Name, strings.Join(missing, ", "))
	}

	declared := make(map[string]bool, len(ch.Params))
	for _, name := range ch.Params {
		declared[name] = true
	}
	var extra []string
	for name := range params {
		if !declared[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		return fmt.Errorf("contract: channel %q received unexpected params: %s", ch.Name, strings.Join(extra, ", "))
	}
	return nil
}

// NormalizeParams produces the canonical form of a param map used for topic-key equality:
// keys sorted, joined deterministically. Two param maps with the same key/value pairs
// always normalize identically regardless of original ordering.
func NormalizeParams(params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
	}
	return b.String()
}
