// Package layer defines the capability-set interfaces shared by every layer
// of the protocol stack (physical, TLS, circuit, fiber). Per the generic
// composition guidance: each layer embeds the layer below's Socket inside
// its own and drives an Accept/Dial on the layer below before performing its
// own handshake.
package layer

import (
	"context"
	"io"
)

// Endpoint is a serializable description of "how to connect" or "how to
// listen" at one layer. String renders the canonical textual form used in
// logs.
type Endpoint interface {
	String() string
}

// Socket is one established, layer-specific connection. Closing a layer N
// socket closes the layer N-1 socket it owns, all the way down the stack.
type Socket interface {
	io.ReadWriteCloser
	LocalEndpoint() Endpoint
	RemoteEndpoint() Endpoint
}

// Acceptor produces inbound Sockets at a layer by accepting on the layer
// below and then running that layer's server-side handshake.
type Acceptor interface {
	Accept(ctx context.Context) (Socket, error)
	Close() error
}

// Dialer produces an outbound Socket at a layer by connecting on the layer
// below and then running that layer's client-side handshake.
type Dialer interface {
	Dial(ctx context.Context) (Socket, error)
}

// Resolver turns a LayerParameters map into a concrete Endpoint, the
// per-layer endpoint constructor.
type Resolver interface {
	Resolve(params LayerParameters) (Endpoint, error)
}

// LayerParameters is an ordered string->string mapping, the unit that
// configures one layer. Ordering matters for deterministic
// wire-encoding round-trips, so this is a slice of pairs rather than a map.
type LayerParameters struct {
	keys   []string
	values []string
}

// NewLayerParameters returns an empty LayerParameters; add entries with Set.
func NewLayerParameters() *LayerParameters {
	return &LayerParameters{}
}

// Set appends or overwrites a key, preserving first-seen order.
func (p *LayerParameters) Set(key, value string) {
	for i, k := range p.keys {
		if k == key {
			p.values[i] = value
			return
		}
	}
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
}

// Get returns the value for key and whether it was present.
func (p *LayerParameters) Get(key string) (string, bool) {
	for i, k := range p.keys {
		if k == key {
			return p.values[i], true
		}
	}
	return "", false
}

// GetDefault returns the value for key, or def if absent.
func (p *LayerParameters) GetDefault(key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

// Keys returns the keys in insertion order.
func (p *LayerParameters) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Pairs returns the (key, value) pairs in insertion order, the shape the
// wire codec serializes directly.
func (p *LayerParameters) Pairs() [][2]string {
	out := make([][2]string, len(p.keys))
	for i := range p.keys {
		out[i] = [2]string{p.keys[i], p.values[i]}
	}
	return out
}

// Len reports the number of entries.
func (p *LayerParameters) Len() int { return len(p.keys) }

// ParameterStack is an ordered, front-to-back (top-to-bottom layer)
// sequence of LayerParameters; the universal serializable "how to
// connect"/"how to listen" description, and the payload embedded
// recursively inside a circuit forwarding block.
type ParameterStack []*LayerParameters

// Front returns the top-most (first) layer's parameters, or nil if empty.
func (s ParameterStack) Front() *LayerParameters {
	if len(s) == 0 {
		return nil
	}
	return s[0]
}

// PopFront returns the stack with its top-most layer removed -- "the
// remainder describing how to reach the next node from where you stand,
// recursively".
func (s ParameterStack) PopFront() ParameterStack {
	if len(s) == 0 {
		return s
	}
	return s[1:]
}

// PushFront prepends a layer's parameters to the stack.
func (s ParameterStack) PushFront(p *LayerParameters) ParameterStack {
	out := make(ParameterStack, 0, len(s)+1)
	out = append(out, p)
	out = append(out, s...)
	return out
}
