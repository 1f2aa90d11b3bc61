// Package circuit implements the source-routed relay layer: a stream of N
// intermediate bouncer nodes, each stripping one hop of routing metadata
// before forwarding to the next, terminating at the node that surfaces the
// bare byte stream up to the fiber multiplexer. A forwarding hop splices
// its inbound and onward streams with internal/conn.Bridge once it has
// dialed onward.
package circuit

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/sserr"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer"
	"github.com/securesocketfunneling/ssf-sub003/wire"
)

// LocalID is the "details" marker a terminal hop's Context carries.
const LocalID = "-1"

// Context is one hop's circuit metadata: whether this hop forwards or
// terminates, its (log-only) circuit_id, the serialized remainder-of-route
// forward block, and a details string. On a forwarding hop Details carries
// "host:port" of the next hop to dial; on a terminal hop it is only ever
// the "-1" local marker.
type Context struct {
	Forward       bool
	ID            string
	ForwardBlocks []byte
	Details       string
}

// ToLayerParameters renders c as its wire-significant ordered map:
// forward/circuit_id/circuit_nodes/details.
func (c Context) ToLayerParameters() *layer.LayerParameters {
	lp := layer.NewLayerParameters()
	if c.Forward {
		lp.Set("forward", "1")
	} else {
		lp.Set("forward", "0")
	}
	lp.Set("circuit_id", c.ID)
	lp.Set("circuit_nodes", string(c.ForwardBlocks))
	lp.Set("details", c.Details)
	return lp
}

// ContextFromLayerParameters is the inverse of ToLayerParameters.
func ContextFromLayerParameters(lp *layer.LayerParameters) Context {
	return Context{
		Forward:       lp.GetDefault("forward", "0") == "1",
		ID:            lp.GetDefault("circuit_id", ""),
		ForwardBlocks: []byte(lp.GetDefault("circuit_nodes", "")),
		Details:       lp.GetDefault("details", ""),
	}
}

// Hop names one relay (or the final terminal node) by its dial address.
type Hop struct {
	Host string
	Port uint16
}

func (h Hop) String() string { return net.JoinHostPort(h.Host, strconv.Itoa(int(h.Port))) }

// BuildClientRoute builds the forward block the client sends immediately
// after connecting to hops[0], given the full ordered hop list -- every
// intermediate bouncer plus the terminal SSF node -- and the circuit_id
// the terminal hop should log under. hops must contain at least one entry:
// the node the client physically dials.
func BuildClientRoute(hops []Hop, terminalID string) (forwardBlock []byte, firstHop Hop, err error) {
	if len(hops) == 0 {
		return nil, Hop{}, fmt.Errorf("circuit: at least one hop required")
	}

	cur := Context{Forward: false, ID: terminalID, Details: LocalID}
	for i := len(hops) - 1; i >= 1; i-- {
		payload, err := wire.Marshal(layer.ParameterStack{cur.ToLayerParameters()})
		if err != nil {
			return nil, Hop{}, fmt.Errorf("circuit: marshal hop %d context: %w", i, err)
		}
		cur = Context{Forward: true, ID: "", ForwardBlocks: payload, Details: hops[i].String()}
	}

	block, err := wire.Marshal(layer.ParameterStack{cur.ToLayerParameters()})
	if err != nil {
		return nil, Hop{}, fmt.Errorf("circuit: marshal first hop context: %w", err)
	}
	return block, hops[0], nil
}

// socket is the circuit layer's pure-byte-pipe Socket: after the forwarding
// handshake completes, the circuit layer adds zero per-message framing
//, so this simply delegates to the below Conn.
type socket struct {
	conn.Conn
	below layer.Socket
	id    string
}

// Endpoint reports the hop's circuit_id alongside the endpoint below.
type Endpoint struct {
	ID    string
	Below layer.Endpoint
}

func (e *Endpoint) String() string {
	if e.ID == "" {
		return e.Below.String()
	}
	return fmt.Sprintf("%s(circuit=%s)", e.Below.String(), e.ID)
}

func (s *socket) LocalEndpoint() layer.Endpoint {
	return &Endpoint{ID: s.id, Below: s.below.LocalEndpoint()}
}

func (s *socket) RemoteEndpoint() layer.Endpoint {
	return &Endpoint{ID: s.id, Below: s.below.RemoteEndpoint()}
}

// LowerDial opens a new below-layer (physical [+TLS]) connection to a
// "host:port" address -- the node's "own layer stack, combining the
// received parameters with its configured defaults".
type LowerDial func(ctx context.Context, hostPort string) (layer.Socket, error)

// ClientDial sends forwardBlock over an already-connected below socket and
// returns a circuit Socket ready to carry the fiber multiplex layer. The
// client always calls it against hops[0], whether that is the terminal
// node itself (len(hops)==1 in BuildClientRoute) or the first bouncer --
// the bouncer chain is transparent to it, the spliced stream simply
// reaches the real terminal node.
func ClientDial(below layer.Socket, forwardBlock []byte) (layer.Socket, error) {
	belowConn, ok := below.(conn.Conn)
	if !ok {
		return nil, sserr.New(sserr.KindWrongProtocolType, "circuit: below socket does not implement conn.Conn")
	}
	stack, err := wire.Unmarshal(forwardBlock)
	if err != nil {
		return nil, fmt.Errorf("circuit: decode forward block: %w", err)
	}
	if err := wire.WriteForwardBlock(belowConn, stack); err != nil {
		return nil, sserr.Wrap(sserr.KindBrokenPipe, fmt.Errorf("circuit: write forward block: %w", err))
	}
	return &socket{Conn: belowConn, below: below}, nil
}

// Acceptor is the server side of one circuit node. Accept reads one forward
// block off the freshly accepted below socket; if it is a terminal hop
// (forward=false) the below socket is handed straight up to the fiber
// layer. If it forwards (forward=true), Accept dials the next hop with
// Dial, forwards the embedded remainder block, splices the two streams
// (internal/conn.Bridge) for the rest of the connection's life, and then
// loops back to accept the next inbound connection -- a forwarding hop
// never itself surfaces a Socket to the caller.
type Acceptor struct {
	logger sslog.Logger
	below  layer.Acceptor
	dial   LowerDial
}

// NewAcceptor builds a circuit Acceptor. dial is how this node opens an
// outbound connection (physical [+TLS]) to the next hop when forwarding.
func NewAcceptor(logger sslog.Logger, below layer.Acceptor, dial LowerDial) *Acceptor {
	return &Acceptor{logger: logger.Fork("CircuitAcceptor"), below: below, dial: dial}
}

// Accept blocks until a connection surfaces to this layer: either a
// terminal hop's freshly-handshaked Socket, or (after internally accepting
// and forwarding any number of bouncer connections) the next terminal one.
func (a *Acceptor) Accept(ctx context.Context) (layer.Socket, error) {
	for {
		belowSock, err := a.below.Accept(ctx)
		if err != nil {
			return nil, err
		}
		sock, forwarded, err := a.handleOne(ctx, belowSock)
		if err != nil {
			a.logger.WLogf("circuit: hop handling failed: %s", err)
			belowSock.Close()
			continue
		}
		if forwarded {
			continue
		}
		return sock, nil
	}
}

func (a *Acceptor) handleOne(ctx context.Context, belowSock layer.Socket) (layer.Socket, bool, error) {
	belowConn, ok := belowSock.(conn.Conn)
	if !ok {
		return nil, false, sserr.New(sserr.KindWrongProtocolType, "circuit: below socket does not implement conn.Conn")
	}
	stack, err := wire.ReadForwardBlock(belowConn)
	if err != nil {
		return nil, false, fmt.Errorf("circuit: read forward block: %w", err)
	}
	circCtx := ContextFromLayerParameters(stack.Front())

	if !circCtx.Forward {
		return &socket{Conn: belowConn, below: belowSock, id: circCtx.ID}, false, nil
	}

	nextSock, err := a.dial(ctx, circCtx.Details)
	if err != nil {
		return nil, false, fmt.Errorf("circuit: dial next hop %s: %w", circCtx.Details, err)
	}
	nextConn, ok := nextSock.(conn.Conn)
	if !ok {
		nextSock.Close()
		return nil, false, sserr.New(sserr.KindWrongProtocolType, "circuit: next-hop socket does not implement conn.Conn")
	}

	nextStack, err := wire.Unmarshal(circCtx.ForwardBlocks)
	if err != nil {
		nextSock.Close()
		return nil, false, fmt.Errorf("circuit: decode remainder block: %w", err)
	}
	if err := wire.WriteForwardBlock(nextConn, nextStack); err != nil {
		nextSock.Close()
		return nil, false, sserr.Wrap(sserr.KindBrokenPipe, fmt.Errorf("circuit: forward remainder: %w", err))
	}

	go func() {
		_, _, err := conn.Bridge(a.logger, belowConn, nextConn)
		if err != nil {
			a.logger.DLogf("circuit: bridge ended: %s", err)
		}
	}()
	return nil, true, nil
}

func (a *Acceptor) Close() error { return a.below.Close() }
