// Package pipeline wires bidirectional processors between a PostgreSQL
// client socket and a server socket. Processors are ordered outermost first;
// "outside" is the side closer to the sockets, "inside" the side closer to
// the innermost stage. Client→server traffic enters at the outside, flows
// inward, and is written to the server when it reaches the outermost edge
// again via the from-inside entry points. Server→client traffic is the
// mirror image.
package pipeline

import (
	"github.com/uktrade/postgres-audit-proxy/internal/pgwire"
)

// Edges holds the four outbound callbacks a processor uses to hand traffic
// to its neighbours.
type Edges struct {
	ToC2SOuter func(msgs []pgwire.Message)
	ToC2SInner func(msgs []pgwire.Message)
	ToS2COuter func(msgs []pgwire.Message)
	ToS2CInner func(msgs []pgwire.Message)
}

// Processor is one bidirectional pipeline stage operating on message units.
// Bind is called once, before any traffic, with callbacks wired to the
// stage's neighbours. A processor may rewrite, drop, or synthesise messages
// but must preserve ordering within each direction.
type Processor interface {
	Bind(Edges)
	C2SFromOutside(msgs []pgwire.Message)
	C2SFromInside(msgs []pgwire.Message)
	S2CFromOutside(msgs []pgwire.Message)
	S2CFromInside(msgs []pgwire.Message)
}

// Chain is a fully wired pipeline for one connection. The outermost stage
// is the byte/message boundary: raw socket bytes are framed on the way in
// and messages are re-encoded on the way out. An echo stage is appended as
// the innermost terminator so that non-intercepting stages behave as a
// transparent tunnel.
type Chain struct {
	c2sFramer *pgwire.Framer
	s2cFramer *pgwire.Framer

	writeServer func([]byte)
	writeClient func([]byte)

	stages []Processor
}

// ClientStartupMessages is how many startup-shaped messages the
// client→server framer expects: the SSLRequest and the StartupMessage.
const ClientStartupMessages = 2

// NewChain builds a chain from the given middle processors, outermost
// first. writeServer and writeClient are the socket edges; they are invoked
// on the goroutine that pushed the triggering bytes.
func NewChain(writeServer, writeClient func([]byte), middle ...Processor) *Chain {
	c := &Chain{
		c2sFramer:   pgwire.NewFramer(ClientStartupMessages),
		s2cFramer:   pgwire.NewFramer(0),
		writeServer: writeServer,
		writeClient: writeClient,
	}
	c.stages = append(append([]Processor{}, middle...), &echo{})

	for i, stage := range c.stages {
		stage.Bind(c.edgesFor(i))
	}
	return c
}

// edgesFor wires stage i to its neighbours. The outermost stage's outer
// edge is the parser boundary, which re-encodes messages and writes them to
// the sockets.
func (c *Chain) edgesFor(i int) Edges {
	e := Edges{}

	if i == 0 {
		e.ToC2SOuter = func(msgs []pgwire.Message) {
			c.writeServer(pgwire.EncodeAll(msgs))
		}
		e.ToS2COuter = func(msgs []pgwire.Message) {
			c.writeClient(pgwire.EncodeAll(msgs))
		}
	} else {
		outer := c.stages[i-1]
		e.ToC2SOuter = outer.C2SFromInside
		e.ToS2COuter = outer.S2CFromInside
	}

	if i < len(c.stages)-1 {
		inner := c.stages[i+1]
		e.ToC2SInner = inner.C2SFromOutside
		e.ToS2CInner = inner.S2CFromOutside
	} else {
		// The echo stage never calls inward.
		e.ToC2SInner = func([]pgwire.Message) {}
		e.ToS2CInner = func([]pgwire.Message) {}
	}
	return e
}

// ClientData feeds raw bytes read from the client socket into the chain.
func (c *Chain) ClientData(data []byte) {
	msgs := c.c2sFramer.Push(data)
	if len(msgs) == 0 {
		return
	}
	c.stages[0].C2SFromOutside(msgs)
}

// ServerData feeds raw bytes read from the server socket into the chain.
func (c *Chain) ServerData(data []byte) {
	msgs := c.s2cFramer.Push(data)
	if len(msgs) == 0 {
		return
	}
	c.stages[0].S2CFromOutside(msgs)
}

// echo terminates the chain: inward-bound traffic is reflected straight
// back outward in the same direction, and from-inside entry points are
// no-ops because nothing is inside it.
type echo struct {
	edges Edges
}

func (e *echo) Bind(edges Edges) { e.edges = edges }

func (e *echo) C2SFromOutside(msgs []pgwire.Message) { e.edges.ToC2SOuter(msgs) }

func (e *echo) C2SFromInside([]pgwire.Message) {}

func (e *echo) S2CFromOutside(msgs []pgwire.Message) { e.edges.ToS2COuter(msgs) }

func (e *echo) S2CFromInside([]pgwire.Message) {}
