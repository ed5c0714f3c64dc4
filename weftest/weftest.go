// Package weftest provides support code for testing weft peers, in the
// same spirit as chirp's peers package: a ready-made pair of connected
// peers for unit tests, without a real MQTT broker.
package weftest

import (
	"github.com/lattice-iot/weft"
	"github.com/lattice-iot/weft/transport/memory"
)

// Local is a pair of peers connected through a shared in-process Broker,
// suitable for exercising the real encode/decode/dispatch path without a
// network.
type Local struct {
	Broker *memory.Broker
	A, B   *weft.Peer
}

// NewLocal creates a pair of peers named "peer-a" and "peer-b", wired to a
// fresh Broker. Additional options are applied to both peers after the
// default ids, so a weft.WithID among them gives both peers that same id.
func NewLocal(opts ...weft.Option) *Local {
	b := memory.NewBroker()
	aOpts := append([]weft.Option{weft.WithID("peer-a")}, opts...)
	bOpts := append([]weft.Option{weft.WithID("peer-b")}, opts...)
	return &Local{
		Broker: b,
		A:      weft.New(b.NewConn(), aOpts...),
		B:      weft.New(b.NewConn(), bOpts...),
	}
}

// NewTriple creates a three-peer fixture sharing one Broker, for tests that
// need to distinguish a directed recipient from a bystander.
func NewTriple(opts ...weft.Option) (broker *memory.Broker, a, b, c *weft.Peer) {
	broker = memory.NewBroker()
	a = weft.New(broker.NewConn(), append([]weft.Option{weft.WithID("peer-a")}, opts...)...)
	b = weft.New(broker.NewConn(), append([]weft.Option{weft.WithID("peer-b")}, opts...)...)
	c = weft.New(broker.NewConn(), append([]weft.Option{weft.WithID("peer-c")}, opts...)...)
	return broker, a, b, c
}

// Stop destroys both peers.
func (p *Local) Stop() {
	p.A.Destroy()
	p.B.Destroy()
}
