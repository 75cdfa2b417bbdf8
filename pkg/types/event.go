package types

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Event is emitted by the swarm. Implementations are the concrete event
// structs in this file.
type Event interface {
	// Kind is a short, stable name used for logging and metrics.
	Kind() string
}

// ReceivedBlock is a block a peer sent us.
type ReceivedBlock struct {
	Peer peer.ID
	Cid  cid.Cid
	Data []byte
}

// ReceivedWant is a peer asking us for a block.
type ReceivedWant struct {
	Peer peer.ID
	Cid  cid.Cid
}

// Providers is the result of a provider query that found at least one peer.
type Providers struct {
	Cid   cid.Cid
	Peers []peer.ID
}

// NoProviders is the result of a provider query that found nobody.
type NoProviders struct {
	Cid cid.Cid
}

// BootstrapComplete fires once the routing layer finished its warm-up.
type BootstrapComplete struct{}

// ListenAddrBound fires when a listener bound an address.
type ListenAddrBound struct {
	Addr ma.Multiaddr
}

// ListenerClosed fires when a listener shut down. Reason is nil on an
// orderly close.
type ListenerClosed struct {
	Addrs  []ma.Multiaddr
	Reason error
}

func (ReceivedBlock) Kind() string     { return "received_block" }
func (ReceivedWant) Kind() string      { return "received_want" }
func (Providers) Kind() string         { return "providers" }
func (NoProviders) Kind() string       { return "no_providers" }
func (BootstrapComplete) Kind() string { return "bootstrap_complete" }
func (ListenAddrBound) Kind() string   { return "listen_addr_bound" }
func (ListenerClosed) Kind() string    { return "listener_closed" }

func (e ReceivedBlock) String() string {
	return fmt.Sprintf("ReceivedBlock(%s, %s, %d bytes)", e.Peer, e.Cid, len(e.Data))
}

func (e ReceivedWant) String() string {
	return fmt.Sprintf("ReceivedWant(%s, %s)", e.Peer, e.Cid)
}

func (e Providers) String() string {
	return fmt.Sprintf("Providers(%s, %v)", e.Cid, e.Peers)
}

func (e NoProviders) String() string {
	return fmt.Sprintf("NoProviders(%s)", e.Cid)
}
