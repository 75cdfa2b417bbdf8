package exchange

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

// Store is the local block store as seen by the bridge.
type Store interface {
	// SubscribeIntents returns the intent stream. It is closed when the
	// store shuts down.
	SubscribeIntents() <-chan types.Intent
	// GetLocal returns the block if it is stored locally.
	GetLocal(ctx context.Context, c cid.Cid) (blocks.Block, bool, error)
	// Insert stores a block.
	Insert(ctx context.Context, blk blocks.Block) error
	// PublicCids enumerates the stored public blocks.
	PublicCids(ctx context.Context) <-chan types.PublicCid
}

// WantAborter is implemented by stores that can fail pending retrievals.
type WantAborter interface {
	AbortWant(c cid.Cid, reason error)
}

// Swarm is the networking layer as seen by the bridge. Actions are fire and
// forget unless they return an error; outcomes arrive on Events.
type Swarm interface {
	Want(c cid.Cid, priority int32)
	Cancel(c cid.Cid)
	Provide(c cid.Cid) error
	ProvideAndSend(c cid.Cid, data []byte) error
	Unprovide(c cid.Cid)
	Send(p peer.ID, c cid.Cid, data []byte)
	Connect(p peer.ID)
	ListenOn(addr ma.Multiaddr) error
	AddExternalAddress(addr ma.Multiaddr)
	Events() <-chan types.Event
}
