package testhelpers

import (
	"math/rand"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

// RawBlock builds a raw-codec CIDv1 block over data.
func RawBlock(t testing.TB, data string) blocks.Block {
	c, err := cid.V1Builder{Codec: cid.Raw, MhType: mh.SHA2_256}.Sum([]byte(data))
	require.NoError(t, err)
	blk, err := blocks.NewBlockWithCid([]byte(data), c)
	require.NoError(t, err)
	return blk
}

// CborBlock builds a dag-cbor block from obj. Any cid.Cid values inside obj
// become links.
func CborBlock(t testing.TB, obj interface{}) blocks.Block {
	nd, err := cbor.WrapObject(obj, mh.SHA2_256, -1)
	require.NoError(t, err)
	return nd
}

// CidFromString hashes s into a raw CIDv1 without building a block.
func CidFromString(t testing.TB, s string) cid.Cid {
	return RawBlock(t, s).Cid()
}

// RequireIntPeerID returns a peer ID derived deterministically from i.
func RequireIntPeerID(t testing.TB, i int64) peer.ID {
	r := rand.New(rand.NewSource(i))
	_, pub, err := crypto.GenerateEd25519Key(r)
	require.NoError(t, err)
	id, err := peer.IDFromPublicKey(pub)
	require.NoError(t, err)
	return id
}
