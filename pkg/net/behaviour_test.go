package net

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	bsmsg "github.com/ipfs/go-bitswap/message"
	pb "github.com/ipfs/go-bitswap/message/pb"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peerstore"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
	th "github.com/ipfs-force-community/blockbridge/pkg/testhelpers"
	tf "github.com/ipfs-force-community/blockbridge/pkg/testhelpers/testflags"
	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

func newTestBehaviour(t *testing.T) *Behaviour {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	cfg.Swarm.Offline = true
	cfg.Exchange.ProviderQueryTimeout = config.Duration(time.Second)

	b, err := NewBehaviour(context.Background(), priv, dssync.MutexWrap(datastore.NewMapDatastore()), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitFor(t *testing.T, b *Behaviour, match func(types.Event) bool) types.Event {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-b.Events():
			require.True(t, ok, "event stream closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func listen(t *testing.T, b *Behaviour) ma.Multiaddr {
	require.NoError(t, b.ListenOn(ma.StringCast("/ip4/127.0.0.1/tcp/0")))
	ev := waitFor(t, b, func(ev types.Event) bool {
		_, ok := ev.(types.ListenAddrBound)
		return ok
	})
	return ev.(types.ListenAddrBound).Addr
}

func TestPeerAddrsToAddrInfo(t *testing.T) {
	tf.UnitTest(t)

	id := th.RequireIntPeerID(t, 1)
	pis, err := PeerAddrsToAddrInfo([]string{
		"/ip4/127.0.0.1/tcp/4001/p2p/" + id.Pretty(),
		"/ip4/127.0.0.2/tcp/4001/p2p/" + id.Pretty(),
	})
	require.NoError(t, err)
	require.Len(t, pis, 1)
	assert.Equal(t, id, pis[0].ID)
	assert.Len(t, pis[0].Addrs, 2)

	_, err = PeerAddrsToAddrInfo([]string{"/ip4/127.0.0.1/tcp/4001"})
	assert.Error(t, err)
	_, err = PeerAddrsToAddrInfo([]string{"not an address"})
	assert.Error(t, err)
}

func TestListenOnEmitsBoundAddress(t *testing.T) {
	tf.UnitTest(t)
	b := newTestBehaviour(t)

	addr := listen(t, b)
	port, err := addr.ValueForProtocol(ma.P_TCP)
	require.NoError(t, err)
	assert.NotEqual(t, "0", port)
}

func TestListenOnWithUnbufferedEvents(t *testing.T) {
	tf.UnitTest(t)
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)

	cfg := config.NewDefaultConfig()
	cfg.Swarm.Offline = true
	cfg.Swarm.EventBuffer = 0
	require.NoError(t, cfg.Validate())

	b, err := NewBehaviour(context.Background(), priv, dssync.MutexWrap(datastore.NewMapDatastore()), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	listened := make(chan error, 1)
	go func() {
		listened <- b.ListenOn(ma.StringCast("/ip4/127.0.0.1/tcp/0"))
	}()
	select {
	case err := <-listened:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenOn blocked on the event stream")
	}

	ev := waitFor(t, b, func(ev types.Event) bool {
		_, ok := ev.(types.ListenAddrBound)
		return ok
	})
	assert.NotNil(t, ev.(types.ListenAddrBound).Addr)
}

func TestAddExternalAddress(t *testing.T) {
	tf.UnitTest(t)
	b := newTestBehaviour(t)

	ext := ma.StringCast("/ip4/1.2.3.4/tcp/4001")
	b.AddExternalAddress(ext)
	b.AddExternalAddress(ext)

	count := 0
	for _, a := range b.Host().Addrs() {
		if a.Equal(ext) {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestWantWithoutProviders(t *testing.T) {
	tf.UnitTest(t)
	b := newTestBehaviour(t)

	c := th.CidFromString(t, "nobody has this")
	b.Want(c, 1000)

	ev := waitFor(t, b, func(ev types.Event) bool {
		_, ok := ev.(types.NoProviders)
		return ok
	})
	assert.Equal(t, c, ev.(types.NoProviders).Cid)
}

func TestUnsolicitedBlocksAreDropped(t *testing.T) {
	tf.UnitTest(t)
	b := newTestBehaviour(t)
	p := th.RequireIntPeerID(t, 2)

	wanted := th.RawBlock(t, "wanted")
	unsolicited := th.RawBlock(t, "unsolicited")

	b.lk.Lock()
	b.wants[wanted.Cid()] = 1000
	b.lk.Unlock()

	msg := bsmsg.New(false)
	msg.AddBlock(unsolicited)
	msg.AddBlock(wanted)
	b.handleMessage(p, msg)

	ev := waitFor(t, b, func(ev types.Event) bool {
		_, ok := ev.(types.ReceivedBlock)
		return ok
	})
	rb := ev.(types.ReceivedBlock)
	assert.Equal(t, wanted.Cid(), rb.Cid)
	assert.Equal(t, p, rb.Peer)
	assert.Equal(t, wanted.RawData(), rb.Data)

	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestLedgerTracksRemoteWants(t *testing.T) {
	tf.UnitTest(t)
	b := newTestBehaviour(t)
	p := th.RequireIntPeerID(t, 3)
	c := th.CidFromString(t, "remote want")

	msg := bsmsg.New(false)
	msg.AddEntry(c, 10, pb.Message_Wantlist_Block, false)
	b.handleMessage(p, msg)

	ev := waitFor(t, b, func(ev types.Event) bool {
		_, ok := ev.(types.ReceivedWant)
		return ok
	})
	assert.Equal(t, types.ReceivedWant{Peer: p, Cid: c}, ev)

	b.lk.Lock()
	_, ok := b.ledger[c][p]
	b.lk.Unlock()
	assert.True(t, ok)

	cancel := bsmsg.New(false)
	cancel.Cancel(c)
	b.handleMessage(p, cancel)

	b.lk.Lock()
	_, ok = b.ledger[c]
	b.lk.Unlock()
	assert.False(t, ok)
}

func TestBlockExchangeBetweenPeers(t *testing.T) {
	tf.UnitTest(t)
	requester := newTestBehaviour(t)
	server := newTestBehaviour(t)

	listen(t, requester)
	serverAddr := listen(t, server)

	blk := th.RawBlock(t, "exchanged")
	requester.Want(blk.Cid(), 1000)

	requester.Host().Peerstore().AddAddrs(server.ID(), []ma.Multiaddr{serverAddr}, peerstore.PermanentAddrTTL)
	requester.Connect(server.ID())

	// the wantlist is sent when the connection comes up
	ev := waitFor(t, server, func(ev types.Event) bool {
		_, ok := ev.(types.ReceivedWant)
		return ok
	})
	want := ev.(types.ReceivedWant)
	assert.Equal(t, requester.ID(), want.Peer)
	assert.Equal(t, blk.Cid(), want.Cid)

	info := server.Host().ConnManager().GetTagInfo(requester.ID())
	require.NotNil(t, info)
	assert.Equal(t, wantTagValue, info.Tags[wantTag])

	peers := server.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, requester.ID(), peers[0].Peer)

	require.NoError(t, server.ProvideAndSend(blk.Cid(), blk.RawData()))

	ev = waitFor(t, requester, func(ev types.Event) bool {
		_, ok := ev.(types.ReceivedBlock)
		return ok
	})
	got := ev.(types.ReceivedBlock)
	assert.Equal(t, server.ID(), got.Peer)
	assert.Equal(t, blk.RawData(), got.Data)

	assert.Eventually(t, func() bool {
		return server.BandwidthStats().TotalOut > 0
	}, 10*time.Second, 100*time.Millisecond)

	require.NoError(t, requester.Disconnect(server.ID()))
	assert.Eventually(t, func() bool {
		return len(requester.Peers()) == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCloseEndsEventStream(t *testing.T) {
	tf.UnitTest(t)
	b := newTestBehaviour(t)

	require.NoError(t, b.Close())
	_, ok := <-b.Events()
	assert.False(t, ok)

	assert.Equal(t, ErrClosed, b.Provide(th.CidFromString(t, "late")))
	assert.Equal(t, ErrClosed, b.ListenOn(ma.StringCast("/ip4/127.0.0.1/tcp/0")))
	require.NoError(t, b.Close())
}
