package exchange

import (
	"context"
	"fmt"
	"sync"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

// recorder keeps the store mutations and swarm actions of a test in the
// order they happened.
type recorder struct {
	lk  sync.Mutex
	log []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.log = append(r.log, fmt.Sprintf(format, args...))
}

func (r *recorder) entries() []string {
	r.lk.Lock()
	defer r.lk.Unlock()
	return append([]string(nil), r.log...)
}

type fakeStore struct {
	rec *recorder

	lk         sync.Mutex
	intents    chan types.Intent
	subscribed int
	blocks     map[cid.Cid]blocks.Block
	getErr     map[cid.Cid]error
	insertErr  error
	public     []types.PublicCid
}

func newFakeStore(rec *recorder) *fakeStore {
	return &fakeStore{
		rec:     rec,
		intents: make(chan types.Intent, 64),
		blocks:  make(map[cid.Cid]blocks.Block),
		getErr:  make(map[cid.Cid]error),
	}
}

func (s *fakeStore) SubscribeIntents() <-chan types.Intent {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.subscribed++
	return s.intents
}

func (s *fakeStore) GetLocal(_ context.Context, c cid.Cid) (blocks.Block, bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if err, ok := s.getErr[c]; ok {
		return nil, false, err
	}
	blk, ok := s.blocks[c]
	return blk, ok, nil
}

func (s *fakeStore) Insert(_ context.Context, blk blocks.Block) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.blocks[blk.Cid()] = blk
	s.rec.add("insert %s", blk.Cid())
	return nil
}

func (s *fakeStore) PublicCids(_ context.Context) <-chan types.PublicCid {
	s.lk.Lock()
	entries := append([]types.PublicCid(nil), s.public...)
	s.lk.Unlock()

	out := make(chan types.PublicCid, len(entries))
	for _, e := range entries {
		out <- e
	}
	close(out)
	return out
}

func (s *fakeStore) put(blk blocks.Block) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.blocks[blk.Cid()] = blk
}

// abortingStore also fails pending retrievals.
type abortingStore struct {
	*fakeStore
}

func (s abortingStore) AbortWant(c cid.Cid, reason error) {
	s.rec.add("abort %s: %s", c, reason)
}

type fakeSwarm struct {
	rec *recorder

	lk         sync.Mutex
	events     chan types.Event
	listenErr  error
	provideErr map[cid.Cid]error
	// provideAndSendErr fails ProvideAndSend for the cid
	provideAndSendErr map[cid.Cid]error
	listened          []ma.Multiaddr
	external          []ma.Multiaddr
}

func newFakeSwarm(rec *recorder) *fakeSwarm {
	return &fakeSwarm{
		rec:               rec,
		events:            make(chan types.Event, 64),
		provideErr:        make(map[cid.Cid]error),
		provideAndSendErr: make(map[cid.Cid]error),
	}
}

func (s *fakeSwarm) Want(c cid.Cid, priority int32) { s.rec.add("want %s %d", c, priority) }
func (s *fakeSwarm) Cancel(c cid.Cid)               { s.rec.add("cancel %s", c) }
func (s *fakeSwarm) Unprovide(c cid.Cid)            { s.rec.add("unprovide %s", c) }
func (s *fakeSwarm) Connect(p peer.ID)              { s.rec.add("connect %s", p) }

func (s *fakeSwarm) Provide(c cid.Cid) error {
	s.lk.Lock()
	err := s.provideErr[c]
	s.lk.Unlock()
	s.rec.add("provide %s", c)
	return err
}

func (s *fakeSwarm) ProvideAndSend(c cid.Cid, data []byte) error {
	s.lk.Lock()
	err := s.provideAndSendErr[c]
	s.lk.Unlock()
	s.rec.add("provide_and_send %s %q", c, data)
	return err
}

func (s *fakeSwarm) Send(p peer.ID, c cid.Cid, data []byte) {
	s.rec.add("send %s %s %q", p, c, data)
}

func (s *fakeSwarm) ListenOn(addr ma.Multiaddr) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.listenErr != nil {
		return s.listenErr
	}
	s.listened = append(s.listened, addr)
	return nil
}

func (s *fakeSwarm) AddExternalAddress(addr ma.Multiaddr) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.external = append(s.external, addr)
}

func (s *fakeSwarm) Events() <-chan types.Event {
	return s.events
}

var testListenAddr = ma.StringCast("/ip4/127.0.0.1/tcp/4001")

// newTestBridge runs the setup against the fakes with a bound listener
// already queued.
func newTestBridge(t *testing.T, store Store, swarm *fakeSwarm, opts Options) *Bridge {
	swarm.events <- types.ListenAddrBound{Addr: testListenAddr}
	b, addr, err := NewBridge(context.Background(), store, swarm, []ma.Multiaddr{testListenAddr}, nil, opts)
	require.NoError(t, err)
	require.True(t, addr.Equal(testListenAddr))
	return b
}
