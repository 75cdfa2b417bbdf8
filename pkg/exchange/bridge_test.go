package exchange

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
	"github.com/ipfs-force-community/blockbridge/pkg/store"
	th "github.com/ipfs-force-community/blockbridge/pkg/testhelpers"
	tf "github.com/ipfs-force-community/blockbridge/pkg/testhelpers/testflags"
	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		// started at init by go-log v1, a transitive dependency
		goleak.IgnoreTopFunction("github.com/ipfs/go-log/writer.(*MirrorWriter).logRoutine"),
	)
}

func runToCompletion(t *testing.T, b *Bridge) {
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func want(c cid.Cid) string       { return fmt.Sprintf("want %s %d", c, DefaultWantPriority) }
func cancelled(c cid.Cid) string  { return fmt.Sprintf("cancel %s", c) }
func provided(c cid.Cid) string   { return fmt.Sprintf("provide %s", c) }
func unprovided(c cid.Cid) string { return fmt.Sprintf("unprovide %s", c) }
func inserted(c cid.Cid) string   { return fmt.Sprintf("insert %s", c) }
func connected(p peer.ID) string  { return fmt.Sprintf("connect %s", p) }
func sent(p peer.ID, c cid.Cid, d []byte) string {
	return fmt.Sprintf("send %s %s %q", p, c, d)
}
func providedAndSent(c cid.Cid, d []byte) string {
	return fmt.Sprintf("provide_and_send %s %q", c, d)
}

func TestIntentsMapToActions(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	sw := newFakeSwarm(rec)
	b := newTestBridge(t, st, sw, DefaultOptions())

	local := th.RawBlock(t, "local")
	st.put(local)
	a := th.CidFromString(t, "a")
	missing := th.CidFromString(t, "missing")

	for _, in := range []types.Intent{
		types.Want(a),
		types.Provide(local.Cid()),
		types.Provide(missing),
		types.Unprovide(local.Cid()),
		types.Cancel(a),
	} {
		st.intents <- in
	}
	close(st.intents)
	runToCompletion(t, b)

	assert.Equal(t, []string{
		want(a),
		providedAndSent(local.Cid(), local.RawData()),
		provided(missing),
		unprovided(local.Cid()),
		cancelled(a),
	}, rec.entries())
}

func TestIdempotentCancelAndUnprovide(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	sw := newFakeSwarm(rec)
	b := newTestBridge(t, st, sw, DefaultOptions())

	c := th.CidFromString(t, "never wanted")
	st.intents <- types.Cancel(c)
	st.intents <- types.Unprovide(c)
	close(st.intents)
	runToCompletion(t, b)

	assert.Equal(t, []string{cancelled(c), unprovided(c)}, rec.entries())
}

func TestWantThenCancelScenario(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	sw := newFakeSwarm(rec)
	b := newTestBridge(t, st, sw, DefaultOptions())

	x := th.CidFromString(t, "x")
	st.intents <- types.Want(x)
	st.intents <- types.Cancel(x)
	close(st.intents)
	runToCompletion(t, b)

	// no store mutation, only the two swarm actions
	assert.Equal(t, []string{want(x), cancelled(x)}, rec.entries())
}

func TestProvideLookupFailureFallsBackToProvide(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	sw := newFakeSwarm(rec)
	b := newTestBridge(t, st, sw, DefaultOptions())

	broken := th.CidFromString(t, "broken")
	failing := th.CidFromString(t, "failing")
	after := th.CidFromString(t, "after")
	st.getErr[broken] = errors.New("disk on fire")
	sw.provideErr[failing] = errors.New("routing down")

	st.intents <- types.Provide(broken)
	st.intents <- types.Provide(failing)
	st.intents <- types.Want(after)
	close(st.intents)
	runToCompletion(t, b)

	assert.Equal(t, []string{provided(broken), provided(failing), want(after)}, rec.entries())
}

func TestProvideAndSendFailureIsLogged(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	sw := newFakeSwarm(rec)
	b := newTestBridge(t, st, sw, DefaultOptions())

	stored := th.RawBlock(t, "stored")
	after := th.CidFromString(t, "after")
	st.put(stored)
	sw.provideAndSendErr[stored.Cid()] = errors.New("routing down")

	st.intents <- types.Provide(stored.Cid())
	st.intents <- types.Want(after)
	close(st.intents)
	runToCompletion(t, b)

	assert.Equal(t, []string{providedAndSent(stored.Cid(), stored.RawData()), want(after)}, rec.entries())
}

func TestWantPriorityOption(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	sw := newFakeSwarm(rec)
	opts := DefaultOptions()
	opts.WantPriority = 7
	b := newTestBridge(t, st, sw, opts)

	x := th.CidFromString(t, "x")
	st.intents <- types.Want(x)
	close(st.intents)
	runToCompletion(t, b)

	assert.Equal(t, []string{fmt.Sprintf("want %s 7", x)}, rec.entries())
}

func TestReceivedBlockRoundTrip(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	rec := &recorder{}
	sw := newFakeSwarm(rec)

	st, err := store.New(dssync.MutexWrap(datastore.NewMapDatastore()), config.NewDefaultConfig().Store)
	require.NoError(t, err)
	defer st.Close() // nolint: errcheck

	b := newTestBridge(t, st, sw, DefaultOptions())

	blk := th.RawBlock(t, "from the network")
	p := th.RequireIntPeerID(t, 1)
	sw.events <- types.ReceivedBlock{Peer: p, Cid: blk.Cid(), Data: blk.RawData()}
	close(sw.events)
	runToCompletion(t, b)

	got, ok, err := st.GetLocal(ctx, blk.Cid())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blk.RawData(), got.RawData())
	assert.Empty(t, rec.entries())
}

func TestReceivedBlockInsertFailureIsDropped(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	st.insertErr = errors.New("read only")
	sw := newFakeSwarm(rec)
	b := newTestBridge(t, st, sw, DefaultOptions())

	blk := th.RawBlock(t, "dropped")
	next := th.RawBlock(t, "next")
	p := th.RequireIntPeerID(t, 1)
	st.put(next)
	sw.events <- types.ReceivedBlock{Peer: p, Cid: blk.Cid(), Data: blk.RawData()}
	sw.events <- types.ReceivedWant{Peer: p, Cid: next.Cid()}
	close(sw.events)
	runToCompletion(t, b)

	assert.Equal(t, []string{sent(p, next.Cid(), next.RawData())}, rec.entries())
}

func TestCancelIsHandledBeforeQueuedBlock(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	sw := newFakeSwarm(rec)
	b := newTestBridge(t, st, sw, DefaultOptions())

	blk := th.RawBlock(t, "raced")
	p := th.RequireIntPeerID(t, 1)
	sw.events <- types.ReceivedBlock{Peer: p, Cid: blk.Cid(), Data: blk.RawData()}
	st.intents <- types.Cancel(blk.Cid())
	close(sw.events)
	runToCompletion(t, b)

	assert.Equal(t, []string{cancelled(blk.Cid()), inserted(blk.Cid())}, rec.entries())
}

func TestIntentsReadyOnWakeupGoFirst(t *testing.T) {
	tf.UnitTest(t)
	for i := 0; i < 20; i++ {
		rec := &recorder{}
		st := newFakeStore(rec)
		sw := newFakeSwarm(rec)
		b := newTestBridge(t, st, sw, DefaultOptions())

		done := make(chan error, 1)
		go func() { done <- b.Run(context.Background()) }()
		time.Sleep(time.Millisecond)

		c := th.CidFromString(t, fmt.Sprintf("item %d", i))
		p := th.RequireIntPeerID(t, 1)
		st.intents <- types.Want(c)
		sw.events <- types.Providers{Cid: c, Peers: []peer.ID{p}}

		require.Eventually(t, func() bool { return len(rec.entries()) == 2 }, 5*time.Second, time.Millisecond)
		close(st.intents)
		require.NoError(t, <-done)

		assert.Equal(t, []string{want(c), connected(p)}, rec.entries())
	}
}

func TestIntentStreamClosureWins(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	sw := newFakeSwarm(rec)
	b := newTestBridge(t, st, sw, DefaultOptions())

	p := th.RequireIntPeerID(t, 1)
	sw.events <- types.Providers{Cid: th.CidFromString(t, "z"), Peers: []peer.ID{p}}
	close(st.intents)
	runToCompletion(t, b)

	assert.Empty(t, rec.entries())
	assert.Len(t, sw.events, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	b := newTestBridge(t, newFakeStore(rec), newFakeSwarm(rec), DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop")
	}
}

func TestReceivedWant(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	sw := newFakeSwarm(rec)
	b := newTestBridge(t, st, sw, DefaultOptions())

	y := th.RawBlock(t, "y")
	st.put(y)
	absent := th.CidFromString(t, "absent")
	broken := th.CidFromString(t, "broken")
	st.getErr[broken] = errors.New("io error")
	p := th.RequireIntPeerID(t, 1)

	sw.events <- types.ReceivedWant{Peer: p, Cid: y.Cid()}
	sw.events <- types.ReceivedWant{Peer: p, Cid: absent}
	sw.events <- types.ReceivedWant{Peer: p, Cid: broken}
	close(sw.events)
	runToCompletion(t, b)

	assert.Equal(t, []string{sent(p, y.Cid(), y.RawData())}, rec.entries())
}

func TestProvidersConnectsToOnePeer(t *testing.T) {
	tf.UnitTest(t)
	p1 := th.RequireIntPeerID(t, 1)
	p2 := th.RequireIntPeerID(t, 2)
	z := th.CidFromString(t, "z")

	for _, chooser := range []PeerChooser{FirstPeer{}, NewRandomPeer()} {
		rec := &recorder{}
		st := newFakeStore(rec)
		sw := newFakeSwarm(rec)
		opts := DefaultOptions()
		opts.Chooser = chooser
		b := newTestBridge(t, st, sw, opts)

		sw.events <- types.Providers{Cid: z, Peers: []peer.ID{p1, p2}}
		sw.events <- types.Providers{Cid: z}
		close(sw.events)
		runToCompletion(t, b)

		entries := rec.entries()
		require.Len(t, entries, 1)
		assert.Contains(t, []string{connected(p1), connected(p2)}, entries[0])
	}
}

func TestBootstrapCompleteProvidesPublicBlocks(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	sw := newFakeSwarm(rec)
	b := newTestBridge(t, st, sw, DefaultOptions())

	a := th.CidFromString(t, "a")
	bad := th.CidFromString(t, "b")
	after := th.RawBlock(t, "after")
	st.put(after)
	st.public = []types.PublicCid{{Cid: a}, {Cid: bad, Err: errors.New("corrupt metadata")}}
	p := th.RequireIntPeerID(t, 1)

	sw.events <- types.BootstrapComplete{}
	sw.events <- types.ReceivedWant{Peer: p, Cid: after.Cid()}
	close(sw.events)
	runToCompletion(t, b)

	assert.Equal(t, []string{provided(a), sent(p, after.Cid(), after.RawData())}, rec.entries())
}

func TestLifecycleEventsAreOnlyLogged(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := newFakeStore(rec)
	sw := newFakeSwarm(rec)
	b := newTestBridge(t, st, sw, DefaultOptions())

	sw.events <- types.ListenAddrBound{Addr: testListenAddr}
	sw.events <- types.ListenerClosed{Reason: errors.New("gone")}
	close(sw.events)
	runToCompletion(t, b)

	assert.Empty(t, rec.entries())
}

func TestNoProvidersPolicies(t *testing.T) {
	tf.UnitTest(t)
	x := th.CidFromString(t, "x")
	abort := fmt.Sprintf("abort %s: %s", x, ErrNoProviders)

	testCases := []struct {
		name     string
		policy   NoProvidersPolicy
		aborting bool
		events   int
		expected []string
	}{
		{
			name:     "fail aborts after max attempts",
			policy:   NoProvidersPolicy{Policy: config.NoProvidersFail, MaxAttempts: 3},
			aborting: true,
			events:   4,
			expected: []string{want(x), want(x), abort, want(x)},
		},
		{
			name:     "fail without aborter gives up",
			policy:   NoProvidersPolicy{Policy: config.NoProvidersFail, MaxAttempts: 2},
			events:   2,
			expected: []string{want(x)},
		},
		{
			name:     "retry always wants again",
			policy:   NoProvidersPolicy{Policy: config.NoProvidersRetry},
			aborting: true,
			events:   4,
			expected: []string{want(x), want(x), want(x), want(x)},
		},
		{
			name:     "ignore leaves the want pending",
			policy:   NoProvidersPolicy{Policy: config.NoProvidersIgnore},
			aborting: true,
			events:   2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			fs := newFakeStore(rec)
			var st Store = fs
			if tc.aborting {
				st = abortingStore{fs}
			}
			sw := newFakeSwarm(rec)
			opts := DefaultOptions()
			opts.NoProviders = tc.policy
			b := newTestBridge(t, st, sw, opts)

			for i := 0; i < tc.events; i++ {
				sw.events <- types.NoProviders{Cid: x}
			}
			close(sw.events)
			runToCompletion(t, b)

			assert.Equal(t, tc.expected, rec.entries())
		})
	}
}

func TestCancelResetsNoProvidersAttempts(t *testing.T) {
	tf.UnitTest(t)
	rec := &recorder{}
	st := abortingStore{newFakeStore(rec)}
	sw := newFakeSwarm(rec)
	opts := DefaultOptions()
	opts.NoProviders = NoProvidersPolicy{Policy: config.NoProvidersFail, MaxAttempts: 2}
	b := newTestBridge(t, st, sw, opts)

	x := th.CidFromString(t, "x")
	ctx := context.Background()
	b.handleEvent(ctx, types.NoProviders{Cid: x})
	assert.Equal(t, 1, b.attempts[x])

	b.handleIntent(ctx, types.Cancel(x))
	assert.NotContains(t, b.attempts, x)

	b.handleEvent(ctx, types.NoProviders{Cid: x})
	assert.Equal(t, []string{want(x), cancelled(x), want(x)}, rec.entries())
}
