package exchange

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
)

// PeerChooser picks the provider to connect to.
type PeerChooser interface {
	Choose(peers []peer.ID) (peer.ID, bool)
}

// FirstPeer picks the first provider.
type FirstPeer struct{}

// Choose implements PeerChooser.
func (FirstPeer) Choose(peers []peer.ID) (peer.ID, bool) {
	if len(peers) == 0 {
		return "", false
	}
	return peers[0], true
}

// RandomPeer picks a provider uniformly at random.
type RandomPeer struct {
	lk  sync.Mutex
	rnd *rand.Rand
}

// NewRandomPeer returns a RandomPeer seeded from the clock.
func NewRandomPeer() *RandomPeer {
	return &RandomPeer{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Choose implements PeerChooser.
func (r *RandomPeer) Choose(peers []peer.ID) (peer.ID, bool) {
	if len(peers) == 0 {
		return "", false
	}
	r.lk.Lock()
	defer r.lk.Unlock()
	return peers[r.rnd.Intn(len(peers))], true
}

// NewPeerChooser returns the chooser configured under name.
func NewPeerChooser(name string) (PeerChooser, error) {
	switch name {
	case config.PeerSelectionFirst, "":
		return FirstPeer{}, nil
	case config.PeerSelectionRandom:
		return NewRandomPeer(), nil
	default:
		return nil, errors.Errorf("unknown peer selection strategy %q", name)
	}
}

// NoProvidersPolicy decides what to do with a want nobody can serve.
type NoProvidersPolicy struct {
	// Policy is one of config.NoProvidersFail, NoProvidersRetry or
	// NoProvidersIgnore.
	Policy string
	// MaxAttempts bounds the provider queries of the fail policy.
	MaxAttempts int
}

// attempts counts NoProviders notifications per cid. Entries are dropped as
// soon as the want is resolved, cancelled or aborted.
type attempts map[cid.Cid]int

func (a attempts) inc(c cid.Cid) int {
	a[c]++
	return a[c]
}

func (a attempts) reset(c cid.Cid) {
	delete(a, c)
}
