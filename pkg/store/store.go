// Package store is a reference-counted, content-addressed block store. Every
// change in local interest (a block becoming wanted, unwanted, advertisable or
// withdrawn) is published as an intent to subscribers.
package store

import (
	"context"
	"sync"

	"github.com/filecoin-project/pubsub"
	lru "github.com/hashicorp/golang-lru"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
	"github.com/ipfs-force-community/blockbridge/pkg/ipld"
	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

var log = logging.Logger("store")

var (
	// ErrNotPinned is returned when unpinning a block without pins.
	ErrNotPinned = errors.New("block is not pinned")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
	// ErrHashMismatch is returned when a block's data does not hash to its cid.
	ErrHashMismatch = errors.New("block data does not match cid")
)

const intentTopic = "intents"

var metaPrefix = datastore.NewKey("/meta")

type getResult struct {
	blk blocks.Block
	err error
}

// Store keeps blocks in a blockstore and their metadata in a namespace of
// the same datastore.
//
// A block is wanted while it is missing and something needs it: a pin, a
// stored block linking to it, or a pending Get. Transitions into and out of
// that state publish Want and Cancel. Stored public blocks publish Provide
// when they arrive and Unprovide when they are withdrawn or collected.
type Store struct {
	bs    blockstore.Blockstore
	meta  datastore.Batching
	cache *lru.Cache

	// lk guards metadata read-modify-write cycles and waiters.
	lk      sync.Mutex
	waiters map[cid.Cid][]chan getResult
	closed  bool
	closing chan struct{}

	// pubLk keeps intents in the order their state changes happened
	// without holding lk while subscribers catch up.
	pubLk sync.Mutex
	ps    *pubsub.PubSub
}

// New builds a store on top of ds.
func New(ds datastore.Batching, cfg *config.StoreConfig) (*Store, error) {
	cache, err := lru.New(cfg.MetadataCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create metadata cache")
	}
	bufSize := cfg.IntentBuffer
	if bufSize <= 0 {
		bufSize = 1
	}
	return &Store{
		bs:      blockstore.NewBlockstore(ds),
		meta:    namespace.Wrap(ds, metaPrefix),
		cache:   cache,
		waiters: make(map[cid.Cid][]chan getResult),
		closing: make(chan struct{}),
		ps:      pubsub.New(bufSize),
	}, nil
}

// SubscribeIntents returns the stream of intents published from now on. The
// stream is closed when the store closes. Delivery never blocks publishers:
// intents queue up in the subscription until the reader catches up.
func (s *Store) SubscribeIntents() <-chan types.Intent {
	out := make(chan types.Intent)

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		close(out)
		return out
	}
	s.pubLk.Lock()
	s.lk.Unlock()
	raw := s.ps.Sub(intentTopic)
	s.pubLk.Unlock()

	go func() {
		defer close(out)
		var queue []types.Intent
		in := raw
		closing := s.closing
		for in != nil || len(queue) > 0 {
			var send chan<- types.Intent
			var next types.Intent
			if len(queue) > 0 {
				send = out
				next = queue[0]
			}
			select {
			case msg, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if closing != nil {
					queue = append(queue, msg.(types.Intent))
				}
			case send <- next:
				queue = queue[1:]
			case <-closing:
				// keep draining until shutdown closes the subscription
				closing = nil
				queue = nil
			}
		}
	}()
	return out
}

// Has reports whether the block is stored locally.
func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return s.bs.Has(ctx, c)
}

// GetLocal returns the block if it is stored locally. A missing block is not
// an error.
func (s *Store) GetLocal(ctx context.Context, c cid.Cid) (blocks.Block, bool, error) {
	blk, err := s.bs.Get(ctx, c)
	if err == blockstore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read block %s", c)
	}
	return blk, true, nil
}

// Get returns the block, waiting for it to arrive from the network if it is
// not stored locally.
func (s *Store) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if blk, ok, err := s.GetLocal(ctx, c); err != nil || ok {
		return blk, err
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return nil, ErrClosed
	}
	// the block may have arrived since the unlocked check
	if blk, ok, err := s.GetLocal(ctx, c); err != nil || ok {
		s.lk.Unlock()
		return blk, err
	}
	m, err := s.loadMeta(ctx, c)
	if err != nil {
		s.lk.Unlock()
		return nil, err
	}
	before := s.wanted(c, m, false)
	ch := make(chan getResult, 1)
	s.waiters[c] = append(s.waiters[c], ch)
	intents := transition(c, before, s.wanted(c, m, false))
	s.unlockAndPublish(intents)

	select {
	case res := <-ch:
		return res.blk, res.err
	case <-ctx.Done():
		s.dropWaiter(c, ch)
		return nil, ctx.Err()
	}
}

func (s *Store) dropWaiter(c cid.Cid, ch chan getResult) {
	ctx := context.Background()
	s.lk.Lock()
	present, err := s.bs.Has(ctx, c)
	if err != nil {
		log.Errorw("failed to check block presence", "cid", c, "err", err)
	}
	m, err := s.loadMeta(ctx, c)
	if err != nil {
		log.Errorw("failed to load metadata", "cid", c, "err", err)
		m = &types.Metadata{}
	}
	before := s.wanted(c, m, present)
	s.removeWaiter(c, ch)
	s.unlockAndPublish(transition(c, before, s.wanted(c, m, present)))
}

func (s *Store) removeWaiter(c cid.Cid, ch chan getResult) {
	ws := s.waiters[c]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(s.waiters, c)
	} else {
		s.waiters[c] = ws
	}
}

// AbortWant fails every pending Get for c with reason.
func (s *Store) AbortWant(c cid.Cid, reason error) {
	ctx := context.Background()
	s.lk.Lock()
	ws := s.waiters[c]
	if len(ws) == 0 {
		s.lk.Unlock()
		return
	}
	m, err := s.loadMeta(ctx, c)
	if err != nil {
		log.Errorw("failed to load metadata", "cid", c, "err", err)
		m = &types.Metadata{}
	}
	before := s.wanted(c, m, false)
	delete(s.waiters, c)
	for _, w := range ws {
		w <- getResult{err: reason}
	}
	log.Infow("aborted pending retrieval", "cid", c, "waiters", len(ws), "reason", reason)
	s.unlockAndPublish(transition(c, before, s.wanted(c, m, false)))
}

// Insert stores a block. The data must hash to the block's cid. Inserting a
// block that is already stored is a noop.
func (s *Store) Insert(ctx context.Context, blk blocks.Block) error {
	c := blk.Cid()
	sum, err := c.Prefix().Sum(blk.RawData())
	if err != nil {
		return errors.Wrapf(err, "failed to hash block %s", c)
	}
	if !sum.Equals(c) {
		return errors.Wrapf(ErrHashMismatch, "block %s", c)
	}
	links, err := ipld.Links(blk)
	if err != nil {
		return errors.Wrapf(err, "failed to decode links of %s", c)
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return ErrClosed
	}
	has, err := s.bs.Has(ctx, c)
	if err != nil {
		s.lk.Unlock()
		return err
	}
	if has {
		s.lk.Unlock()
		return nil
	}

	m, err := s.loadMeta(ctx, c)
	if err != nil {
		s.lk.Unlock()
		return err
	}
	var intents []types.Intent
	wasWanted := s.wanted(c, m, false)

	if err := s.bs.Put(ctx, blk); err != nil {
		s.lk.Unlock()
		return errors.Wrapf(err, "failed to put block %s", c)
	}
	m.Refs = links
	if err := s.saveMeta(ctx, c, m, true); err != nil {
		s.lk.Unlock()
		return err
	}

	for _, ref := range links {
		refIntents, err := s.adjustReferers(ctx, ref, 1)
		if err != nil {
			s.lk.Unlock()
			return err
		}
		intents = append(intents, refIntents...)
	}

	if wasWanted {
		intents = append(intents, types.Cancel(c))
	}
	if m.Public {
		intents = append(intents, types.Provide(c))
	}
	for _, w := range s.waiters[c] {
		w <- getResult{blk: blk}
	}
	delete(s.waiters, c)

	log.Debugw("inserted block", "cid", c, "refs", len(links))
	s.unlockAndPublish(intents)
	return nil
}

// adjustReferers changes the referer count of c by delta. Caller holds lk.
func (s *Store) adjustReferers(ctx context.Context, c cid.Cid, delta int) ([]types.Intent, error) {
	present, err := s.bs.Has(ctx, c)
	if err != nil {
		return nil, err
	}
	m, err := s.loadMeta(ctx, c)
	if err != nil {
		return nil, err
	}
	before := s.wanted(c, m, present)
	if delta < 0 && m.Referers == 0 {
		log.Warnw("referer count underflow", "cid", c)
	} else if delta < 0 {
		m.Referers--
	} else {
		m.Referers++
	}
	if err := s.saveMeta(ctx, c, m, present); err != nil {
		return nil, err
	}
	return transition(c, before, s.wanted(c, m, present)), nil
}

// Pin adds a retention request for c. Pinning a missing block wants it.
func (s *Store) Pin(ctx context.Context, c cid.Cid) error {
	return s.update(ctx, c, func(m *types.Metadata, present bool) ([]types.Intent, error) {
		m.Pins++
		return nil, nil
	})
}

// Unpin removes a retention request for c.
func (s *Store) Unpin(ctx context.Context, c cid.Cid) error {
	return s.update(ctx, c, func(m *types.Metadata, present bool) ([]types.Intent, error) {
		if m.Pins == 0 {
			return nil, errors.Wrapf(ErrNotPinned, "unpin %s", c)
		}
		m.Pins--
		return nil, nil
	})
}

// SetPublic flips the public flag of c. A stored block is provided when it
// becomes public and unprovided when it stops being public.
func (s *Store) SetPublic(ctx context.Context, c cid.Cid, public bool) error {
	return s.update(ctx, c, func(m *types.Metadata, present bool) ([]types.Intent, error) {
		if m.Public == public {
			return nil, nil
		}
		m.Public = public
		if !present {
			return nil, nil
		}
		if public {
			return []types.Intent{types.Provide(c)}, nil
		}
		return []types.Intent{types.Unprovide(c)}, nil
	})
}

func (s *Store) update(ctx context.Context, c cid.Cid, fn func(*types.Metadata, bool) ([]types.Intent, error)) error {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return ErrClosed
	}
	present, err := s.bs.Has(ctx, c)
	if err != nil {
		s.lk.Unlock()
		return err
	}
	m, err := s.loadMeta(ctx, c)
	if err != nil {
		s.lk.Unlock()
		return err
	}
	before := s.wanted(c, m, present)
	intents, err := fn(m, present)
	if err != nil {
		s.lk.Unlock()
		return err
	}
	if err := s.saveMeta(ctx, c, m, present); err != nil {
		s.lk.Unlock()
		return err
	}
	intents = append(transition(c, before, s.wanted(c, m, present)), intents...)
	s.unlockAndPublish(intents)
	return nil
}

// Metadata returns the metadata of c. Unknown cids have zero metadata.
func (s *Store) Metadata(ctx context.Context, c cid.Cid) (*types.Metadata, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.loadMeta(ctx, c)
}

// Close fails pending Gets and closes every intent subscription.
func (s *Store) Close() error {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return nil
	}
	s.closed = true
	for c, ws := range s.waiters {
		for _, w := range ws {
			w <- getResult{err: ErrClosed}
		}
		delete(s.waiters, c)
	}
	close(s.closing)
	s.pubLk.Lock()
	s.lk.Unlock()
	defer s.pubLk.Unlock()
	s.ps.Shutdown()
	return nil
}

// wanted reports whether c should be requested from the network. Caller holds lk.
func (s *Store) wanted(c cid.Cid, m *types.Metadata, present bool) bool {
	if present {
		return false
	}
	return m.Pins > 0 || m.Referers > 0 || len(s.waiters[c]) > 0
}

func transition(c cid.Cid, before, after bool) []types.Intent {
	switch {
	case !before && after:
		return []types.Intent{types.Want(c)}
	case before && !after:
		return []types.Intent{types.Cancel(c)}
	default:
		return nil
	}
}

// unlockAndPublish releases lk and publishes intents in order.
func (s *Store) unlockAndPublish(intents []types.Intent) {
	closed := s.closed
	s.pubLk.Lock()
	s.lk.Unlock()
	defer s.pubLk.Unlock()
	if closed {
		return
	}
	for _, in := range intents {
		log.Debugw("publishing intent", "kind", in.Kind, "cid", in.Cid)
		s.ps.Pub(in, intentTopic)
	}
}
