package net

import (
	"context"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	offroute "github.com/ipfs/go-ipfs-routing/offline"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/peerstore"
	"github.com/libp2p/go-libp2p-core/routing"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

type providerQuery struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// startQueryLocked registers a provider query for c unless one is running.
// Caller holds lk.
func (b *Behaviour) startQueryLocked(c cid.Cid) *providerQuery {
	if _, running := b.queries[c]; running || b.isClosed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.queryTimeout)
	q := &providerQuery{ctx: ctx, cancel: cancel}
	b.queries[c] = q
	return q
}

// findProviders collects up to maxProviders providers of c and reports them
// with a single Providers or NoProviders event. Nothing is reported when the
// want was cancelled or satisfied meanwhile.
func (b *Behaviour) findProviders(q *providerQuery, c cid.Cid) {
	defer q.cancel()

	var found []peer.ID
	seen := make(map[peer.ID]struct{})
	for pi := range b.router.FindProvidersAsync(q.ctx, c, b.maxProviders) {
		if pi.ID == b.host.ID() {
			continue
		}
		if _, dup := seen[pi.ID]; dup {
			continue
		}
		seen[pi.ID] = struct{}{}
		if len(pi.Addrs) > 0 {
			b.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)
		}
		found = append(found, pi.ID)
	}
	if q.ctx.Err() == context.Canceled {
		return
	}

	b.lk.Lock()
	if b.queries[c] == q {
		delete(b.queries, c)
	}
	_, wanted := b.wants[c]
	b.lk.Unlock()
	if !wanted {
		return
	}

	if len(found) == 0 {
		log.Debugw("no providers found", "cid", c)
		b.emit(types.NoProviders{Cid: c})
		return
	}
	log.Debugw("providers found", "cid", c, "count", len(found))
	b.emit(types.Providers{Cid: c, Peers: found})
}

// Provide advertises c through content routing and keeps reproviding it.
// The announcement runs in the background.
func (b *Behaviour) Provide(c cid.Cid) error {
	b.lk.Lock()
	if b.isClosed() {
		b.lk.Unlock()
		return ErrClosed
	}
	b.provided[c] = struct{}{}
	b.lk.Unlock()

	b.spawn(func() { b.announce(c) })
	return nil
}

// ProvideAndSend provides c and pushes its data to every peer that asked for
// it.
func (b *Behaviour) ProvideAndSend(c cid.Cid, data []byte) error {
	if err := b.Provide(c); err != nil {
		return err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return errors.Wrapf(err, "failed to build block %s", c)
	}

	b.lk.Lock()
	peers := b.ledger[c]
	delete(b.ledger, c)
	b.lk.Unlock()

	for p := range peers {
		b.Send(p, blk.Cid(), blk.RawData())
	}
	return nil
}

// Unprovide stops reproviding c. Routing records expire on their own.
func (b *Behaviour) Unprovide(c cid.Cid) {
	b.lk.Lock()
	delete(b.provided, c)
	b.lk.Unlock()
}

func (b *Behaviour) announce(c cid.Cid) {
	ctx, cancel := context.WithTimeout(b.ctx, b.queryTimeout)
	defer cancel()
	err := b.router.Provide(ctx, c, true)
	switch {
	case err == nil:
		log.Debugw("provided", "cid", c)
	case err == offroute.ErrOffline, err == routing.ErrNotSupported:
		log.Debugw("provide skipped", "cid", c, "err", err)
	default:
		log.Warnw("failed to provide", "cid", c, "err", err)
	}
}

func (b *Behaviour) reprovider() {
	ticker := time.NewTicker(b.reprovide)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-b.closing:
			return
		}

		b.lk.Lock()
		cids := make([]cid.Cid, 0, len(b.provided))
		for c := range b.provided {
			cids = append(cids, c)
		}
		b.lk.Unlock()

		log.Infow("reproviding", "count", len(cids))
		for _, c := range cids {
			if b.isClosed() {
				return
			}
			b.announce(c)
		}
	}
}
