package net

import (
	"context"
	"io"
	"time"

	bsmsg "github.com/ipfs/go-bitswap/message"
	pb "github.com/ipfs/go-bitswap/message/pb"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/libp2p/go-msgio"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

// Protocols spoken on the wire, newest first. Both use the same framing.
var protocols = []protocol.ID{
	"/ipfs/bitswap/1.2.0",
	"/ipfs/bitswap/1.1.0",
}

const sendTimeout = 30 * time.Second

// Want adds c to the wantlist, broadcasts it to connected peers and looks for
// providers. A provider query already in flight for c is left alone.
func (b *Behaviour) Want(c cid.Cid, priority int32) {
	b.lk.Lock()
	b.wants[c] = priority
	q := b.startQueryLocked(c)
	b.lk.Unlock()

	msg := bsmsg.New(false)
	msg.AddEntry(c, priority, pb.Message_Wantlist_Block, false)
	b.broadcast(msg)

	if q != nil && !b.spawn(func() { b.findProviders(q, c) }) {
		q.cancel()
	}
}

// Cancel removes c from the wantlist, stops its provider query and tells
// connected peers. Cancelling a cid that is not wanted does nothing.
func (b *Behaviour) Cancel(c cid.Cid) {
	b.lk.Lock()
	_, wanted := b.wants[c]
	delete(b.wants, c)
	if q, ok := b.queries[c]; ok {
		q.cancel()
		delete(b.queries, c)
	}
	b.lk.Unlock()
	if !wanted {
		return
	}

	msg := bsmsg.New(false)
	msg.Cancel(c)
	b.broadcast(msg)
}

// Send pushes a block to p.
func (b *Behaviour) Send(p peer.ID, c cid.Cid, data []byte) {
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		log.Errorw("failed to build block", "cid", c, "err", err)
		return
	}
	b.lk.Lock()
	b.removeLedgerLocked(c, p)
	b.lk.Unlock()

	msg := bsmsg.New(false)
	msg.AddBlock(blk)
	b.sendAsync(p, msg)
}

func (b *Behaviour) broadcast(msg bsmsg.BitSwapMessage) {
	for _, p := range b.host.Network().Peers() {
		b.sendAsync(p, msg)
	}
}

func (b *Behaviour) sendWantlist(p peer.ID) {
	b.lk.Lock()
	if len(b.wants) == 0 {
		b.lk.Unlock()
		return
	}
	msg := bsmsg.New(true)
	for c, prio := range b.wants {
		msg.AddEntry(c, prio, pb.Message_Wantlist_Block, false)
	}
	b.lk.Unlock()
	b.sendAsync(p, msg)
}

func (b *Behaviour) sendAsync(p peer.ID, msg bsmsg.BitSwapMessage) {
	b.spawn(func() {
		if err := b.sendMessage(p, msg); err != nil {
			log.Debugw("failed to send message", "peer", p, "err", err)
		}
	})
}

func (b *Behaviour) sendMessage(p peer.ID, msg bsmsg.BitSwapMessage) error {
	ctx, cancel := context.WithTimeout(b.ctx, sendTimeout)
	defer cancel()

	s, err := b.host.NewStream(ctx, p, protocols...)
	if err != nil {
		return errors.Wrap(err, "failed to open stream")
	}
	if err := s.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		log.Debugw("failed to set write deadline", "peer", p, "err", err)
	}
	if err := msg.ToNetV1(s); err != nil {
		_ = s.Reset()
		return errors.Wrap(err, "failed to write message")
	}
	return s.Close()
}

func (b *Behaviour) handleStream(s network.Stream) {
	defer s.Close() // nolint: errcheck

	p := s.Conn().RemotePeer()
	reader := msgio.NewVarintReaderSize(s, network.MessageSizeMax)
	for {
		msg, err := bsmsg.FromMsgReader(reader)
		if err != nil {
			if err != io.EOF {
				_ = s.Reset()
				log.Debugw("failed to read message", "peer", p, "err", err)
			}
			return
		}
		b.handleMessage(p, msg)
	}
}

// handleMessage turns blocks we want into ReceivedBlock and want entries
// into ReceivedWant. Unsolicited blocks are dropped.
func (b *Behaviour) handleMessage(p peer.ID, msg bsmsg.BitSwapMessage) {
	for _, blk := range msg.Blocks() {
		c := blk.Cid()
		b.lk.Lock()
		_, wanted := b.wants[c]
		if q, ok := b.queries[c]; ok && wanted {
			q.cancel()
			delete(b.queries, c)
		}
		b.lk.Unlock()
		if !wanted {
			log.Debugw("dropping unsolicited block", "peer", p, "cid", c)
			continue
		}
		b.emit(types.ReceivedBlock{Peer: p, Cid: c, Data: blk.RawData()})
	}

	for _, e := range msg.Wantlist() {
		b.lk.Lock()
		if e.Cancel {
			b.removeLedgerLocked(e.Cid, p)
			b.lk.Unlock()
			continue
		}
		peers, ok := b.ledger[e.Cid]
		if !ok {
			peers = make(map[peer.ID]struct{})
			b.ledger[e.Cid] = peers
		}
		peers[p] = struct{}{}
		b.lk.Unlock()
		// peers waiting on us are trimmed last
		b.host.ConnManager().TagPeer(p, wantTag, wantTagValue)
		b.emit(types.ReceivedWant{Peer: p, Cid: e.Cid})
	}
}

func (b *Behaviour) removeLedgerLocked(c cid.Cid, p peer.ID) {
	peers, ok := b.ledger[c]
	if !ok {
		return
	}
	delete(peers, p)
	if len(peers) == 0 {
		delete(b.ledger, c)
	}
}

func (b *Behaviour) forgetPeer(p peer.ID) {
	b.lk.Lock()
	defer b.lk.Unlock()
	for c := range b.ledger {
		b.removeLedgerLocked(c, p)
	}
}
