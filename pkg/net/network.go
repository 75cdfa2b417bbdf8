package net

import (
	"sort"
	"time"

	"github.com/libp2p/go-libp2p-core/metrics"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// ConnInfo describes an open connection.
type ConnInfo struct {
	Peer    peer.ID
	Addr    ma.Multiaddr
	Latency time.Duration
	Streams []protocol.ID
}

// Peers lists open connections ordered by peer id.
func (b *Behaviour) Peers() []ConnInfo {
	conns := b.host.Network().Conns()
	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		pid := c.RemotePeer()
		ci := ConnInfo{
			Peer:    pid,
			Addr:    c.RemoteMultiaddr(),
			Latency: b.host.Peerstore().LatencyEWMA(pid),
		}
		for _, s := range c.GetStreams() {
			ci.Streams = append(ci.Streams, s.Protocol())
		}
		sort.Slice(ci.Streams, func(i, j int) bool { return ci.Streams[i] < ci.Streams[j] })
		out = append(out, ci)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// BandwidthStats gets stats on the traffic of the host so far.
func (b *Behaviour) BandwidthStats() metrics.Stats {
	return b.bwc.GetBandwidthTotals()
}

// Disconnect closes every connection to p.
func (b *Behaviour) Disconnect(p peer.ID) error {
	return b.host.Network().ClosePeer(p)
}
