package net

import (
	"github.com/libp2p/go-libp2p-core/network"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

func (b *Behaviour) notifiee() network.Notifiee {
	return &network.NotifyBundle{
		ListenF: func(_ network.Network, addr ma.Multiaddr) {
			log.Infow("listening", "addr", addr)
			b.emitAsync(types.ListenAddrBound{Addr: addr})
		},
		ListenCloseF: func(_ network.Network, addr ma.Multiaddr) {
			log.Infow("listener closed", "addr", addr)
			b.emitAsync(types.ListenerClosed{Addrs: []ma.Multiaddr{addr}})
		},
		ConnectedF: func(_ network.Network, conn network.Conn) {
			b.sendWantlist(conn.RemotePeer())
		},
		DisconnectedF: func(n network.Network, conn network.Conn) {
			p := conn.RemotePeer()
			if n.Connectedness(p) != network.Connected {
				b.forgetPeer(p)
			}
		},
	}
}

// emitAsync emits ev off the caller's goroutine. libp2p waits for every
// notifiee before Listen returns, and nobody reads events until then.
func (b *Behaviour) emitAsync(ev types.Event) {
	b.spawn(func() { b.emit(ev) })
}
