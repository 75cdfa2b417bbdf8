package net

import (
	"os"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/metrics"
	mplex "github.com/libp2p/go-libp2p-mplex"
	noise "github.com/libp2p/go-libp2p-noise"
	yamux "github.com/libp2p/go-libp2p-yamux"
	tcp "github.com/libp2p/go-tcp-transport"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
)

const userAgent = "blockbridge"

// buildHost creates a host that does not listen anywhere yet. Connections run
// over tcp, are authenticated with noise and multiplexed with yamux or mplex.
func buildHost(priv crypto.PrivKey, cfg *config.SwarmConfig, bwc metrics.Reporter, addrs func([]ma.Multiaddr) []ma.Multiaddr) (host.Host, error) {
	cmgr, err := NewConnectMgr(cfg.ConnMgrLow, cfg.ConnMgrHigh, time.Duration(cfg.ConnMgrGrace))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection manager")
	}
	return libp2p.New(
		libp2p.Identity(priv),
		libp2p.NoListenAddrs,
		libp2p.UserAgent(userAgent),
		libp2p.Transport(tcp.NewTCPTransport, tcp.WithConnectionTimeout(time.Duration(cfg.HandshakeTimeout))),
		libp2p.Security(noise.ID, noise.New),
		makeSmuxTransportOption(),
		libp2p.Muxer("/mplex/6.7.0", mplex.DefaultTransport),
		libp2p.AddrsFactory(addrs),
		libp2p.ConnectionManager(cmgr),
		libp2p.BandwidthReporter(bwc),
		libp2p.Ping(true),
		libp2p.DisableRelay(),
	)
}

func makeSmuxTransportOption() libp2p.Option {
	const yamuxID = "/yamux/1.0.0"

	ymxtpt := *yamux.DefaultTransport
	ymxtpt.AcceptBacklog = 512

	if os.Getenv("YAMUX_DEBUG") != "" {
		ymxtpt.LogOutput = os.Stderr
	}

	return libp2p.Muxer(yamuxID, &ymxtpt)
}
