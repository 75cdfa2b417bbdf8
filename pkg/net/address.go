package net

import (
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
)

// PeerAddrsToAddrInfo converts a slice of string peer addresses
// (multiaddr + p2p peer id) to AddrInfos. Several addresses of the same peer
// are merged into one entry.
func PeerAddrsToAddrInfo(addrs []string) ([]peer.AddrInfo, error) {
	mas := make([]ma.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		a, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid peer address %q", addr)
		}
		mas = append(mas, a)
	}
	pis, err := peer.AddrInfosFromP2pAddrs(mas...)
	if err != nil {
		return nil, errors.Wrap(err, "peer address without peer id")
	}
	return pis, nil
}
