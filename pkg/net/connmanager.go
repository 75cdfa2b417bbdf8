package net

import (
	"time"

	connmgr "github.com/libp2p/go-libp2p-connmgr"
	coreconnmgr "github.com/libp2p/go-libp2p-core/connmgr"
)

const (
	wantTag      = "bitswap-want"
	wantTagValue = 10
)

// NewConnectMgr trims connections down to low once more than high are open.
func NewConnectMgr(low, high int, grace time.Duration) (coreconnmgr.ConnManager, error) {
	return connmgr.NewConnManager(low, high, connmgr.WithGracePeriod(grace))
}
