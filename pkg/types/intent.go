package types

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

// IntentKind enumerates the local-interest transitions a store signals to
// the network layer.
type IntentKind int

const (
	// IntentWant asks the network for a block we do not hold.
	IntentWant IntentKind = iota
	// IntentCancel withdraws an earlier want.
	IntentCancel
	// IntentProvide announces that a block is available here.
	IntentProvide
	// IntentUnprovide withdraws an earlier announcement.
	IntentUnprovide
)

func (k IntentKind) String() string {
	switch k {
	case IntentWant:
		return "want"
	case IntentCancel:
		return "cancel"
	case IntentProvide:
		return "provide"
	case IntentUnprovide:
		return "unprovide"
	default:
		return fmt.Sprintf("intent(%d)", int(k))
	}
}

// Intent is a single store intent event. Intents are not persisted.
type Intent struct {
	Kind IntentKind
	Cid  cid.Cid
}

// Want returns a want intent for c.
func Want(c cid.Cid) Intent { return Intent{Kind: IntentWant, Cid: c} }

// Cancel returns a cancel intent for c.
func Cancel(c cid.Cid) Intent { return Intent{Kind: IntentCancel, Cid: c} }

// Provide returns a provide intent for c.
func Provide(c cid.Cid) Intent { return Intent{Kind: IntentProvide, Cid: c} }

// Unprovide returns an unprovide intent for c.
func Unprovide(c cid.Cid) Intent { return Intent{Kind: IntentUnprovide, Cid: c} }

func (i Intent) String() string {
	return fmt.Sprintf("%s(%s)", i.Kind, i.Cid)
}

// PublicCid is one entry of a public block enumeration. Each entry fails
// independently of the others.
type PublicCid struct {
	Cid cid.Cid
	Err error
}
