package repo

import (
	"github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p-core/crypto"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
)

// Version is the version of the repo layout this build reads and writes.
const Version uint = 1

// Datastore is the datastore interface provided by the repo
type Datastore interface {
	// NB: there are other more featureful interfaces we could require here, we
	// can either force it, or just do hopeful type checks. Not all datastores
	// implement every feature.
	datastore.Batching
}

// Repo is a representation of all persistent data of a node.
type Repo interface {
	Config() *config.Config
	// ReplaceConfig replaces the current config, with the newly passed in one.
	ReplaceConfig(cfg *config.Config) error

	// Datastore holds blocks and block metadata.
	Datastore() Datastore

	// Identity is the libp2p key of the node.
	Identity() (crypto.PrivKey, error)

	// Version returns the current repo version.
	Version() uint

	// Path returns the repo path.
	Path() (string, error)

	// Close shuts down the repo.
	Close() error
}
