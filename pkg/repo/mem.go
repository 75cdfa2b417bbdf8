package repo

import (
	"sync"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p-core/crypto"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
)

// MemRepo is an in memory implementation of the repo
type MemRepo struct {
	lk  sync.Mutex
	C   *config.Config
	D   Datastore
	key crypto.PrivKey
}

var _ Repo = (*MemRepo)(nil)

// NewInMemoryRepo makes a new one of these
func NewInMemoryRepo() *MemRepo {
	cfg := config.NewDefaultConfig()
	cfg.Datastore.Type = "memory"
	cfg.Swarm.ListenAddresses = []string{"/ip4/127.0.0.1/tcp/0"}
	return &MemRepo{
		C: cfg,
		D: dssync.MutexWrap(datastore.NewMapDatastore()),
	}
}

// Config returns the configuration object
func (mr *MemRepo) Config() *config.Config {
	mr.lk.Lock()
	defer mr.lk.Unlock()
	return mr.C
}

// ReplaceConfig replaces the current config with the newly passed in one.
func (mr *MemRepo) ReplaceConfig(cfg *config.Config) error {
	mr.lk.Lock()
	defer mr.lk.Unlock()
	mr.C = cfg
	return nil
}

// Datastore returns the datastore
func (mr *MemRepo) Datastore() Datastore {
	return mr.D
}

// Identity returns a key generated on first use.
func (mr *MemRepo) Identity() (crypto.PrivKey, error) {
	mr.lk.Lock()
	defer mr.lk.Unlock()
	if mr.key == nil {
		key, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
		if err != nil {
			return nil, err
		}
		mr.key = key
	}
	return mr.key, nil
}

// Version returns the version of the repo.
func (mr *MemRepo) Version() uint {
	return Version
}

// Path returns the empty path; a MemRepo lives nowhere.
func (mr *MemRepo) Path() (string, error) {
	return "", nil
}

// Close is a noop.
func (mr *MemRepo) Close() error {
	return nil
}
