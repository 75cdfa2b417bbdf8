package store

import (
	"context"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

func metaKey(c cid.Cid) datastore.Key {
	return datastore.NewKey(c.String())
}

func cidFromKey(k string) (cid.Cid, error) {
	return cid.Decode(strings.TrimPrefix(k, "/"))
}

// loadMeta returns a private copy of the metadata of c. Caller holds lk.
func (s *Store) loadMeta(ctx context.Context, c cid.Cid) (*types.Metadata, error) {
	if v, ok := s.cache.Get(c); ok {
		return v.(*types.Metadata).Clone(), nil
	}
	raw, err := s.meta.Get(ctx, metaKey(c))
	if err == datastore.ErrNotFound {
		return &types.Metadata{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read metadata of %s", c)
	}
	m := new(types.Metadata)
	if err := m.UnmarshalBinary(raw); err != nil {
		return nil, errors.Wrapf(err, "metadata of %s", c)
	}
	s.cache.Add(c, m.Clone())
	return m, nil
}

// saveMeta persists m. Records of stored blocks are always kept since they
// double as the index of stored cids. Caller holds lk.
func (s *Store) saveMeta(ctx context.Context, c cid.Cid, m *types.Metadata, present bool) error {
	if !present && m.Empty() {
		s.cache.Remove(c)
		if err := s.meta.Delete(ctx, metaKey(c)); err != nil {
			return errors.Wrapf(err, "failed to delete metadata of %s", c)
		}
		return nil
	}
	raw, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.meta.Put(ctx, metaKey(c), raw); err != nil {
		return errors.Wrapf(err, "failed to write metadata of %s", c)
	}
	s.cache.Add(c, m.Clone())
	return nil
}

// Blocks enumerates the cids of stored blocks.
func (s *Store) Blocks(ctx context.Context) (<-chan cid.Cid, error) {
	res, err := s.meta.Query(ctx, query.Query{KeysOnly: true})
	if err != nil {
		return nil, err
	}

	out := make(chan cid.Cid)
	go func() {
		defer close(out)
		defer res.Close() // nolint: errcheck
		for r := range res.Next() {
			if r.Error != nil {
				log.Errorw("failed to enumerate metadata", "err", r.Error)
				return
			}
			c, err := cidFromKey(r.Key)
			if err != nil {
				log.Errorw("invalid metadata key", "key", r.Key, "err", err)
				continue
			}
			has, err := s.bs.Has(ctx, c)
			if err != nil {
				log.Errorw("failed to check block presence", "cid", c, "err", err)
				continue
			}
			if !has {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// PublicCids enumerates stored public blocks. Every entry that cannot be
// read is reported on its own and the enumeration goes on.
func (s *Store) PublicCids(ctx context.Context) <-chan types.PublicCid {
	out := make(chan types.PublicCid)
	go func() {
		defer close(out)
		emit := func(p types.PublicCid) bool {
			select {
			case out <- p:
				return true
			case <-ctx.Done():
				return false
			}
		}

		res, err := s.meta.Query(ctx, query.Query{})
		if err != nil {
			emit(types.PublicCid{Err: errors.Wrap(err, "failed to query metadata")})
			return
		}
		defer res.Close() // nolint: errcheck

		for r := range res.Next() {
			if r.Error != nil {
				if !emit(types.PublicCid{Err: r.Error}) {
					return
				}
				continue
			}
			c, err := cidFromKey(r.Key)
			if err != nil {
				if !emit(types.PublicCid{Err: errors.Wrapf(err, "invalid metadata key %s", r.Key)}) {
					return
				}
				continue
			}
			var m types.Metadata
			if err := m.UnmarshalBinary(r.Value); err != nil {
				if !emit(types.PublicCid{Cid: c, Err: err}) {
					return
				}
				continue
			}
			if !m.Public {
				continue
			}
			has, err := s.bs.Has(ctx, c)
			if err != nil {
				if !emit(types.PublicCid{Cid: c, Err: err}) {
					return
				}
				continue
			}
			if has && !emit(types.PublicCid{Cid: c}) {
				return
			}
		}
	}()
	return out
}

// GC removes every stored block that is dead, then every block that became
// dead because of those removals. It returns the number of removed blocks.
func (s *Store) GC(ctx context.Context) (int, error) {
	candidates, err := s.deadBlocks(ctx)
	if err != nil {
		return 0, err
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return 0, ErrClosed
	}

	var intents []types.Intent
	removed := 0
	for len(candidates) > 0 {
		c := candidates[0]
		candidates = candidates[1:]

		has, err := s.bs.Has(ctx, c)
		if err != nil {
			s.unlockAndPublish(intents)
			return removed, err
		}
		m, err := s.loadMeta(ctx, c)
		if err != nil {
			s.unlockAndPublish(intents)
			return removed, err
		}
		if !has || m.Live() || len(s.waiters[c]) > 0 {
			continue
		}

		if err := s.bs.DeleteBlock(ctx, c); err != nil {
			s.unlockAndPublish(intents)
			return removed, errors.Wrapf(err, "failed to delete block %s", c)
		}
		removed++
		if m.Public {
			intents = append(intents, types.Unprovide(c))
		}
		refs := m.Refs
		if err := s.saveMeta(ctx, c, &types.Metadata{}, false); err != nil {
			s.unlockAndPublish(intents)
			return removed, err
		}

		for _, ref := range refs {
			refIntents, err := s.adjustReferers(ctx, ref, -1)
			if err != nil {
				s.unlockAndPublish(intents)
				return removed, err
			}
			intents = append(intents, refIntents...)
			rm, err := s.loadMeta(ctx, ref)
			if err != nil {
				s.unlockAndPublish(intents)
				return removed, err
			}
			if rm.Dead() {
				candidates = append(candidates, ref)
			}
		}
	}

	log.Infow("garbage collection finished", "removed", removed)
	s.unlockAndPublish(intents)
	return removed, nil
}

func (s *Store) deadBlocks(ctx context.Context) ([]cid.Cid, error) {
	res, err := s.meta.Query(ctx, query.Query{})
	if err != nil {
		return nil, err
	}
	defer res.Close() // nolint: errcheck

	var dead []cid.Cid
	for r := range res.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		c, err := cidFromKey(r.Key)
		if err != nil {
			return nil, err
		}
		var m types.Metadata
		if err := m.UnmarshalBinary(r.Value); err != nil {
			return nil, errors.Wrapf(err, "metadata of %s", c)
		}
		if m.Dead() {
			dead = append(dead, c)
		}
	}
	return dead, nil
}

// Rewant publishes Want for every live block that is not stored. Wants
// recorded while nobody was subscribed, by an earlier process for instance,
// reach the network this way. It returns how many intents were published.
func (s *Store) Rewant(ctx context.Context) (int, error) {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return 0, ErrClosed
	}
	missing, err := s.missingBlocks(ctx)
	if err != nil {
		s.lk.Unlock()
		return 0, err
	}
	intents := make([]types.Intent, 0, len(missing))
	for _, c := range missing {
		intents = append(intents, types.Want(c))
	}
	s.unlockAndPublish(intents)
	return len(intents), nil
}

func (s *Store) missingBlocks(ctx context.Context) ([]cid.Cid, error) {
	res, err := s.meta.Query(ctx, query.Query{})
	if err != nil {
		return nil, err
	}
	defer res.Close() // nolint: errcheck

	var missing []cid.Cid
	for r := range res.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		c, err := cidFromKey(r.Key)
		if err != nil {
			return nil, err
		}
		var m types.Metadata
		if err := m.UnmarshalBinary(r.Value); err != nil {
			return nil, errors.Wrapf(err, "metadata of %s", c)
		}
		if !m.Live() {
			continue
		}
		has, err := s.bs.Has(ctx, c)
		if err != nil {
			return nil, err
		}
		if !has {
			missing = append(missing, c)
		}
	}
	return missing, nil
}
