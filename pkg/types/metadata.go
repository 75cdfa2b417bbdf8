package types

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// Metadata is the per-CID bookkeeping of the block store.
type Metadata struct {
	// Pins counts explicit local retention requests.
	Pins uint64
	// Referers counts stored blocks that link to this CID.
	Referers uint64
	// Refs are the CIDs this block links to, in link order, without duplicates.
	Refs []cid.Cid
	// Public marks the block as eligible for network advertisement.
	Public bool
}

// Pinned reports whether the block is explicitly retained.
func (m *Metadata) Pinned() bool { return m.Pins > 0 }

// Live reports whether anything keeps the block alive.
func (m *Metadata) Live() bool { return m.Referers > 0 || m.Pins > 0 }

// Dead reports whether the block is collectable.
func (m *Metadata) Dead() bool { return !m.Live() }

// Empty reports whether the record carries no information worth persisting.
func (m *Metadata) Empty() bool {
	return m.Pins == 0 && m.Referers == 0 && len(m.Refs) == 0 && !m.Public
}

type metadataRecord struct {
	_        struct{} `cbor:",toarray"`
	Pins     uint64
	Referers uint64
	Refs     [][]byte
	Public   bool
}

// MarshalBinary encodes the metadata as a CBOR array.
func (m *Metadata) MarshalBinary() ([]byte, error) {
	rec := metadataRecord{
		Pins:     m.Pins,
		Referers: m.Referers,
		Public:   m.Public,
		Refs:     make([][]byte, 0, len(m.Refs)),
	}
	for _, c := range m.Refs {
		rec.Refs = append(rec.Refs, c.Bytes())
	}
	return cbor.Marshal(rec)
}

// UnmarshalBinary decodes metadata produced by MarshalBinary.
func (m *Metadata) UnmarshalBinary(data []byte) error {
	var rec metadataRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return errors.Wrap(err, "decode metadata")
	}
	refs := make([]cid.Cid, 0, len(rec.Refs))
	for _, raw := range rec.Refs {
		c, err := cid.Cast(raw)
		if err != nil {
			return errors.Wrap(err, "decode metadata ref")
		}
		refs = append(refs, c)
	}
	*m = Metadata{
		Pins:     rec.Pins,
		Referers: rec.Referers,
		Refs:     refs,
		Public:   rec.Public,
	}
	return nil
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	out := *m
	out.Refs = append([]cid.Cid(nil), m.Refs...)
	return &out
}
