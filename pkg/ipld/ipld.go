// Package ipld decodes stored blocks into IPLD nodes so their links can be
// followed and their contents shown.
package ipld

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	format "github.com/ipfs/go-ipld-format"
	"github.com/ipfs/go-merkledag"
	"github.com/pkg/errors"
)

// ErrUnknownCodec is returned for blocks whose codec has no decoder here.
var ErrUnknownCodec = errors.New("unknown codec")

// Decode turns a block into a node. Supported codecs are dag-cbor, dag-pb and raw.
func Decode(blk blocks.Block) (format.Node, error) {
	switch codec := blk.Cid().Prefix().Codec; codec {
	case cid.DagCBOR:
		return cbor.DecodeBlock(blk)
	case cid.DagProtobuf:
		return merkledag.DecodeProtobufBlock(blk)
	case cid.Raw:
		return merkledag.DecodeRawBlock(blk)
	default:
		return nil, errors.Wrapf(ErrUnknownCodec, "codec 0x%x", codec)
	}
}

// Links returns the CIDs a block links to, in link order, without duplicates.
// Blocks of an unknown codec have no links.
func Links(blk blocks.Block) ([]cid.Cid, error) {
	nd, err := Decode(blk)
	if errors.Is(err, ErrUnknownCodec) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[cid.Cid]struct{})
	var out []cid.Cid
	for _, l := range nd.Links() {
		if _, ok := seen[l.Cid]; ok {
			continue
		}
		seen[l.Cid] = struct{}{}
		out = append(out, l.Cid)
	}
	return out, nil
}

// RenderJSON renders a block as an indented JSON document. Links are written
// as {"/": "<cid>"} and raw payloads as {"/": {"bytes": "<base64>"}}.
func RenderJSON(blk blocks.Block) ([]byte, error) {
	nd, err := Decode(blk)
	if err != nil {
		return nil, err
	}

	var doc interface{}
	switch n := nd.(type) {
	case *cbor.Node:
		raw, err := n.MarshalJSON()
		if err != nil {
			return nil, err
		}
		return indent(raw)
	case *merkledag.ProtoNode:
		links := make([]interface{}, 0, len(n.Links()))
		for _, l := range n.Links() {
			links = append(links, map[string]interface{}{
				"Name": l.Name,
				"Size": l.Size,
				"Hash": map[string]string{"/": l.Cid.String()},
			})
		}
		doc = map[string]interface{}{
			"Data":  bytesDoc(n.Data()),
			"Links": links,
		}
	case *merkledag.RawNode:
		doc = bytesDoc(n.RawData())
	default:
		return nil, fmt.Errorf("cannot render node of type %T", nd)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func bytesDoc(b []byte) map[string]interface{} {
	return map[string]interface{}{
		"/": map[string]string{"bytes": base64.RawStdEncoding.EncodeToString(b)},
	}
}

func indent(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.MarshalIndent(v, "", "  ")
}
