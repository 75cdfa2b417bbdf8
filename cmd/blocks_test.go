package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/blockbridge/pkg/config"
	"github.com/ipfs-force-community/blockbridge/pkg/store"
	tf "github.com/ipfs-force-community/blockbridge/pkg/testhelpers/testflags"
	"github.com/ipfs-force-community/blockbridge/pkg/types"
)

func TestLsFilter(t *testing.T) {
	tf.UnitTest(t)

	pinned := &types.Metadata{Pins: 1}
	referenced := &types.Metadata{Referers: 2}
	dead := &types.Metadata{}

	cases := []struct {
		name   string
		filter lsFilter
		want   [3]bool
	}{
		{"no selector lists everything", lsFilter{}, [3]bool{true, true, true}},
		{"all", lsFilter{all: true, dead: true}, [3]bool{true, true, true}},
		{"pinned", lsFilter{pinned: true}, [3]bool{true, false, false}},
		{"live", lsFilter{live: true}, [3]bool{true, true, false}},
		{"dead", lsFilter{dead: true}, [3]bool{false, false, true}},
		{"pinned or dead", lsFilter{pinned: true, dead: true}, [3]bool{true, false, true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := [3]bool{tc.filter.match(pinned), tc.filter.match(referenced), tc.filter.match(dead)}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEncodeBlock(t *testing.T) {
	tf.UnitTest(t)

	raw, err := encodeBlock(strings.NewReader("hello"), codecRaw)
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.Raw), raw.Cid().Prefix().Codec)
	assert.Equal(t, []byte("hello"), raw.RawData())

	doc, err := encodeBlock(strings.NewReader(`{"name": "x", "n": 1}`), codecDagCBOR)
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.DagCBOR), doc.Cid().Prefix().Codec)

	_, err = encodeBlock(strings.NewReader("{"), codecDagCBOR)
	assert.Error(t, err)

	_, err = encodeBlock(strings.NewReader("x"), "dag-json")
	assert.Error(t, err)
}

func TestListBlocks(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	s, err := store.New(dssync.MutexWrap(datastore.NewMapDatastore()), config.NewDefaultConfig().Store)
	require.NoError(t, err)
	defer s.Close() // nolint: errcheck

	kept, err := encodeBlock(strings.NewReader("kept"), codecRaw)
	require.NoError(t, err)
	loose, err := encodeBlock(strings.NewReader("loose"), codecRaw)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, kept))
	require.NoError(t, s.Insert(ctx, loose))
	require.NoError(t, s.Pin(ctx, kept.Cid()))

	var out bytes.Buffer
	require.NoError(t, listBlocks(ctx, &out, s, lsFilter{pinned: true}))
	assert.Contains(t, out.String(), kept.Cid().String())
	assert.NotContains(t, out.String(), loose.Cid().String())

	out.Reset()
	require.NoError(t, listBlocks(ctx, &out, s, lsFilter{dead: true}))
	assert.Contains(t, out.String(), loose.Cid().String())
	assert.NotContains(t, out.String(), kept.Cid().String())
}

func TestImportCar(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	s, err := store.New(dssync.MutexWrap(datastore.NewMapDatastore()), config.NewDefaultConfig().Store)
	require.NoError(t, err)
	defer s.Close() // nolint: errcheck

	root, err := encodeBlock(strings.NewReader("root"), codecRaw)
	require.NoError(t, err)
	other, err := encodeBlock(strings.NewReader("other"), codecRaw)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, car.WriteHeader(&car.CarHeader{Roots: []cid.Cid{root.Cid()}, Version: 1}, &buf))
	for _, blk := range []blocks.Block{root, other} {
		require.NoError(t, carutil.LdWrite(&buf, blk.Cid().Bytes(), blk.RawData()))
	}

	roots, n, err := importCar(ctx, s, &buf, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []cid.Cid{root.Cid()}, roots)

	m, err := s.Metadata(ctx, root.Cid())
	require.NoError(t, err)
	assert.True(t, m.Pinned())
	assert.True(t, m.Public)

	has, err := s.Has(ctx, other.Cid())
	require.NoError(t, err)
	assert.True(t, has)

	_, _, err = importCar(ctx, s, strings.NewReader("not a car"), false)
	assert.Error(t, err)
}
