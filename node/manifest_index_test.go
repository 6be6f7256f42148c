package node

import (
	"context"
	"log/slog"
	"testing"
	"time"

	mh "github.com/multiformats/go-multihash"

	"github.com/archivist-project/blockexc/cid"
	"github.com/archivist-project/blockexc/kvstore/memory"
	"github.com/archivist-project/blockexc/manifest"
	"github.com/archivist-project/blockexc/store"
)

func manifestCID(t *testing.T, data []byte) cid.CID {
	t.Helper()
	digest, err := mh.Sum(data, cid.HashSHA256, 32)
	if err != nil {
		t.Fatalf("hash sum failed: %v", err)
	}
	decoded, err := mh.Decode(digest)
	if err != nil {
		t.Fatalf("multihash decode failed: %v", err)
	}
	c, err := cid.New(cid.CodecManifest, cid.HashSHA256, decoded.Digest)
	if err != nil {
		t.Fatalf("cid.New failed: %v", err)
	}
	return c
}

type fakeManifestIndex struct {
	puts map[string]*manifest.Manifest
}

func (f *fakeManifestIndex) Put(_ context.Context, treeCID []byte, m *manifest.Manifest) error {
	if f.puts == nil {
		f.puts = make(map[string]*manifest.Manifest)
	}
	f.puts[string(treeCID)] = m
	return nil
}

func TestManifestIndexingHookIndexesManifestBlocks(t *testing.T) {
	blocks := store.New(memory.New(), slog.Default())
	idx := &fakeManifestIndex{}
	ctx := context.Background()

	m := &manifest.Manifest{
		TreeCID:     []byte{1, 2, 3},
		BlockSize:   65536,
		DatasetSize: 1024,
		Codec:       cid.CodecRaw,
		Hcodec:      cid.HashSHA256,
		Version:     1,
	}
	data := m.Encode()
	c := manifestCID(t, data)
	block := cid.Block{CID: c, Data: data}
	if _, err := blocks.Put(ctx, block, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	manifestIndexingHook(ctx, blocks, idx, slog.Default(), c, len(data))

	got, ok := idx.puts[string(m.TreeCID)]
	if !ok {
		t.Fatal("expected manifest to be indexed")
	}
	if got.BlockSize != m.BlockSize || got.DatasetSize != m.DatasetSize {
		t.Errorf("indexed manifest mismatch: got %+v, want %+v", got, m)
	}
}

func TestManifestIndexingHookIgnoresNonManifestBlocks(t *testing.T) {
	blocks := store.New(memory.New(), slog.Default())
	idx := &fakeManifestIndex{}
	ctx := context.Background()

	data := []byte("raw block data")
	block, err := cid.NewBlock(data, cid.HashSHA256, 0)
	if err != nil {
		t.Fatalf("NewBlock failed: %v", err)
	}
	c := block.CID
	if _, err := blocks.Put(ctx, block, time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	manifestIndexingHook(ctx, blocks, idx, slog.Default(), c, len(data))

	if len(idx.puts) != 0 {
		t.Errorf("expected no manifests indexed for a raw block, got %d", len(idx.puts))
	}
}
