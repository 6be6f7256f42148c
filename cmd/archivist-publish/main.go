// Command archivist-publish ingests a file into a running node's block
// store: it chunks the file into fixed-size leaves, builds the dataset's
// merkle tree, stores a leaf-index page and a manifest, and prints the
// resulting tree CID for use in a subsequent want/request.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/archivist-project/blockexc/chunker"
	"github.com/archivist-project/blockexc/cid"
	"github.com/archivist-project/blockexc/indexnode"
	"github.com/archivist-project/blockexc/kvstore/badger"
	"github.com/archivist-project/blockexc/manifest"
	"github.com/archivist-project/blockexc/manifest/sqlite"
	"github.com/archivist-project/blockexc/merkle"
	"github.com/archivist-project/blockexc/proof"
	"github.com/archivist-project/blockexc/store"
)

func main() {
	dataDir := flag.String("data-dir", "./data", "Data directory for BadgerDB (must match the serving node's)")
	manifestDB := flag.String("manifest-db", "./data/manifests.db", "Path to the SQLite manifest index")
	inputPath := flag.String("input", "", "File to publish")
	blockSize := flag.Int("block-size", 65536, "Fixed leaf block size in bytes")
	filename := flag.String("filename", "", "Filename recorded in the manifest (defaults to -input's base name)")
	mimetype := flag.String("mimetype", "", "MIME type recorded in the manifest")
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("archivist-publish: -input is required")
	}

	blocks, err := badger.New(&badger.Config{DataDir: *dataDir})
	if err != nil {
		log.Fatalf("failed to open block store: %v", err)
	}
	defer blocks.Close()

	blockStore := store.New(blocks, nil)
	builder := merkle.NewBuilder(blocks)
	blockStore.SetMerkleBuilder(builder)

	manifestIdx, err := sqlite.New(&sqlite.Config{DBPath: *manifestDB})
	if err != nil {
		log.Fatalf("failed to open manifest index: %v", err)
	}
	defer manifestIdx.Close()

	f, err := os.Open(*inputPath)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *inputPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		log.Fatalf("failed to stat %s: %v", *inputPath, err)
	}

	name := *filename
	if name == "" {
		name = info.Name()
	}

	ctx := context.Background()
	treeCID, err := publish(ctx, blockStore, builder, manifestIdx, f, uint64(info.Size()), *blockSize, name, *mimetype)
	if err != nil {
		log.Fatalf("publish failed: %v", err)
	}
	fmt.Println(treeCID)
}

// publish chunks r into fixed-size leaves, stores each one, builds the
// dataset's merkle tree and per-leaf inclusion proofs, persists a leaf-index
// page for restart-durable tree-leaf resolution, and writes the manifest
// that ties it all together. It returns the dataset's tree CID.
func publish(
	ctx context.Context,
	blockStore *store.Store,
	builder *merkle.Builder,
	manifestIdx *sqlite.Index,
	r io.Reader,
	datasetSize uint64,
	blockSize int,
	filename, mimetype string,
) (cid.CID, error) {
	chunks := chunker.NewFixed(r, blockSize, cid.HashSHA256)

	var leafDigests [][32]byte
	var leafCIDs []cid.CID
	for {
		block, err := chunks.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return cid.Undef, fmt.Errorf("chunk: %w", err)
		}
		if _, err := blockStore.Put(ctx, block, 0); err != nil {
			return cid.Undef, fmt.Errorf("store leaf: %w", err)
		}
		digest, err := cid.Digest(block.CID)
		if err != nil {
			return cid.Undef, fmt.Errorf("leaf digest: %w", err)
		}
		leafDigests = append(leafDigests, digest)
		leafCIDs = append(leafCIDs, block.CID)
	}
	if len(leafDigests) == 0 {
		return cid.Undef, fmt.Errorf("archivist-publish: empty input produces no leaves")
	}

	rootDigest, err := builder.BuildTree(ctx, leafDigests)
	if err != nil {
		return cid.Undef, fmt.Errorf("build tree: %w", err)
	}
	treeCID, err := cid.New(cid.CodecDatasetRoot, cid.HashBlake3, rootDigest[:])
	if err != nil {
		return cid.Undef, fmt.Errorf("tree cid: %w", err)
	}

	leafCount := uint64(len(leafDigests))
	for i, leafCID := range leafCIDs {
		proofBytes, err := leafProof(ctx, builder, rootDigest, uint32(i), uint32(leafCount))
		if err != nil {
			return cid.Undef, fmt.Errorf("build proof for leaf %d: %w", i, err)
		}
		if err := blockStore.PutTreeEntry(ctx, treeCID, uint64(i), leafCID, proofBytes); err != nil {
			return cid.Undef, fmt.Errorf("put tree entry %d: %w", i, err)
		}
	}

	pageCID, err := storeIndexPage(ctx, blockStore, leafDigests)
	if err != nil {
		return cid.Undef, fmt.Errorf("store index page: %w", err)
	}
	blockStore.PutIndexPage(treeCID, pageCID, rootDigest, leafCount)

	m := &manifest.Manifest{
		TreeCID:      treeCID.Bytes(),
		BlockSize:    uint32(blockSize),
		DatasetSize:  datasetSize,
		Codec:        uint32(cid.CodecRaw),
		Hcodec:       uint32(cid.HashSHA256),
		Version:      1,
		Filename:     filename,
		Mimetype:     mimetype,
		IndexPageCID: pageCID.Bytes(),
	}
	manifestBlock, err := cid.NewBlock(m.Encode(), cid.HashSHA256, 0)
	if err != nil {
		return cid.Undef, fmt.Errorf("encode manifest: %w", err)
	}
	// Manifests address themselves under CodecManifest, not the raw-block
	// codec NewBlock assumes; recompute under the right codec before storing.
	manifestCID, err := cid.ForBlockWithCodec(manifestBlock.Data, cid.CodecManifest, cid.HashSHA256)
	if err != nil {
		return cid.Undef, fmt.Errorf("manifest cid: %w", err)
	}
	manifestBlock.CID = manifestCID
	if _, err := blockStore.Put(ctx, manifestBlock, 0); err != nil {
		return cid.Undef, fmt.Errorf("store manifest: %w", err)
	}
	if err := manifestIdx.Put(ctx, m.TreeCID, m); err != nil {
		return cid.Undef, fmt.Errorf("index manifest: %w", err)
	}

	return treeCID, nil
}

// leafProof builds the wire-encoded inclusion proof for one leaf, special
// casing single-leaf datasets the same way store.rebuildProof does: an
// empty path, since the leaf digest is the root digest.
func leafProof(ctx context.Context, builder *merkle.Builder, rootDigest [32]byte, position, leafCount uint32) ([]byte, error) {
	if leafCount <= 1 {
		return (&proof.ArchivistProof{Mcodec: cid.HashBlake3, Index: uint64(position), Nleaves: uint64(leafCount)}).Marshal(), nil
	}
	mp, err := builder.BuildProof(ctx, rootDigest, position, leafCount)
	if err != nil {
		return nil, err
	}
	wp := &proof.ArchivistProof{Mcodec: cid.HashBlake3, Index: uint64(position), Nleaves: uint64(leafCount)}
	for _, n := range mp.Nodes {
		h := n.Hash
		wp.Path = append(wp.Path, &proof.ProofNode{Hash: append([]byte(nil), h[:]...), Left: n.IsLeft})
	}
	return wp.Marshal(), nil
}

// storeIndexPage builds and stores the leaf-index page for a dataset,
// returning the CID it was stored under.
func storeIndexPage(ctx context.Context, blockStore *store.Store, leafDigests [][32]byte) (cid.CID, error) {
	page, err := indexnode.NewLeafIndex(leafDigests)
	if err != nil {
		return cid.Undef, err
	}
	data, err := page.Marshal()
	if err != nil {
		return cid.Undef, err
	}
	pageCID, err := cid.ForBlockWithCodec(data, cid.CodecRaw, cid.HashSHA256)
	if err != nil {
		return cid.Undef, err
	}
	if _, err := blockStore.Put(ctx, cid.Block{CID: pageCID, Data: data}, 0); err != nil {
		return cid.Undef, err
	}
	return pageCID, nil
}
