package node

import (
	"context"
	"log/slog"

	"github.com/archivist-project/blockexc/cid"
	"github.com/archivist-project/blockexc/manifest"
	"github.com/archivist-project/blockexc/store"
)

// ManifestIndex is the capability the node needs to keep a queryable
// secondary index of manifests alongside the raw, content-addressed block
// store. manifest/sqlite.Index implements it.
type ManifestIndex interface {
	Put(ctx context.Context, treeCID []byte, m *manifest.Manifest) error
}

// manifestIndexingHook decodes any newly inserted CodecManifest block and
// records it in the manifest index, so dataset discovery doesn't require
// walking the whole block store. It never fails the insertion it observes:
// a malformed manifest block is logged and otherwise ignored, matching the
// insertion hook's "errors are observed, not propagated" contract.
func manifestIndexingHook(ctx context.Context, blocks *store.Store, idx ManifestIndex, logger *slog.Logger, c cid.CID, _ int) {
	if c.Type() != cid.CodecManifest {
		return
	}
	block, err := blocks.Get(ctx, c)
	if err != nil {
		logger.Warn("node: failed to read manifest block for indexing", "cid", c, "err", err)
		return
	}
	m, err := manifest.Decode(block.Data)
	if err != nil {
		logger.Warn("node: failed to decode manifest block", "cid", c, "err", err)
		return
	}

	registerIndexPage(blocks, logger, m)

	if idx == nil {
		return
	}
	if err := idx.Put(ctx, m.TreeCID, m); err != nil {
		logger.Warn("node: failed to index manifest", "cid", c, "err", err)
	}
}

// registerIndexPage re-associates a manifest's persisted leaf-index page
// (if it named one) with its tree CID in the block store's in-memory
// registry, so store.GetByTree can recover tree-leaf addressing for
// datasets that were published in a previous process lifetime. The leaf
// count isn't a manifest field in its own right; it's derived from
// DatasetSize/BlockSize, the same arithmetic a publisher used to decide how
// many leaves to chunk the dataset into.
func registerIndexPage(blocks *store.Store, logger *slog.Logger, m *manifest.Manifest) {
	if len(m.IndexPageCID) == 0 || m.BlockSize == 0 {
		return
	}
	treeCID, err := cid.Parse(m.TreeCID)
	if err != nil {
		logger.Warn("node: manifest names an unparseable tree cid", "err", err)
		return
	}
	pageCID, err := cid.Parse(m.IndexPageCID)
	if err != nil {
		logger.Warn("node: manifest names an unparseable index page cid", "err", err)
		return
	}
	rootDigest, err := cid.Digest(treeCID)
	if err != nil {
		logger.Warn("node: tree cid has no usable digest", "err", err)
		return
	}
	leafCount := (m.DatasetSize + uint64(m.BlockSize) - 1) / uint64(m.BlockSize)
	blocks.PutIndexPage(treeCID, pageCID, rootDigest, leafCount)
}
