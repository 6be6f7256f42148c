// Package sqlite is a SQLite-backed manifest index: a queryable secondary
// index over the manifests a node has fetched or published, keyed by tree
// CID. The manifest block itself stays the source of truth; this index
// exists so a node can answer "what datasets do I know about" and "what's
// the manifest for this tree_cid" without re-walking the block store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/archivist-project/blockexc/manifest"
)

// Index is a SQLite-backed manifest index.
type Index struct {
	db *sql.DB
}

// Config holds configuration for the SQLite-backed index.
type Config struct {
	DBPath string // Path to the SQLite database file
}

// New opens (creating if necessary) a SQLite-backed manifest index.
func New(config *Config) (*Index, error) {
	if config.DBPath == "" {
		return nil, fmt.Errorf("DBPath is required")
	}

	db, err := sql.Open("sqlite3", config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return idx, nil
}

func (idx *Index) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS manifests (
		tree_cid       BLOB PRIMARY KEY,
		block_size     INTEGER NOT NULL,
		dataset_size   INTEGER NOT NULL,
		codec          INTEGER NOT NULL,
		hcodec         INTEGER NOT NULL,
		version        INTEGER NOT NULL,
		filename       TEXT,
		mimetype       TEXT,
		erasure_k      INTEGER,
		erasure_m      INTEGER,
		original_tree_cid BLOB,
		header         BLOB NOT NULL,
		created_at     INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_manifests_filename ON manifests(filename);
	CREATE INDEX IF NOT EXISTS idx_manifests_original_tree_cid ON manifests(original_tree_cid);
	`

	_, err := idx.db.Exec(schema)
	return err
}

// Put records a manifest, keyed by its tree CID. A second Put for the same
// tree_cid replaces the row (manifests are immutable in practice, but a
// republish should not fail).
func (idx *Index) Put(ctx context.Context, treeCID []byte, m *manifest.Manifest) error {
	var erasureK, erasureM sql.NullInt64
	var originalTreeCID []byte
	if m.Erasure != nil {
		erasureK = sql.NullInt64{Int64: int64(m.Erasure.EcK), Valid: true}
		erasureM = sql.NullInt64{Int64: int64(m.Erasure.EcM), Valid: true}
		originalTreeCID = m.Erasure.OriginalTreeCID
	}

	_, err := idx.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO manifests
			(tree_cid, block_size, dataset_size, codec, hcodec, version, filename, mimetype, erasure_k, erasure_m, original_tree_cid, header)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		treeCID, m.BlockSize, m.DatasetSize, m.Codec, m.Hcodec, m.Version,
		nullString(m.Filename), nullString(m.Mimetype), erasureK, erasureM, originalTreeCID, m.Encode(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert manifest: %w", err)
	}
	return nil
}

// Get retrieves the manifest for a tree CID, decoding its stored DAG-PB
// envelope. It returns nil, nil if no manifest is indexed for the CID.
func (idx *Index) Get(ctx context.Context, treeCID []byte) (*manifest.Manifest, error) {
	var header []byte
	err := idx.db.QueryRowContext(ctx,
		`SELECT header FROM manifests WHERE tree_cid = ?`, treeCID,
	).Scan(&header)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query manifest: %w", err)
	}

	return manifest.Decode(header)
}

// Delete removes a manifest from the index.
func (idx *Index) Delete(ctx context.Context, treeCID []byte) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM manifests WHERE tree_cid = ?`, treeCID)
	if err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}

// List returns every tree CID currently indexed, for re-advertisement
// sweeps (the advertiser.Lister capability).
func (idx *Index) List(ctx context.Context) ([][]byte, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT tree_cid FROM manifests`)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var treeCID []byte
		if err := rows.Scan(&treeCID); err != nil {
			return nil, fmt.Errorf("failed to scan tree_cid: %w", err)
		}
		out = append(out, treeCID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating manifests: %w", err)
	}
	return out, nil
}

// ByOriginalTreeCID finds erasure-coded manifests derived from an
// unprotected dataset, for locating a protected copy of data a peer asked
// for by its original tree_cid.
func (idx *Index) ByOriginalTreeCID(ctx context.Context, originalTreeCID []byte) ([][]byte, error) {
	rows, err := idx.db.QueryContext(ctx,
		`SELECT tree_cid FROM manifests WHERE original_tree_cid = ?`, originalTreeCID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query derived manifests: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var treeCID []byte
		if err := rows.Scan(&treeCID); err != nil {
			return nil, fmt.Errorf("failed to scan tree_cid: %w", err)
		}
		out = append(out, treeCID)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (idx *Index) Close() error {
	if idx.db != nil {
		return idx.db.Close()
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
