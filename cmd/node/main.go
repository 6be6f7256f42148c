package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/archivist-project/blockexc/kvstore"
	"github.com/archivist-project/blockexc/kvstore/badger"
	"github.com/archivist-project/blockexc/kvstore/memory"
	"github.com/archivist-project/blockexc/manifest/sqlite"
	"github.com/archivist-project/blockexc/merkle"
	"github.com/archivist-project/blockexc/node"
	"github.com/archivist-project/blockexc/store"
)

// ttlKVStore is the subset of kvstore backends the block store requires:
// plain get/put/delete plus TTL-qualified puts and expiry lookups. Both
// shipped backends (memory, badger) satisfy it.
type ttlKVStore interface {
	kvstore.KVStore
	PutWithTTL(ctx context.Context, key, value []byte, ttl time.Duration) error
	ExpiresAt(ctx context.Context, key []byte) (time.Time, error)
}

// splitAndTrim splits a string by delimiter and trims whitespace from each part.
func splitAndTrim(s, delim string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, delim)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseBootstrapPeers(raw string) []peer.AddrInfo {
	var infos []peer.AddrInfo
	for _, addr := range splitAndTrim(raw, ",") {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			log.Printf("skipping invalid bootstrap peer %q: %v", addr, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			log.Printf("skipping unparseable bootstrap peer %q: %v", addr, err)
			continue
		}
		infos = append(infos, *info)
	}
	return infos
}

func main() {
	storageType := flag.String("storage", "badger", "Block store backend: memory or badger")
	dataDir := flag.String("data-dir", "./data", "Data directory for BadgerDB")
	manifestDB := flag.String("manifest-db", "./data/manifests.db", "Path to the SQLite manifest index")
	listenPort := flag.Int("p2p-port", 4001, "P2P listen port")
	bootstrapPeers := flag.String("bootstrap-peers", "", "Comma-separated list of bootstrap peer multiaddrs")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	log.Println("Starting Archivist node...")

	var blocks ttlKVStore
	var err error
	switch *storageType {
	case "memory":
		log.Println("Using in-memory block store")
		blocks = memory.New()
	case "badger":
		log.Printf("Using BadgerDB block store at %s", *dataDir)
		blocks, err = badger.New(&badger.Config{DataDir: *dataDir})
		if err != nil {
			log.Fatalf("Failed to initialize BadgerDB: %v", err)
		}
	default:
		log.Fatalf("Unknown storage type: %s (use 'memory' or 'badger')", *storageType)
	}
	defer blocks.Close()

	blockStore := store.New(blocks, logger)
	blockStore.SetMerkleBuilder(merkle.NewBuilder(blocks))

	manifestIdx, err := sqlite.New(&sqlite.Config{DBPath: *manifestDB})
	if err != nil {
		log.Fatalf("Failed to initialize manifest index: %v", err)
	}
	defer manifestIdx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := node.DefaultConfig()
	cfg.ListenPort = *listenPort
	cfg.LogLevel = *logLevel

	n, err := node.New(ctx, cfg, blockStore, manifestIdx, logger)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	bootstrap := parseBootstrapPeers(*bootstrapPeers)

	go func() {
		if err := n.Run(ctx, bootstrap); err != nil {
			logger.Error("node run exited with error", "error", err)
		}
	}()

	log.Printf("Node started | PeerID: %s", n.PeerID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statusTicker := time.NewTicker(5 * time.Minute)
	defer statusTicker.Stop()

	for {
		select {
		case <-sigCh:
			log.Println("Shutting down...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := n.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown did not complete cleanly", "error", err)
			}
			shutdownCancel()
			return

		case <-statusTicker.C:
			log.Printf("Status: peer %s listening on %v", n.PeerID(), n.Addrs())
		}
	}
}
