package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/decube/meshcore/internal/contextconfig"
	"github.com/decube/meshcore/internal/metrics"
	"github.com/decube/meshcore/internal/network"
	"github.com/decube/meshcore/internal/replica"
	"github.com/decube/meshcore/internal/sandbox"
	"github.com/decube/meshcore/internal/securestream"
	"github.com/decube/meshcore/internal/storage"
	"github.com/decube/meshcore/pkg/config"
	"github.com/decube/meshcore/pkg/log"
	corenetwork "github.com/libp2p/go-libp2p/core/network"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is stamped at release build time; "dev" otherwise.
var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "meshcored",
		Short: "meshcore replicated-context node",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the node's version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "start the node and serve its configured contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("meshcored: load config: %w", err)
	}

	logger, err := log.New(cfg.Logging.Format != "json")
	if err != nil {
		return fmt.Errorf("meshcored: build logger: %w", err)
	}
	log.SetGlobal(logger)
	defer logger.Sync()

	identity, err := securestream.LoadOrCreateIdentity(cfg.Security.IdentityKeyPath)
	if err != nil {
		return fmt.Errorf("meshcored: load identity: %w", err)
	}
	logger.Info("node identity", zap.String("public_key", hex.EncodeToString(identity.Public)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.NewServer(cfg.Metrics.Address)
		go func() {
			if err := metricsSrv.Start(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer metricsSrv.Stop()
	}

	members := contextconfig.NewStatic()

	// A Node's stream handler needs the Node itself, but the network
	// capability is built before the Node exists: close the cycle with a
	// forward reference captured by the handler closure.
	var node *replica.Node
	net, err := network.NewLibP2PNetwork(ctx, cfg.Network.ListenAddress, func(s corenetwork.Stream) {
		node.StreamHandler()(s)
	})
	if err != nil {
		return fmt.Errorf("meshcored: start network: %w", err)
	}
	defer net.Close()

	node = replica.NewNode(identity, net, members, sandbox.NewMock())
	defer node.Close()

	selfID := identityID(identity.Public)

	var stores []storage.Store
	defer func() {
		for _, kv := range stores {
			if err := kv.Close(); err != nil {
				logger.Warn("error closing storage", zap.Error(err))
			}
		}
	}()

	for _, ctxHex := range cfg.Contexts.Open {
		contextID, err := decodeContextID(ctxHex)
		if err != nil {
			return fmt.Errorf("meshcored: contexts.open entry %q: %w", ctxHex, err)
		}

		memberSet := [][32]byte{selfID}
		for _, peerSpec := range cfg.Contexts.BootstrapPeers {
			peerIdentity, addr, err := parseBootstrapPeer(peerSpec)
			if err != nil {
				logger.Warn("skipping malformed bootstrap peer", zap.String("spec", peerSpec), zap.Error(err))
				continue
			}
			if err := net.Connect(ctx, addr); err != nil {
				logger.Warn("failed to connect bootstrap peer", zap.String("addr", addr), zap.Error(err))
				continue
			}
			ma, err := multiaddr.NewMultiaddr(addr)
			if err != nil {
				logger.Warn("invalid bootstrap peer multiaddr", zap.String("addr", addr), zap.Error(err))
				continue
			}
			info, err := libp2pPeer.AddrInfoFromP2pAddr(ma)
			if err != nil {
				logger.Warn("failed to parse bootstrap peer id", zap.String("addr", addr), zap.Error(err))
				continue
			}
			node.LearnPeer(peerIdentity, info.ID)
			memberSet = append(memberSet, peerIdentity)
		}
		members.SetMembers(contextID, memberSet)

		kv, err := openStore(cfg, ctxHex)
		if err != nil {
			return fmt.Errorf("meshcored: open storage for context %s: %w", ctxHex, err)
		}
		stores = append(stores, kv)

		// The broadcast topic's symmetric key is, for a single-process
		// deployment with no separate key-exchange authority configured,
		// derived deterministically from the context id. Real
		// deployments establish this key out of band (component design
		// §6) and should supply it through a future ContextsConfig field
		// instead.
		broadcastKey := sha256.Sum256(contextID[:])

		if _, err := node.Open(ctx, replica.OpenContextOpts{
			ContextID:    contextID,
			KV:           kv,
			BroadcastKey: broadcastKey,
		}); err != nil {
			return fmt.Errorf("meshcored: open context %s: %w", ctxHex, err)
		}
		logger.Info("context open", zap.String("context", ctxHex), zap.Int("members", len(memberSet)))
	}

	logger.Info("meshcored started", zap.String("listen", cfg.Network.ListenAddress), zap.Int("contexts", len(cfg.Contexts.Open)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	return nil
}

func openStore(cfg *config.Config, ctxHex string) (storage.Store, error) {
	if cfg.Storage.Engine != "badger" {
		return storage.NewMemoryStore(), nil
	}
	return storage.NewBadgerStore(filepath.Join(cfg.Storage.Path, ctxHex))
}

func decodeContextID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func identityID(pub []byte) [32]byte {
	var id [32]byte
	copy(id[:], pub)
	return id
}

// parseBootstrapPeer splits a "<identity-hex>@<multiaddr>" spec.
func parseBootstrapPeer(spec string) (identity [32]byte, addr string, err error) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '@' {
			identity, err = decodeContextID(spec[:i])
			return identity, spec[i+1:], err
		}
	}
	return identity, "", fmt.Errorf("missing '@' separator")
}

