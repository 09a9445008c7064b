// Command vncache-node runs a single cluster cache node: the framed
// message server, the change-queue consumer, and the peer discovery
// crawl, composed under one lifecycle.Group. Key material is read from
// JWK files on disk at the paths given by flag (cache_private_key,
// client_public_key, §6); config loading beyond that and the flags below
// is intentionally out of scope per spec.md §1's non-goals.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vncache.io/vncache/pkg/auth"
	"vncache.io/vncache/pkg/blobcache"
	"vncache.io/vncache/pkg/cachelistener"
	"vncache.io/vncache/pkg/cachetable"
	"vncache.io/vncache/pkg/changequeue"
	"vncache.io/vncache/pkg/discovery"
	"vncache.io/vncache/pkg/handshake"
	"vncache.io/vncache/pkg/memman"
	"vncache.io/vncache/pkg/peeradv"
	"vncache.io/vncache/pkg/server"
	"vncache.io/vncache/pkg/vnconfig"
	"vncache.io/vncache/pkg/wire"
	"vncache.io/vncache/private/lifecycle"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runFlags struct {
	listenAddr          string
	nodeID              string
	privateKeyJWKPath   string
	clientPubKeyJWKPath string
	bucketCount         uint32
	maxCacheEntries     uint32
	connectPath         string
	wellKnownPath       string
	discoveryPath       string
	initialPeers        []string
	verifyIP            bool
}

func newRootCmd() *cobra.Command {
	flags := &runFlags{}

	root := &cobra.Command{
		Use:   "vncache-node",
		Short: "Run a VNCache cluster cache node",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start serving the cache protocol and join the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context(), flags)
		},
	}
	runCmd.Flags().StringVar(&flags.listenAddr, "listen", ":7070", "HTTP listen address")
	runCmd.Flags().StringVar(&flags.nodeID, "node-id", "", "this node's id (required)")
	runCmd.Flags().StringVar(&flags.privateKeyJWKPath, "cache-private-key", "", "JWK-encoded node private key path (required) — also serves as the cluster's shared peer-verification key")
	runCmd.Flags().StringVar(&flags.clientPubKeyJWKPath, "client-public-key", "", "JWK-encoded public key path for verifying non-peer client connections")
	runCmd.Flags().Uint32Var(&flags.bucketCount, "bucket-count", 16, "number of cache buckets")
	runCmd.Flags().Uint32Var(&flags.maxCacheEntries, "max-cache-entries", 10000, "per-bucket LRU capacity")
	runCmd.Flags().StringVar(&flags.connectPath, "connect-path", "/connect", "framed stream upgrade path")
	runCmd.Flags().StringVar(&flags.wellKnownPath, "well-known-path", "/.well-known/vncache", "self-advertisement path")
	runCmd.Flags().StringVar(&flags.discoveryPath, "discovery-path", "/discover", "peer discovery path")
	runCmd.Flags().StringArrayVar(&flags.initialPeers, "initial-peer", nil, "seed well-known URI (repeatable)")
	runCmd.Flags().BoolVar(&flags.verifyIP, "verify-ip", false, "reject handshake upgrades whose remote address changed since negotiation")
	_ = runCmd.MarkFlagRequired("node-id")
	_ = runCmd.MarkFlagRequired("cache-private-key")

	root.AddCommand(runCmd)
	return root
}

func runNode(ctx context.Context, flags *runFlags) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cachePrivateKeyJWK, err := os.ReadFile(flags.privateKeyJWKPath)
	if err != nil {
		return fmt.Errorf("reading cache private key: %w", err)
	}
	var clientPublicKeyJWK []byte
	if flags.clientPubKeyJWKPath != "" {
		clientPublicKeyJWK, err = os.ReadFile(flags.clientPubKeyJWKPath)
		if err != nil {
			return fmt.Errorf("reading client public key: %w", err)
		}
	}

	cfg := vnconfig.Config{
		BucketCount:        flags.bucketCount,
		MaxCacheEntries:    flags.maxCacheEntries,
		ConnectPath:        flags.connectPath,
		WellKnownPath:      flags.wellKnownPath,
		DiscoveryPath:      flags.discoveryPath,
		InitialPeers:       flags.initialPeers,
		VerifyIP:           flags.verifyIP,
		CachePrivateKeyJWK: string(cachePrivateKeyJWK),
		ClientPublicKeyJWK: string(clientPublicKeyJWK),
	}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	privateKey, err := cfg.LoadPrivateKey()
	if err != nil {
		return err
	}
	clientPubKey, err := cfg.LoadClientPublicKey()
	if err != nil {
		return err
	}
	authMgr, err := auth.New(flags.nodeID, privateKey, clientPubKey, privateKey.Public())
	if err != nil {
		return err
	}

	queue := changequeue.New(changequeue.Options{MaxQueueDepth: cfg.MaxQueueDepth, PurgeInterval: cfg.QueuePurgeInterval, Log: log})

	table, err := cachetable.New(cfg.BucketCount, func(bucketID uint32) (*blobcache.Cache, memman.Manager, error) {
		cache, err := blobcache.New(blobcache.Options{BucketID: bucketID, MaxCapacity: int(cfg.MaxCacheEntries)})
		if err != nil {
			return nil, nil, err
		}
		return cache, memman.NewHeapManager(memman.Options{ZeroOnAlloc: cfg.ZeroAllAllocations}), nil
	}, queue)
	if err != nil {
		return err
	}

	// admitter and peerAdmitter only gate concurrent sessions (TryAdmit);
	// each session gets its own Server wrapping a per-connection
	// cachelistener.Listener so Dequeue subscriptions (§4.5) are scoped to
	// that one connection. peerAdmitter additionally caps how many of
	// those sessions may be peer-to-peer connections (max_peer_connections,
	// §6), independent of the overall max_concurrent_connections cap.
	admitter := server.New(nil, server.Options{MaxConcurrentConnections: cfg.MaxConcurrentConnections})
	peerAdmitter := server.New(nil, server.Options{MaxConcurrentConnections: cfg.MaxPeerConnections})
	var sessionCounter uint64

	peers := peeradv.NewCollection()
	selfURL := fmt.Sprintf("http://%s%s", publicAddr(flags.listenAddr), cfg.ConnectPath)
	discoveryURL := fmt.Sprintf("http://%s%s", publicAddr(flags.listenAddr), cfg.DiscoveryPath)
	discoveryMgr := discovery.New(authMgr, peers, discovery.Self{
		NodeID:       flags.nodeID,
		ConnectURL:   selfURL,
		DiscoveryURL: discoveryURL,
	}, cfg.InitialPeers, discovery.Options{Log: log})

	hsServer := handshake.NewServer(authMgr, peers, handshake.Options{
		NodeID:            flags.nodeID,
		Limits:            streamLimits(cfg),
		VerifyIP:          cfg.VerifyIP,
		KeepaliveInterval: cfg.KeepaliveInterval,
		Log:               log,
		OnAccepted: func(r *http.Request, accepted *handshake.Accepted) {
			release, ok := admitter.TryAdmit()
			if !ok {
				log.Warn("rejecting session: max_concurrent_connections reached")
				_ = accepted.Stream.Close()
				return
			}
			var peerRelease func()
			if accepted.IsPeer {
				peerRelease, ok = peerAdmitter.TryAdmit()
				if !ok {
					log.Warn("rejecting peer session: max_peer_connections reached")
					release()
					_ = accepted.Stream.Close()
					return
				}
			}
			peerID := fmt.Sprintf("%s-%d", r.RemoteAddr, atomic.AddUint64(&sessionCounter, 1))
			sessionListener, closeSession := cachelistener.Session(table, queue, peerID, cachelistener.Options{Log: log})
			sessionServer := server.New(sessionListener, server.Options{Log: log, RequestTimeout: cfg.RequestTimeout})

			go func() {
				defer release()
				if peerRelease != nil {
					defer peerRelease()
				}
				defer closeSession()
				defer func() { _ = accepted.Stream.Close() }()
				if err := sessionServer.ServeSession(r.Context(), accepted.Stream); err != nil {
					log.Warn("session ended with error", zap.Error(err))
				}
			}()
		},
	})

	router := mux.NewRouter()
	router.Handle(cfg.ConnectPath, hsServer)
	router.HandleFunc(cfg.WellKnownPath, discoveryMgr.ServeWellKnown)
	router.HandleFunc(cfg.DiscoveryPath, discoveryMgr.ServeDiscovery).Methods(http.MethodPost)

	httpServer := &http.Server{Addr: flags.listenAddr, Handler: router}

	group := lifecycle.NewGroup(log)
	group.Add(lifecycle.Item{
		Name: "queue",
		Run:  queue.Run,
	})
	group.Add(lifecycle.Item{
		Name: "discovery",
		Run: func(ctx context.Context) error {
			return discoveryMgr.Run(ctx, cfg.DiscoveryInterval)
		},
	})
	group.Add(lifecycle.Item{
		Name: "http",
		Run: func(ctx context.Context) error {
			errCh := make(chan error, 1)
			go func() { errCh <- httpServer.ListenAndServe() }()
			select {
			case <-ctx.Done():
				return nil
			case err := <-errCh:
				return err
			}
		},
		Close: func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("node starting", zap.String("node_id", flags.nodeID), zap.String("listen", flags.listenAddr))
	runErr := group.Run(ctx)
	closeErr := group.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}

func streamLimits(cfg vnconfig.Config) wire.Limits {
	return wire.Limits{
		RecvBufSize:    cfg.RecvBufferSize,
		HeaderBufSize:  cfg.MaxHeaderBufferSize,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}

func publicAddr(listenAddr string) string {
	if len(listenAddr) > 0 && listenAddr[0] == ':' {
		return "127.0.0.1" + listenAddr
	}
	return listenAddr
}
