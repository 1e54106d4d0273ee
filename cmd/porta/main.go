// Command porta runs a single overlay node: identity, transport, the
// swarm loop, the stream plane, the tunnel registry, and presence
// gossip, wired around a Store and kept running until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portanet/porta/internal/config"
	"github.com/portanet/porta/internal/identity"
	"github.com/portanet/porta/internal/metrics"
	"github.com/portanet/porta/internal/p2ptransport"
	"github.com/portanet/porta/internal/presence"
	"github.com/portanet/porta/internal/registry"
	"github.com/portanet/porta/internal/reqhandler"
	"github.com/portanet/porta/internal/store/memstore"
	"github.com/portanet/porta/internal/store/sqlite"
	"github.com/portanet/porta/internal/streamplane"
	"github.com/portanet/porta/internal/swarm"
	"github.com/portanet/porta/internal/tunnel"
)

var appVersion = "dev"

func main() {
	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	memStore := runCmd.Bool("memstore", false, "use an in-memory Store instead of the sqlite-backed one")
	metricsAddr := runCmd.String("metrics-addr", "", "address to serve Prometheus /metrics on (empty disables)")

	showHelp := flag.Bool("h", false, "show help")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("porta v%s\n", appVersion)
		return
	}
	if *showHelp || len(flag.Args()) == 0 {
		usage()
		return
	}

	switch flag.Args()[0] {
	case "run":
		_ = runCmd.Parse(flag.Args()[1:])
		if err := run(*memStore, *metricsAddr); err != nil {
			log.Fatalf("porta: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "porta: unknown command %q\n\n", flag.Args()[0])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("porta - peer-to-peer tunneling overlay node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  porta run [-memstore] [-metrics-addr host:port]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h          Show this help message")
	fmt.Println("  -version    Show version information")
	fmt.Println()
	fmt.Println("Configuration is read from the environment:")
	fmt.Println("  PORTA_ROLE           local role advertised in Hello (default edge)")
	fmt.Println("  PORTA_P2P_TCP_PORT   TCP listen port, 0 = OS-assigned (default 0)")
	fmt.Println("  PORTA_DB             store locator (default porta.db)")
	fmt.Println("  PORTA_KEY_PATH       persisted keypair path (derived from PORTA_DB)")
}

func run(useMemStore bool, metricsAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	priv, isNewKey, err := identity.LoadOrGenerate(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	peerID, err := identity.PeerID(priv)
	if err != nil {
		return fmt.Errorf("derive peer id: %w", err)
	}

	var store registry.Store
	if useMemStore {
		store = memstore.New(peerID.String(), cfg.KeyPath)
	} else {
		sqliteStore, err := sqlite.Open(cfg.DBPath, peerID.String(), cfg.KeyPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer sqliteStore.Close()
		store = sqliteStore
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := store.EnsureNodeIdentity(ctx, peerID.String()); err != nil {
		return fmt.Errorf("ensure node identity: %w", err)
	}

	host, err := p2ptransport.Build(priv, cfg.TCPPort)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	defer host.Close()
	p2ptransport.KeepAlive(host)
	if err := p2ptransport.EnableMDNS(host); err != nil {
		log.Printf("mdns discovery disabled: %v", err)
	}

	metricSet := metrics.New()
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metricSet.MustRegister(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	handler := reqhandler.New(store)
	sw, err := swarm.New(host, handler.Handle, &swarm.Metrics{
		PendingRequests: metricSet.PendingRequests,
		PendingDials:    metricSet.PendingDials,
		ConnectedPeers:  metricSet.ConnectedPeers,
	})
	if err != nil {
		return fmt.Errorf("start swarm loop: %w", err)
	}
	defer sw.Close()

	streamplane.New(host, store, metricSet)
	_ = tunnel.New(host, metricSet)

	gossip, err := presence.Join(ctx, host, store)
	if err != nil {
		log.Printf("presence gossip disabled: %v", err)
	} else {
		defer gossip.Close()
		gossip.Publish(ctx, true)
		defer gossip.Publish(context.Background(), false)
	}

	printBanner(cfg, peerID.String(), isNewKey, p2ptransport.ListenAddrs(host), p2ptransport.WANAddrs(host))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Println("shutting down...")
	case <-ctx.Done():
	}
	return nil
}

func printBanner(cfg config.Config, peerID string, isNewKey bool, listenAddrs, wanAddrs []string) {
	fmt.Println("porta node")
	fmt.Printf("  role:      %s\n", cfg.Role)
	fmt.Printf("  peer id:   %s\n", peerID)
	if isNewKey {
		fmt.Printf("  identity:  generated (%s)\n", cfg.KeyPath)
	} else {
		fmt.Printf("  identity:  loaded (%s)\n", cfg.KeyPath)
	}
	for _, a := range listenAddrs {
		fmt.Printf("  listening: %s/p2p/%s\n", a, peerID)
	}
	for _, a := range wanAddrs {
		fmt.Printf("  external:  %s/p2p/%s\n", a, peerID)
	}
	fmt.Println("press Ctrl+C to stop")
}
