package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wisptor/wisp-core/circuit"
	"github.com/wisptor/wisp-core/config"
	"github.com/wisptor/wisp-core/descriptor"
	"github.com/wisptor/wisp-core/directory"
	"github.com/wisptor/wisp-core/internal/wclog"
	"github.com/wisptor/wisp-core/link"
	"github.com/wisptor/wisp-core/pathselect"
	"github.com/wisptor/wisp-core/shaper"
	"github.com/wisptor/wisp-core/socks"
	"github.com/wisptor/wisp-core/transport"
	"github.com/wisptor/wisp-core/transport/failover"
	"github.com/wisptor/wisp-core/transport/meek"
	"github.com/wisptor/wisp-core/transport/webtunnel"
	"github.com/wisptor/wisp-core/transport/ws"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	bridgeAddr := flag.String("bridge", "", "bridge ws(s)://host:port address; empty dials the selected guard directly")
	webtunnelSecret := flag.String("webtunnel-secret", "", "shared secret for the WebTunnel carrier")
	flag.Parse()

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== Daphne Tor Client %s ===\n", Version)
	fmt.Println()

	cfg := config.Default()
	cfg.WebTunnelSecret = *webtunnelSecret

	cache := &directory.Cache{Dir: directory.DefaultCacheDir()}
	guards := &pathselect.GuardStore{Dir: directory.DefaultCacheDir()}
	consensusText := loadOrFetchConsensus(cache)
	keyCerts := loadOrFetchKeyCerts(cache, logger)
	consensus := validateAndParseConsensus(consensusText, keyCerts, cache, logger)
	populateMicrodescriptors(consensus, cache, logger)

	fmt.Println("\nSelecting path and building circuit...")
	circ, circLink := buildInitialCircuit(consensus, guards, cfg, *bridgeAddr, logger)

	runSOCKSProxy(consensus, circ, circLink, cfg, logger)
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("tor-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	logger := wclog.New(logFile, os.Stdout)
	return logger, logFile
}

func loadOrFetchConsensus(cache *directory.Cache) string {
	if text, ok := cache.LoadConsensus(); ok {
		fmt.Println("Loaded consensus from cache")
		return text
	}
	fmt.Println("Fetching consensus from directory authorities...")
	text, err := directory.FetchConsensus()
	if err != nil {
		fmt.Printf("  Failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Fetched consensus (%d bytes)\n", len(text))
	return text
}

func loadOrFetchKeyCerts(cache *directory.Cache, logger *slog.Logger) []directory.KeyCert {
	keyCerts, err := cache.LoadKeyCerts()
	if err == nil && len(keyCerts) > 0 {
		fmt.Printf("Loaded %d authority key certificates from cache\n", len(keyCerts))
		return keyCerts
	}
	fmt.Println("Fetching authority key certificates...")
	keyCerts, err = directory.FetchKeyCerts()
	if err != nil {
		fmt.Printf("  Warning: failed to fetch key certificates: %v\n", err)
		fmt.Println("  Falling back to structural signature validation")
		return nil
	}
	fmt.Printf("  Fetched %d authority key certificates\n", len(keyCerts))
	if err := cache.SaveKeyCerts(keyCerts); err != nil {
		logger.Warn("failed to cache key certs", "error", err)
	}
	return keyCerts
}

func validateAndParseConsensus(text string, keyCerts []directory.KeyCert, cache *directory.Cache, logger *slog.Logger) *directory.Consensus {
	if err := directory.ValidateSignatures(text, keyCerts); err != nil {
		fmt.Printf("  Signature validation failed: %v\n", err)
		os.Exit(1)
	}
	if len(keyCerts) > 0 {
		fmt.Println("  Consensus cryptographically verified (≥5 RSA signatures)")
	} else {
		fmt.Println("  Consensus structurally validated (≥5 authority signatures)")
	}

	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		fmt.Printf("  Parse failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Parsed: %d relays, valid until %s\n", len(consensus.Relays), consensus.ValidUntil.Format(time.RFC3339))

	if err := directory.ValidateFreshness(consensus); err != nil {
		fmt.Printf("  Consensus validation failed: %v\n", err)
		os.Exit(1)
	}
	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("failed to cache consensus", "error", err)
	}
	return consensus
}

func populateMicrodescriptors(consensus *directory.Consensus, cache *directory.Cache, logger *slog.Logger) {
	fmt.Println("Fetching microdescriptors...")
	var usefulRelays []directory.Relay
	for _, r := range consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && (r.Flags.Guard || r.Flags.Exit || r.Flags.Fast || r.Flags.HSDir) {
			usefulRelays = append(usefulRelays, r)
		}
	}
	fmt.Printf("  %d relays with useful flags\n", len(usefulRelays))

	cachedCount := cache.LoadMicrodescriptors(usefulRelays)
	if cachedCount > 0 {
		fmt.Printf("  Loaded %d relays from microdescriptor cache\n", cachedCount)
	}

	fetchMissingMicrodescriptors(usefulRelays, logger)

	ntorCount := countNtorKeys(usefulRelays)
	fmt.Printf("  %d relays with ntor keys\n", ntorCount)

	if err := cache.SaveMicrodescriptors(usefulRelays); err != nil {
		logger.Warn("failed to cache microdescriptors", "error", err)
	}
	consensus.Relays = usefulRelays
}

func fetchMissingMicrodescriptors(relays []directory.Relay, logger *slog.Logger) {
	needFetch := 0
	for _, r := range relays {
		if !r.HasNtorKey {
			needFetch++
		}
	}
	if needFetch == 0 {
		return
	}
	fmt.Printf("  Fetching microdescriptors for %d relays...\n", needFetch)
	for _, addr := range directory.DirAuthorities {
		if directory.UpdateRelaysWithMicrodescriptors(addr, relays) == nil {
			break
		}
		logger.Warn("microdesc fetch failed", "addr", addr)
	}
}

func countNtorKeys(relays []directory.Relay) int {
	count := 0
	for _, r := range relays {
		if r.HasNtorKey {
			count++
		}
	}
	return count
}

// buildCarrierPolicy composes the configured pluggable-transport carriers
// into a failover.Policy. WebRTC is deliberately left out here: it needs a
// live broker session (see cmd/broker, cmd/bridge-relay), not just an
// address string, so it is wired into the bridge-relay/broker path instead
// of this direct-dial client policy.
func buildCarrierPolicy(cfg config.Config) *failover.Policy {
	var dialers []transport.Dialer
	for _, c := range cfg.CarrierOrder {
		switch c {
		case config.CarrierWS:
			dialers = append(dialers, ws.Dialer{})
		case config.CarrierWebTunnel:
			if cfg.WebTunnelSecret != "" {
				dialers = append(dialers, webtunnel.Dialer{Secret: cfg.WebTunnelSecret})
			}
		case config.CarrierMeek:
			dialers = append(dialers, meek.Dialer{})
		}
	}
	return failover.NewPolicy(dialers...)
}

func buildInitialCircuit(consensus *directory.Consensus, guards *pathselect.GuardStore, cfg config.Config, bridgeAddr string, logger *slog.Logger) (*circuit.Circuit, *link.Link) {
	policy := buildCarrierPolicy(cfg)
	for attempt := 0; attempt < 3; attempt++ {
		circ, l, err := tryBuildInitialCircuit(consensus, guards, policy, bridgeAddr, logger)
		if err != nil {
			fmt.Printf("  Attempt %d failed: %v\n", attempt, err)
			continue
		}
		fmt.Printf("  3-hop circuit built! (ID: 0x%08x)\n", circ.ID)
		return circ, l
	}
	fmt.Println("\nFailed to build circuit after 3 attempts.")
	os.Exit(1)
	return nil, nil
}

func tryBuildInitialCircuit(consensus *directory.Consensus, guards *pathselect.GuardStore, policy *failover.Policy, bridgeAddr string, logger *slog.Logger) (*circuit.Circuit, *link.Link, error) {
	path, err := pathselect.SelectPathPinned(consensus, guards.Load())
	if err != nil {
		return nil, nil, fmt.Errorf("path selection: %w", err)
	}
	fmt.Printf("  Path: %s → %s → %s\n", path.Guard.Nickname, path.Middle.Nickname, path.Exit.Nickname)

	l, err := connectGuard(path, bridgeAddr, policy, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("guard connection: %w", err)
	}
	if err := guards.Save(fmt.Sprintf("%x", path.Guard.Identity)); err != nil {
		logger.Warn("failed to persist guard choice", "error", err)
	}

	_ = l.SetDeadline(time.Now().Add(30 * time.Second))
	circ, err := circuit.Create(l, relayInfoFromConsensus(&path.Guard), logger)
	if err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("circuit create: %w", err)
	}

	if err := circ.Extend(relayInfoFromConsensus(&path.Middle), logger); err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("extend to middle: %w", err)
	}

	if err := circ.Extend(relayInfoFromConsensus(&path.Exit), logger); err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("extend to exit: %w", err)
	}

	_ = l.SetDeadline(time.Time{})
	return circ, l, nil
}

// connectGuard dials the first hop. With no bridge address configured this
// is a direct TCP connection to the selected guard, exactly as before. A
// configured bridge address instead routes through the carrier failover
// policy, and link.HandshakeOverCarrier runs the same CERTS-based identity
// check on top regardless of which carrier won.
func connectGuard(path *pathselect.Path, bridgeAddr string, policy *failover.Policy, logger *slog.Logger) (*link.Link, error) {
	if bridgeAddr == "" {
		return link.Handshake(fmt.Sprintf("%s:%d", path.Guard.Address, path.Guard.ORPort), logger)
	}

	carrier, err := policy.Dial(bridgeAddr)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	if err := failover.VerifyAlive(carrier); err != nil {
		_ = carrier.Close()
		return nil, fmt.Errorf("bridge carrier died immediately: %w", err)
	}
	return link.HandshakeOverCarrier(carrier, bridgeAddr, logger)
}

func runSOCKSProxy(consensus *directory.Consensus, circ *circuit.Circuit, circLink *link.Link, cfg config.Config, logger *slog.Logger) {
	var mu sync.Mutex
	socksAddr := "127.0.0.1:9050"
	fmt.Printf("\nStarting SOCKS5 proxy on %s...\n", socksAddr)

	// Attach the shaper (if any) now that the circuit has finished building:
	// CREATE2/EXTEND2/EXTENDED2 must go out at their exact protocol sizes, so
	// shaping only applies to traffic sent after this point.
	if cfg.ShaperProfile != config.ShaperNone {
		circ.Shaper = shaper.New(cfg)
	}

	// Circuit.Run is the single read-loop owner that demuxes relay cells to
	// each stream's inbox; every stream.Begin blocks on it. It must not start
	// until circuit building (which reads directly via Extend) is done.
	go circ.Run()

	srv := &socks.Server{
		Addr:   socksAddr,
		Logger: logger,
		GetCirc: func() (*circuit.Circuit, error) {
			mu.Lock()
			defer mu.Unlock()
			if circ == nil {
				return nil, fmt.Errorf("circuit destroyed")
			}
			return circ, nil
		},
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		_ = srv.Close()
		mu.Lock()
		_ = circ.Destroy()
		circ = nil
		mu.Unlock()
		_ = circLink.Close()
	}()

	fmt.Println("Ready. Use: curl --socks5-hostname 127.0.0.1:9050 http://example.com")
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("SOCKS5 server error: %v\n", err)
	}
}

func relayInfoFromConsensus(relay *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       relay.Identity,
		NtorOnionKey: relay.NtorOnionKey,
		Address:      relay.Address,
		ORPort:       relay.ORPort,
	}
}
