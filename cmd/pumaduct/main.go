// Command pumaduct runs the application-service bridge: it loads the
// YAML configuration, wires the layer constructor graph leaves-first
// (spec.md §9's "avoid any pattern that needs two-phase pointer
// fix-up"), and runs the main loop until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/auth"
	"github.com/ndl/pumaduct/internal/bridge"
	"github.com/ndl/pumaduct/internal/config"
	"github.com/ndl/pumaduct/internal/homeserver"
	"github.com/ndl/pumaduct/internal/httpfrontend"
	"github.com/ndl/pumaduct/internal/identity"
	"github.com/ndl/pumaduct/internal/imclient"
	"github.com/ndl/pumaduct/internal/imclient/mock"
	"github.com/ndl/pumaduct/internal/logging"
	"github.com/ndl/pumaduct/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional: operators running under systemd/k8s set these
	// directly in the environment, the way the teacher's cmd/v1/session
	// loads .env only for local development.
	_ = godotenv.Load()

	configPath := os.Getenv("PUMADUCT_CONFIG")
	if configPath == "" {
		configPath = "pumaduct.yaml"
	}

	if err := logging.Initialize(os.Getenv("PUMADUCT_DEV") == "true"); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	logger := logging.GetLogger()
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := storage.Open(cfg.DBSpec)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	hsHost := hsHostFromServer(cfg.HSServer)

	mapper, err := buildMapper(cfg, hsHost)
	if err != nil {
		return fmt.Errorf("building identity mapper: %w", err)
	}
	acl, err := identity.NewAccessList(hsHost, cfg.UsersBlacklist, cfg.UsersWhitelist, cfg.MaxCacheItems)
	if err != nil {
		return fmt.Errorf("building access list: %w", err)
	}

	hs := homeserver.New(cfg.HSServer, cfg.ASAccessToken, cfg.VerifyHSCert)
	verifier := auth.NewVerifier(cfg.HSAccessToken)

	// Concrete back-ends (libpurple, skpy, ...) are out of scope (spec
	// §1); this registry is where a real deployment would plug one in
	// per configured network.client key. The mock stands in so every
	// enabled network has something bound to it.
	clients := make(map[string]imclient.Backend)
	for _, nc := range cfg.Networks {
		if !nc.IsEnabled() {
			continue
		}
		if _, ok := clients[nc.Client]; !ok {
			clients[nc.Client] = mock.New()
		}
	}

	loop := bridge.NewMainLoop(256)

	base := bridge.NewBase(cfg, loop, hs, store, mapper, acl, clients)
	messages := bridge.NewMessages(base)
	service := bridge.NewService(base, messages)
	connection := bridge.NewConnection(base)
	registration := bridge.NewRegistration(base, messages, service)
	roomState := bridge.NewRoomState(base, service)
	presence := bridge.NewPresence(base, service)
	typing := bridge.NewTyping(base)
	input := bridge.NewInput(base, service, registration)
	info := bridge.NewInfo(base, service, messages)

	layers := []bridge.Layer{
		base, connection, service, messages, registration, roomState, presence, typing, input, info,
	}

	for _, l := range layers {
		if err := l.Init(); err != nil {
			return fmt.Errorf("initializing layer: %w", err)
		}
	}

	frontend := httpfrontend.New(fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port), verifier, loop, base)

	go loop.Run()

	loop.Post(func() {
		for _, l := range layers {
			l.Start()
		}
		frontend.Start()
	})

	logger.Info("pumaduct started", zap.String("bind_address", cfg.BindAddress), zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := frontend.Stop(shutdownCtx); err != nil {
		logger.Warn("http frontend shutdown error", zap.Error(err))
	}

	// Layers stop in reverse initialization order, per spec.md §5.
	deadline := time.Now().Add(time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second)
	loop.Post(func() {
		for i := len(layers) - 1; i >= 0; i-- {
			layers[i].Stop()
		}
	})

	pollInterval := time.Duration(cfg.ShutdownPollIntervalSeconds) * time.Second
	for time.Now().Before(deadline) {
		if allStopped(layers) {
			break
		}
		time.Sleep(pollInterval)
	}
	loop.Stop()
	<-loop.Done()

	logger.Info("pumaduct stopped")
	return nil
}

func allStopped(layers []bridge.Layer) bool {
	for _, l := range layers {
		if !l.Stopped() {
			return false
		}
	}
	return true
}

// hsHostFromServer extracts the bare host (no scheme, no port) from the
// configured hs_server URL. Base derives the identical value internally
// (base.go's parseHSHost) but main needs its own copy to build the
// identity mapper and access list before Base exists.
func hsHostFromServer(hsServer string) string {
	u, err := url.Parse(hsServer)
	if err != nil || u.Host == "" {
		return hsServer
	}
	host := u.Host
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}
	return host
}

func buildMapper(cfg *config.Config, hsHost string) (*identity.Mapper, error) {
	networks := make(map[string]identity.NetworkMapping, len(cfg.Networks))
	for name, nc := range cfg.Networks {
		re, err := regexp.Compile(nc.ExtPattern)
		if err != nil {
			return nil, fmt.Errorf("network %q: compiling ext_pattern: %w", name, err)
		}
		networks[name] = identity.NetworkMapping{
			Prefix:     nc.Prefix,
			ExtPattern: re,
			ExtFormat:  nc.ExtFormat,
		}
	}
	return identity.NewMapper(hsHost, networks, cfg.MaxCacheItems)
}
