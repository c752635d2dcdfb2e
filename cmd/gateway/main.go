// Command gateway is the aggregating MCP/A2A proxy's entry point: it loads
// the root configuration document, wires every internal component
// (event store, target registry, secrets, tool adapter, per-connector
// queues, proxy, A2A cache, auth, audit, retention) and serves the HTTP
// gateway until a shutdown signal arrives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/HyphaGroup/oubliette/internal/a2a"
	"github.com/HyphaGroup/oubliette/internal/apperr"
	"github.com/HyphaGroup/oubliette/internal/audit"
	"github.com/HyphaGroup/oubliette/internal/auth"
	"github.com/HyphaGroup/oubliette/internal/config"
	"github.com/HyphaGroup/oubliette/internal/eventstore"
	"github.com/HyphaGroup/oubliette/internal/gateway"
	"github.com/HyphaGroup/oubliette/internal/logger"
	"github.com/HyphaGroup/oubliette/internal/proxy"
	"github.com/HyphaGroup/oubliette/internal/queue"
	"github.com/HyphaGroup/oubliette/internal/retention"
	"github.com/HyphaGroup/oubliette/internal/secrets"
	"github.com/HyphaGroup/oubliette/internal/target"
	"github.com/HyphaGroup/oubliette/internal/tooladapter"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Printf("oubliette-gateway %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}
	run()
}

func printUsage() {
	fmt.Println(`oubliette-gateway - MCP/A2A aggregating proxy

Usage: oubliette-gateway [options]

Options:
  --dir string     Home directory holding config/ and data/ (default: ~/.oubliette-gateway)
  --addr string    HTTP listen address (default: :8787)
  --auth string    Auth mode: none|bearer (default: bearer)
  --hide-404       Respond 403 instead of 404 for unknown/disabled targets`)
}

func run() {
	dirFlag := flag.String("dir", "", "gateway home directory (default: ~/.oubliette-gateway)")
	addrFlag := flag.String("addr", ":8787", "HTTP listen address")
	authFlag := flag.String("auth", "bearer", "auth mode: none|bearer")
	hideNotFound := flag.Bool("hide-404", false, "respond 403 instead of 404 for unknown/disabled targets")
	flag.Parse()

	home := resolveHome(*dirFlag)
	configDir := filepath.Join(home, "config")
	dataDir := filepath.Join(home, "data")
	logDir := filepath.Join(dataDir, "logs")

	if err := logger.Init(logDir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	cfg, err := config.Load(configDir)
	if err != nil {
		logger.Fatalf("loading configuration: %v", err)
	}

	es, err := eventstore.Open(dataDir)
	if err != nil {
		logger.Fatalf("opening event store: %v", err)
	}
	defer func() { _ = es.Close() }()

	targets := target.New(es.DB)
	if err := seedTargets(targets, cfg); err != nil {
		logger.Fatalf("seeding targets from configuration: %v", err)
	}

	secretsResolver := secrets.NewResolver(secrets.NewVaultBackend(envVaultEntries()))

	tools := tooladapter.New(es)
	tools.UseSecrets(secretsResolver, cfg.ConfigDir)

	mgr := queue.NewManager(64)
	statePath := filepath.Join(dataDir, "proxy-runtime-state.json")
	p := proxy.New(targets, tools, mgr, statePath)
	if err := p.Start(); err != nil {
		logger.Fatalf("starting proxy: %v", err)
	}

	agentCache := a2a.NewCache(es.DB, targets)

	authStore, err := auth.NewStore(dataDir)
	if err != nil {
		logger.Fatalf("opening auth store: %v", err)
	}
	defer func() { _ = authStore.Close() }()

	auditLogger := audit.New(true)

	mode := auth.ModeBearer
	if *authFlag == "none" {
		mode = auth.ModeNone
	}
	gw := gateway.New(p, agentCache, targets, mgr, authStore, es, auditLogger, gateway.Config{
		AuthMode:     mode,
		HideNotFound: *hideNotFound,
		StatePath:    statePath,
	})

	var sweeper *retention.Sweeper
	if cfg.Retention != nil {
		sweeper = retention.New(es, targets, retention.Policy{
			KeepLastSessions: cfg.Retention.KeepLastSessions,
			RawDays:          cfg.Retention.RawDays,
			MaxDBMB:          cfg.Retention.MaxDBMB,
			CronExpr:         cfg.Retention.CronExpr,
		}, time.Hour)
		sweeper.Start()
	}

	heartbeat := time.NewTicker(5 * time.Second)
	defer heartbeat.Stop()
	go func() {
		for range heartbeat.C {
			if err := p.Heartbeat(); err != nil {
				logger.Error("proxy heartbeat: %v", err)
			}
		}
	}()

	httpServer := &http.Server{
		Addr:    *addrFlag,
		Handler: gw.Handler(),
	}

	logger.Info("oubliette gateway listening on %s (auth=%s, connectors=%d)", *addrFlag, mode, len(cfg.Connectors))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("gateway server error: %v", err)
		}
	case sig := <-shutdownChan:
		logger.Info("received signal %v, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("gateway shutdown: %v", err)
		}
		if sweeper != nil {
			sweeper.Stop()
		}
		if err := p.Stop(); err != nil {
			logger.Error("stopping proxy: %v", err)
		}
	}
}

// seedTargets registers every connector from the configuration document
// into the target registry, tolerating ids that already exist (a restart
// re-applying the same config).
func seedTargets(targets *target.Registry, cfg *config.RootConfig) error {
	for _, cc := range cfg.Connectors {
		protocol := target.ProtocolMCP
		typ := target.Type(cc.Transport.Type)
		var rawConfig []byte
		var err error

		if cc.Protocol == "a2a" {
			protocol = target.ProtocolA2A
			typ = target.TypeRPCHTTP
			rawConfig, err = json.Marshal(map[string]any{"url": cc.URL, "ttl_seconds": cc.TTLSecs})
		} else {
			rawConfig, err = json.Marshal(map[string]any{"transport": cc.Transport})
		}
		if err != nil {
			return fmt.Errorf("encoding target config for %s: %w", cc.ID, err)
		}

		_, err = targets.Create(target.Target{
			ID:       cc.ID,
			Type:     typ,
			Protocol: protocol,
			Name:     cc.Name,
			Enabled:  cc.IsEnabled(),
			Config:   rawConfig,
		})
		if err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("registering target %s: %w", cc.ID, err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return apperr.KindOf(err) == apperr.KindAlreadyExists
}

func resolveHome(dirFlag string) string {
	if dirFlag != "" {
		return dirFlag
	}
	if env := os.Getenv("OUBLIETTE_GATEWAY_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".oubliette-gateway"
	}
	return filepath.Join(home, ".oubliette-gateway")
}

// envVaultEntries loads secret plaintext from OUBLIETTE_SECRET_<NAME>
// environment variables into the in-process vault backend, addressed by
// connector configs as secret://<name>.
func envVaultEntries() map[string]string {
	const prefix = "OUBLIETTE_SECRET_"
	entries := make(map[string]string)
	for _, kv := range os.Environ() {
		if len(kv) <= len(prefix) || kv[:len(prefix)] != prefix {
			continue
		}
		rest := kv[len(prefix):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '=' {
				entries[rest[:i]] = rest[i+1:]
				break
			}
		}
	}
	return entries
}
