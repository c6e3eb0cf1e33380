// Package main is the CLI entry point for ha-api-limiter — a
// man-in-the-middle reverse proxy that sits between a client and a
// home-automation hub, enforcing (limit mode) or growing (learn mode)
// an allowlist of endpoints, entities, devices, areas, and WebSocket
// message types.
//
// Architecture overview:
//
//	Client --> haproxy (:8080) --> Home Assistant (:8123)
//	            |                      |
//	            +-- gate/filter -------+
//	            |-- consult allowlist
//	            |-- allow/deny (limit) or observe/grow (learn)
//	            +-- forward (HTTP + WebSocket)
//
// CLI commands (cobra):
//
//	haproxy              - run the proxy server (foreground)
//	haproxy config init  - write a default allowlist file
//	haproxy learn status - show what learn mode has observed so far
//	haproxy version      - print build info
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/corfr/ha-api-limiter/internal/allowlist"
	"github.com/corfr/ha-api-limiter/internal/config"
	"github.com/corfr/ha-api-limiter/internal/gate"
	"github.com/corfr/ha-api-limiter/internal/learner"
	"github.com/corfr/ha-api-limiter/internal/learnstore"
	"github.com/corfr/ha-api-limiter/internal/proxy"
	"github.com/corfr/ha-api-limiter/internal/wsproxy"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// Flag-backed settings. Defaults come from config.Defaults(); env vars
// (handled by config.ApplyEnvOverrides) take precedence over those,
// and any flag the user actually sets on the command line takes
// precedence over both.
var (
	flagHAUrl      string
	flagMode       string
	flagConfigPath string
	flagHost       string
	flagPort       int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "haproxy",
	Short: "Reverse proxy enforcing an allowlist in front of a home-automation hub",
	Long: `haproxy sits between a client and a home-automation hub's HTTP and
WebSocket API. In limit mode it enforces an allowlist, rejecting anything
not explicitly permitted. In learn mode it observes traffic and grows the
allowlist instead of blocking anything, so an operator can build up a
baseline before switching to limit mode.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	defaults := config.Defaults()
	rootCmd.Flags().StringVar(&flagHAUrl, "ha-url", defaults.HAUrl, "Base URL of the home-automation hub")
	rootCmd.Flags().StringVar(&flagMode, "mode", string(defaults.Mode), `Operating mode: "learn" or "limit"`)
	rootCmd.Flags().StringVar(&flagConfigPath, "config", defaults.ConfigPath, "Path to the allowlist YAML file")
	rootCmd.Flags().StringVar(&flagHost, "host", defaults.Host, "Address to listen on")
	rootCmd.Flags().IntVar(&flagPort, "port", defaults.Port, "Port to listen on")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolveConfig builds the effective Config: defaults, then env
// overrides, then any flag the user actually set on the command line.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Defaults()
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("ha-url") {
		cfg.HAUrl = flagHAUrl
	}
	if flags.Changed("mode") {
		cfg.Mode = config.Mode(flagMode)
	}
	if flags.Changed("config") {
		cfg.ConfigPath = flagConfigPath
	}
	if flags.Changed("host") {
		cfg.Host = flagHost
	}
	if flags.Changed("port") {
		cfg.Port = flagPort
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runServe wires every subsystem together and blocks serving HTTP +
// WebSocket traffic until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	a, err := allowlist.Load(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading allowlist: %w", err)
	}

	slog.Info("starting proxy", "mode", cfg.Mode, "ha_url", cfg.HAUrl, "config", cfg.ConfigPath)

	var l *learner.Learner
	var store *learnstore.Store
	if cfg.Mode == config.ModeLearn {
		storePath := cfg.ConfigPath + ".learn.db"
		store, err = learnstore.Open(storePath)
		if err != nil {
			return fmt.Errorf("opening learn store: %w", err)
		}
		defer store.Close()
		l = learner.New(a, store, slog.Default())
	}

	// Tuned for talking to a single local hub — a handful of persistent
	// connections is plenty, and the hub is fast, so a generous overall
	// timeout guards against a wedged backend without punishing normal
	// traffic.
	upstreamClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     120 * time.Second,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
		},
		Timeout: 30 * time.Second,
	}

	proxyHandler := proxy.New(proxy.Options{
		Config:         &cfg,
		Gate:           gate.New(a),
		Learner:        l,
		UpstreamClient: upstreamClient,
	})

	relay := wsproxy.New(wsproxy.Options{
		Config:    &cfg,
		Allowlist: a,
		Learner:   l,
		Log:       slog.Default(),
	})

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 5*time.Second)
	if err := proxy.UpstreamReachable(checkCtx, upstreamClient, cfg.HAUrl); err != nil {
		slog.Warn("hub not reachable at startup, will keep retrying on each request", "ha_url", cfg.HAUrl, "error", err)
	}
	cancelCheck()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			relay.ServeHTTP(w, r)
			return
		}
		proxyHandler.ServeHTTP(w, r)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Mode == config.ModeLimit {
		watcher, err := config.NewWatcher(cfg.ConfigPath, config.WatchTargets{
			OnAllowlistChange: func() {
				if reloadErr := a.Reload(); reloadErr != nil {
					slog.Error("failed to reload allowlist", "error", reloadErr)
					return
				}
				slog.Info("allowlist reloaded")
			},
		})
		if err != nil {
			return fmt.Errorf("starting allowlist watcher: %w", err)
		}
		defer watcher.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down (signal received)")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	if l != nil {
		l.Save()
	}

	slog.Info("stopped")
	return nil
}
