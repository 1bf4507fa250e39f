// nash-stats is the metrics aggregation daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nashlabs/nash-stats/config"
	"github.com/nashlabs/nash-stats/internal/fetch"
	"github.com/nashlabs/nash-stats/internal/logging"
	"github.com/nashlabs/nash-stats/internal/orders"
	"github.com/nashlabs/nash-stats/internal/server"
	"github.com/nashlabs/nash-stats/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	noTLS := flag.Bool("no-tls", false, "disable TLS")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	token := flag.String("token", "", "auth token (or NASH_STATS_TOKEN env)")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	jsonLogs := flag.Bool("json-logs", false, "log in JSON format")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logging.Init(level, *jsonLogs)
	log := logging.Component("main")

	log.Info("nash-stats starting", "version", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *noTLS {
		cfg.TLS.Disabled = true
	}
	if *tlsCert != "" {
		cfg.TLS.CertPath = *tlsCert
	}
	if *tlsKey != "" {
		cfg.TLS.KeyPath = *tlsKey
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	authToken := *token
	if authToken == "" {
		authToken = os.Getenv("NASH_STATS_TOKEN")
	}
	if authToken != "" {
		cfg.Auth.Tokens = append(cfg.Auth.Tokens, authToken)
	}

	if len(cfg.Auth.Tokens) == 0 {
		log.Error("at least one auth token required (use -token or config)")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg)
	if err != nil {
		log.Error("create storage", "error", err)
		os.Exit(1)
	}
	if err := store.Start(); err != nil {
		log.Error("start storage", "error", err)
		os.Exit(1)
	}
	log.Info("storage started", "data_dir", cfg.DataDir,
		"window", cfg.Window.Duration, "retention", cfg.Retention.Period)

	var poller *fetch.Poller
	var orderStore *orders.Store
	if cfg.Fetch.Enabled {
		orderStore, err = orders.OpenStore(cfg.OrdersDBPath())
		if err != nil {
			log.Error("open orders store", "error", err)
			os.Exit(1)
		}

		poller, err = fetch.New(fetch.Config{
			URL:      cfg.Fetch.URL,
			Market:   cfg.Fetch.Market,
			Interval: cfg.Fetch.Interval,
			Timeout:  cfg.Fetch.Timeout,
		}, orderStore, store)
		if err != nil {
			log.Error("create order poller", "error", err)
			os.Exit(1)
		}
		go poller.Run(context.Background())
	}

	srv := server.New(&server.Config{
		Listen:             cfg.Listen,
		TLSDisabled:        cfg.TLS.Disabled,
		TLSCertFile:        cfg.TLS.CertPath,
		TLSKeyFile:         cfg.TLS.KeyPath,
		Tokens:             cfg.Auth.Tokens,
		AuthTimeout:        cfg.Limits.AuthTimeout,
		IdleTimeout:        cfg.Limits.IdleTimeout,
		MalformedThreshold: cfg.Limits.MalformedThreshold,
		MaxMessageSize:     cfg.Limits.MaxMessageSize,
		RateLimitPerMinute: cfg.Auth.RateLimitPerMinute,
	}, store)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		srv.Shutdown()
	}()

	runErr := srv.Run()

	// srv.Run returns once all connections have drained. Only then is
	// it safe to stop the poller and take the final checkpoint.
	if poller != nil {
		poller.Stop()
		orderStore.Close()
	}
	if err := store.Stop(); err != nil {
		log.Warn("storage stop", "error", err)
	}

	if runErr != nil {
		log.Error("server error", "error", runErr)
		os.Exit(1)
	}
	log.Info("nash-stats stopped")
}
