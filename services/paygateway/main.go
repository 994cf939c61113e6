package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"supipay/assets"
	"supipay/escrow"
	"supipay/gateway/middleware"
	"supipay/ledger"
	"supipay/observability/logging"
	oteltel "supipay/observability/otel"
	"supipay/storage"
	"supipay/swap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logging.Setup("paygateway", "", nil).Error("load config", "err", err)
		os.Exit(1)
	}

	var rotation *logging.RotationConfig
	if cfg.LogFile != "" {
		rotation = &logging.RotationConfig{Path: cfg.LogFile, MaxSizeMB: 100, MaxBackups: 5}
	}
	log := logging.Setup("paygateway", cfg.Environment, rotation)

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := oteltel.Init(context.Background(), oteltel.Config{
			ServiceName: "paygateway",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     oteltel.ParseHeaders(cfg.Telemetry.Headers),
			Traces:      true,
			Metrics:     true,
		})
		if err != nil {
			log.Error("init telemetry", "err", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Warn("telemetry shutdown", "err", err)
			}
		}()
	}

	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Error("open store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	node := ledger.NewRPCClient(cfg.NodeURL, cfg.NodeAuthToken)
	tx := ledger.NewTxClient(node, log)
	tx.SetPollConfig(ledger.PollConfig{Interval: cfg.PollInterval.Duration, MaxAttempts: cfg.PollAttempts})

	resolver := assets.NewResolver(node, cfg.WellKnownIssuers)
	swaps := swap.NewEngine(node, tx, log)
	if err := swaps.SetSlippage(decimal.NewFromFloat(cfg.SlippagePercent / 100)); err != nil {
		log.Error("configure slippage", "err", err)
		os.Exit(1)
	}

	orch := escrow.NewOrchestrator(tx, resolver, swaps, store, store, cfg.EscrowContract, log)
	orch.SetValidity(cfg.OTPValidity.Duration)

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "paygateway",
		LogRequests: cfg.LogRequests,
		Enabled:     true,
	}, log)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"pay":     {RequestsPerMinute: cfg.RateLimits.PayPerMinute, Burst: cfg.RateLimits.Burst},
		"status":  {RequestsPerMinute: cfg.RateLimits.ReadPerMinute, Burst: cfg.RateLimits.Burst},
		"wallets": {RequestsPerMinute: cfg.RateLimits.ReadPerMinute, Burst: cfg.RateLimits.Burst},
	}, log)
	cors := middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins})

	server := NewServer(orch, store, obs, limiter, cors, log)
	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server,
	}

	go func() {
		log.Info("payment gateway listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down payment gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}
}
