package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailbridge/internal/agent"
	"mailbridge/internal/channel"
	"mailbridge/internal/config"
	"mailbridge/internal/dispatch"
	"mailbridge/internal/domain"
	"mailbridge/internal/events"
	"mailbridge/internal/metrics"
	"mailbridge/internal/monitor"
	"mailbridge/internal/outbound"
	"mailbridge/internal/pairing"
	"mailbridge/internal/provider"
	"mailbridge/internal/routing"
	"mailbridge/internal/session"

	"github.com/spf13/cobra"
)

const (
	shutdownTimeout      = 30 * time.Second
	pairingCleanInterval = time.Hour
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the mail gateway (all enabled AgentMail accounts)",
		Long:  "Connects every enabled AgentMail account's event stream and answers inbound mail. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger)
	metrics.Subscribe(bus)

	sessions := session.NewRegistry(logger)
	defer sessions.Close()

	prov, err := provider.FromConfig(cfg.Agent, logger)
	if err != nil {
		return fmt.Errorf("agent provider: %w", err)
	}
	if err := prov.Healthy(ctx); err != nil {
		logger.Warn("agent provider unhealthy at startup", "provider", prov.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", prov.Name())
	}

	pipeline := agent.NewPipeline(agent.PipelineConfig{
		Provider:         prov,
		Sessions:         sessions,
		SystemPrompt:     cfg.Agent.SystemPrompt,
		HistoryLimit:     cfg.Agent.HistoryLimit,
		MaxTokens:        cfg.Agent.MaxTokens,
		MaxContextTokens: cfg.Agent.MaxContextTokens,
		Temperature:      cfg.Agent.Temperature,
		ChunkLimit:       cfg.Channels.AgentMail.TextChunkLimit,
		RateBurst:        cfg.Agent.RateBurst,
		RatePerMinute:    cfg.Agent.RatePerMinute,
		Logger:           logger,
	})

	var pairings *pairing.Service
	if needsPairing(cfg) {
		pairings, err = openPairing(cfg)
		if err != nil {
			return err
		}
		defer pairings.Close()
		go cleanPairings(ctx, pairings)
	}

	router := routing.NewRouter(cfg.Routing, logger)
	sender := outbound.NewSender(outbound.SenderConfig{
		Config:  cfg,
		Clients: outbound.PoolClients(newPool(cfg)),
		Bus:     bus,
		Logger:  logger,
	})

	mail := channel.NewAgentMail(channel.AgentMailConfig{
		Config: cfg,
		Sender: sender,
		Bus:    bus,
		Logger: logger,
		NewHandler: func(acct domain.Account) (monitor.MessageHandler, error) {
			dc := dispatch.Config{
				Account:       acct,
				StoreTemplate: cfg.Session.Store,
				Router:        router,
				Sessions:      sessions,
				Pipeline:      pipeline,
				Sender:        sender,
				Bus:           bus,
				Logger:        logger,
			}
			if pairings != nil {
				dc.Pairing = pairings
			}
			return dispatch.New(dc), nil
		},
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg, mail, bus)
	}

	if err := mail.Start(ctx); err != nil {
		return fmt.Errorf("start agentmail: %w", err)
	}
	logger.Info("gateway started. Press Ctrl+C to stop.", "accounts", mail.Running())

	<-ctx.Done()
	logger.Info("shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mail.Stop()
	}()

	var shutdownErr error
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = errors.New("shutdown timed out")
	}

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return shutdownErr
}

// startMetricsServer serves the Prometheus text endpoint, a JSON status
// endpoint and the recent event feed.
func startMetricsServer(cfg *config.Config, mail *channel.AgentMail, bus *events.Bus) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Endpoint, metrics.Collector.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, mail.Tracker().All())
	})
	mux.Handle("/events", bus.Handler())

	srv := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", srv.Addr, "endpoint", cfg.Metrics.Endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "err", err)
		}
	}()
	return srv
}

// needsPairing reports whether any account uses the pairing policy.
func needsPairing(cfg *config.Config) bool {
	for _, d := range channel.Describe(cfg) {
		if d.Enabled && d.DMPolicy == domain.DMPolicyPairing {
			return true
		}
	}
	return false
}

func openPairing(cfg *config.Config) (*pairing.Service, error) {
	return pairing.Open(pairing.Config{
		Path:    cfg.Session.PairingStore,
		TTLDays: cfg.Session.PairingTTLDays,
		Logger:  logger,
	})
}

func cleanPairings(ctx context.Context, ps *pairing.Service) {
	ticker := time.NewTicker(pairingCleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ps.CleanExpired(ctx)
			if err != nil {
				logger.Warn("pairing cleanup failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("expired pairing entries removed", "count", n)
			}
		}
	}
}
