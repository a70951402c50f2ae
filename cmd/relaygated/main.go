package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"relaygate/config"
	"relaygate/dedup"
	"relaygate/gateway"
	"relaygate/ledger"
	"relaygate/monitor"
	"relaygate/notify"
	"relaygate/observability"
	"relaygate/observability/logging"
	"relaygate/orders"
	"relaygate/proof"
	"relaygate/verify"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "relaygate.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.Setup("relaygated", cfg.Environment)
	metrics := observability.Gateway()

	if err := run(cfg, log, metrics); err != nil {
		log.Error("relaygated failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger, metrics *observability.GatewayMetrics) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evm, err := ledger.Dial(
		cfg.Ledger.RPCURL,
		common.HexToAddress(cfg.Ledger.RegistryContract),
		common.HexToAddress(cfg.Ledger.RouterContract),
	)
	if err != nil {
		return fmt.Errorf("dial ledger: %w", err)
	}
	retrier := ledger.NewRetrier(
		ledger.WithRetryHook(func(attempt int, err error) {
			metrics.LedgerRetry()
			log.Warn("ledger call retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}),
		ledger.WithExhaustedHook(func(err error) {
			metrics.LedgerExhausted()
		}),
	)
	chain := ledger.NewRetryingClient(evm, retrier)

	mode, err := verify.ParseMode(cfg.Verify.Mode)
	if err != nil {
		return err
	}
	listeners := verify.NewListenerChecker(chain, cfg.MinStake(), cfg.Verify.MinReputation, mode, log)
	payments := verify.NewPaymentVerifier(chain, cfg.Verify.MinConfirmations, cfg.Verify.SkipPaymentVerification, log)

	var store dedup.Store
	switch cfg.Dedup.Backend {
	case "leveldb":
		store, err = dedup.OpenLevelDBStore(cfg.Dedup.Path)
		if err != nil {
			return fmt.Errorf("open dedup store: %w", err)
		}
	default:
		store = dedup.NewMemoryStore()
	}
	tracker := dedup.NewTracker(store, log,
		dedup.WithRetention(cfg.Dedup.Retention.Duration),
		dedup.WithSweepInterval(cfg.Dedup.SweepInterval.Duration),
		dedup.WithSizeHook(metrics.SetDedupEntries),
	)
	go tracker.Run(ctx)
	defer store.Close()

	// Order storage is best effort: a broken database degrades the service
	// to proof-only mode instead of keeping it down.
	var orderStore *orders.Store
	if cfg.Orders.DatabasePath != "" {
		orderStore, err = orders.Open(cfg.Orders.DatabasePath)
		if err != nil {
			log.Error("orders database unavailable, running proof-only", slog.String("error", err.Error()))
			orderStore = nil
		} else {
			defer orderStore.Close()
		}
	}

	hub := notify.NewHub(log)
	defer hub.Close()
	dispatcher := notify.NewDispatcher(2, log)
	defer dispatcher.Close()

	var mailer notify.Mailer
	if cfg.SMTP.Host != "" {
		mailer, err = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			Sender:   cfg.SMTP.Sender,
		}, log)
		if err != nil {
			return fmt.Errorf("configure mailer: %w", err)
		}
	}

	signer, err := proof.NewSigner(cfg.MerchantKey, proof.Domain{
		Name:              cfg.Proof.DomainName,
		Version:           cfg.Proof.DomainVersion,
		ChainID:           cfg.Ledger.ChainID,
		VerifyingContract: common.HexToAddress(cfg.Proof.VerifyingContract),
	}, cfg.Proof.Expiry.Duration)
	if err != nil {
		return fmt.Errorf("load merchant key: %w", err)
	}
	log.Info("merchant signer ready", slog.String("address", signer.Address().Hex()))

	monitorOpts := []monitor.RegistryOption{
		monitor.WithPollInterval(cfg.Monitor.PollInterval.Duration),
		monitor.WithCountHook(metrics.SetActiveMonitors),
	}
	if mailer != nil && orderStore != nil {
		monitorOpts = append(monitorOpts, monitor.WithConfirmNotice(
			confirmationMail(orderStore, mailer, dispatcher),
		))
	}
	var updater monitor.OrderUpdater
	if orderStore != nil {
		updater = orderStore
	}
	monitors := monitor.NewRegistry(payments, updater, hub, cfg.Monitor.RequiredConfirmations, log, monitorOpts...)
	defer monitors.StopAll()

	var pipelineStore gateway.OrderStore
	if orderStore != nil {
		pipelineStore = orderStore
	}
	pipeline := gateway.NewPipeline(gateway.PipelineConfig{
		Listeners:     listeners,
		Payments:      payments,
		Tracker:       tracker,
		Signer:        signer,
		Monitors:      monitors,
		Store:         pipelineStore,
		ProofMethod:   proof.Method(cfg.Proof.Method),
		AllowUnsigned: cfg.Verify.AllowUnsigned,
		Log:           log,
	})
	server := gateway.NewServer(gateway.ServerConfig{
		Pipeline:          pipeline,
		Ledger:            chain,
		Events:            hub,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Log:               log,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("relaygate listening",
			slog.String("addr", cfg.Listen),
			slog.Uint64("chain", cfg.Ledger.ChainID),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Info("shutting down", slog.String("signal", s.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}

// confirmationMail queues the confirmed-payment email off the monitor's poll
// goroutine. Missing orders and missing recipient addresses are skipped.
func confirmationMail(store *orders.Store, mailer notify.Mailer, dispatcher *notify.Dispatcher) func(ctx context.Context, orderKey string) error {
	return func(ctx context.Context, orderKey string) error {
		order, err := store.FindOrder(ctx, orderKey)
		if err != nil {
			return err
		}
		if order == nil || order.CustomerEmail == "" {
			return nil
		}
		recipient := order.CustomerEmail
		txHash := order.TxHash
		confirmations := order.Confirmations
		dispatcher.Enqueue(notify.Task{
			Name: "confirmation-mail",
			Run: func(context.Context) error {
				return mailer.SendConfirmation(recipient, orderKey, txHash, confirmations)
			},
		})
		return nil
	}
}
