package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"marketbot/internal/execution"
	"marketbot/internal/risk"
	"marketbot/internal/safety"
	"marketbot/internal/store"
	"marketbot/internal/worker"
	"marketbot/pkg/clob"
	"marketbot/pkg/config"
	"marketbot/pkg/evm"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	migrationsDir := flag.String("migrations", "migrations", "directory holding SQL migrations")
	flag.Parse()

	config.SetupLogging()
	log := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	file, err := config.LoadFile(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Invalid config file")
	}
	trading, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Fatal("Invalid trading configuration; refusing to start")
	}

	db, err := config.OpenDB(config.DatabaseDSN())
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	if *migrateOnly {
		if err := config.ExecuteMigrations(db, *migrationsDir); err != nil {
			log.WithError(err).Fatal("Failed to run migrations")
		}
		return
	}
	records := store.New(db)

	reportUnreconciled(ctx, records, log)

	status, signer, diagnostics := startSafety(ctx, file, trading, log)
	log.WithFields(logrus.Fields{
		"configured_mode": status.Configured,
		"effective_mode":  status.Effective,
		"reason":          status.Reason,
	}).Info("Trading mode resolved")

	conn, err := config.DialRabbitMQ(ctx, config.RabbitMQURL())
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to RabbitMQ")
	}
	defer conn.Close()

	publisher, err := config.NewPublisher(conn)
	if err != nil {
		log.WithError(err).Fatal("Failed to create publisher")
	}
	defer publisher.Close()

	consumer, err := config.NewConsumer(conn, file.Worker.SignalQueue, file.Worker.Concurrency)
	if err != nil {
		log.WithError(err).Fatal("Failed to create consumer")
	}
	defer consumer.Close()

	killSwitches := safety.NewKillSwitches(safety.Limits{
		MaxTradeSizeUSD:     trading.MaxTradeSizeUSD,
		MaxDailyNotionalUSD: trading.MaxDailyNotionalUSD,
		MinGasReserve:       trading.MinGasReserve,
	}, records, diagnostics)

	deps := execution.Deps{
		Store:        records,
		Gate:         risk.NewGate(records, file.Location()),
		KillSwitches: killSwitches,
		Markets:      execution.NewStaticMarkets(file.Markets),
		Simulator:    execution.NewFillSimulator(file.Simulation.SlippageBps, file.Simulation.FeeBps, file.Simulation.Seed),
		Notifier:     publisher,
		Status:       status,
		MetricsQueue: file.Worker.MetricsQueue,
		FeeRateBps:   file.Exchange.FeeRateBps,
		Log:          log,
	}
	if status.Live() {
		deps.Signer = signer
		deps.Submitter = clob.NewSubmitter(clob.SubmitterConfig{
			Host:        trading.ExchangeHost(),
			Timeout:     file.Exchange.Timeout,
			MaxAttempts: file.Exchange.MaxAttempts,
			BaseBackoff: file.Exchange.BaseBackoff,
		}, &http.Client{}, clob.Credentials{
			Address:    trading.WalletAddress.Hex(),
			Key:        trading.Exchange.APIKey,
			Secret:     trading.Exchange.APISecret,
			Passphrase: trading.Exchange.Passphrase,
		}, log)
	}

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.WithError(err).Fatal("Failed to start consuming")
	}

	log.WithFields(logrus.Fields{
		"queue":       file.Worker.SignalQueue,
		"concurrency": file.Worker.Concurrency,
	}).Info("Signal worker started, waiting for jobs...")

	worker.NewPool(file.Worker.Concurrency, execution.NewExecutor(deps), log).Run(ctx, deliveries)
	log.Info("Signal worker stopped")
}

// startSafety runs the live-trading startup checks. Anything short of a fully
// verified and confirmed wallet leaves the worker simulated.
func startSafety(ctx context.Context, file *config.File, trading config.TradingConfig, log *logrus.Logger) (safety.Status, *clob.Signer, *safety.Diagnostics) {
	var (
		signer      *clob.Signer
		diagnostics *safety.Diagnostics
	)

	domain := clob.PolygonDomain
	if trading.Mode == config.ModeLiveTest {
		domain = clob.AmoyDomain
	}
	if trading.SigningKey != nil && trading.HasWallet {
		signer = clob.NewSigner(trading.SigningKey.PrivateKey(), trading.WalletAddress, domain)
	}

	if trading.Mode.IsLive() && trading.HasWallet && trading.PolygonRPCURL != "" {
		checkEndpoints(ctx, log, []evm.RPCEndpoint{{Name: "polygon", URL: trading.PolygonRPCURL, ChainID: domain.ChainID}})
		client, err := evm.Dial(ctx, trading.PolygonRPCURL)
		if err != nil {
			log.WithError(err).Error("Failed to dial Polygon RPC")
		} else {
			wallet := evm.NewTokenWallet(client, trading.CollateralToken)
			diagnostics = safety.NewDiagnostics(wallet, trading.WalletAddress, trading.MinGasReserve, safety.DefaultDiagnosticsTTL)
		}
	}

	verifier := safety.NewVerifier(trading, diagnostics, signer, confirmationProvider(trading, log), log).
		WithTimeout(file.Worker.ConfirmationTimeout)
	return verifier.Startup(ctx), signer, diagnostics
}

// confirmationProvider prefers a provisioned phrase, then an interactive
// terminal. Without either, live trading can never be confirmed.
func confirmationProvider(trading config.TradingConfig, log *logrus.Logger) safety.ConfirmationProvider {
	if trading.LiveConfirmation != "" {
		return safety.PolicyConfirmation{Approval: trading.LiveConfirmation}
	}
	if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		return safety.TerminalConfirmation{In: os.Stdin, Out: os.Stdout}
	}
	if trading.Mode.IsLive() {
		log.Warn("No terminal and no LIVE_CONFIRMATION set; live trading cannot be confirmed")
	}
	return safety.PolicyConfirmation{}
}

func checkEndpoints(ctx context.Context, log *logrus.Logger, endpoints []evm.RPCEndpoint) {
	for _, res := range evm.CheckRPCList(ctx, endpoints, 10*time.Second) {
		entry := log.WithFields(logrus.Fields{
			"rpc":      res.Name,
			"chain_id": res.ChainID,
			"latency":  res.Latency.String(),
		})
		if !res.OK {
			entry.WithField("error", res.Error).Warn("RPC endpoint check failed")
			continue
		}
		entry.Info("RPC endpoint healthy")
	}
}

// reportUnreconciled lists live orders whose submission outcome is unknown.
// They are never resubmitted automatically.
func reportUnreconciled(ctx context.Context, records *store.Store, log *logrus.Logger) {
	orders, err := records.UnreconciledOrders(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list unreconciled orders")
		return
	}
	for _, o := range orders {
		log.WithFields(logrus.Fields{
			"order_id":     o.ID,
			"bot_id":       o.BotID,
			"token_id":     o.TokenID,
			"side":         o.Side,
			"submitted_at": o.SubmittedAt,
			"error":        o.Error,
		}).Error("Order needs manual reconciliation: submitted but outcome unknown")
	}
	if len(orders) > 0 {
		log.WithField("count", len(orders)).Warn("Unreconciled live orders found")
	}
}

