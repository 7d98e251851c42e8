package main

import (
	"context"
	"flag"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"marketbot/internal/bridge"
	"marketbot/internal/store"
	"marketbot/pkg/config"
	"marketbot/pkg/evm"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	config.SetupLogging()
	config.LoadDotEnv()
	log := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	file, err := config.LoadFile(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Invalid config file")
	}
	if len(file.Chains) < 2 {
		log.Fatal("Bridge needs at least two chains configured")
	}

	rawKey := os.Getenv("BRIDGE_PRIVATE_KEY")
	if rawKey == "" {
		rawKey = os.Getenv("SIGNER_PRIVATE_KEY")
	}
	platform, err := config.ParseSigningKey(rawKey)
	if err != nil {
		log.WithError(err).Fatal("Bridge platform key is missing or invalid")
	}

	db, err := config.OpenDB(config.DatabaseDSN())
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}

	checkEndpoints(ctx, log, file.Chains)

	chains := make(map[string]bridge.Chain, len(file.Chains))
	for name, cc := range file.Chains {
		client, err := evm.Dial(ctx, cc.RPCURL)
		if err != nil {
			log.WithError(err).WithField("chain", name).Fatal("Failed to dial chain RPC")
		}
		defer client.Close()
		chains[name] = evm.NewCCTPChain(evm.ChainParams{
			Name:               name,
			ChainID:            big.NewInt(cc.ChainID),
			Domain:             cc.Domain,
			TokenMessenger:     common.HexToAddress(cc.TokenMessenger),
			MessageTransmitter: common.HexToAddress(cc.MessageTransmitter),
			USDC:               common.HexToAddress(cc.USDC),
		}, client)
	}

	keys := bridge.Keys{
		Platform: platform.PrivateKey(),
		Proxies:  evm.NewKeyStore(file.Bridge.KeystoreDir, os.Getenv("BRIDGE_KEYSTORE_PASSWORD")),
	}
	attester := bridge.NewAttestationClient(file.Bridge.AttestationURL, &http.Client{}, file.Bridge.AttestationTimeout)
	machine := bridge.NewMachine(store.New(db), chains, keys, attester, bridge.Config{
		BatchSize:              file.Bridge.BatchSize,
		MintEscalationAttempts: file.Bridge.MintEscalationAttempts,
	}, log)

	log.WithFields(logrus.Fields{
		"platform": keys.PlatformAddress().Hex(),
		"chains":   len(chains),
		"interval": file.Bridge.Interval.String(),
	}).Info("Bridge processor starting")

	if *once {
		machine.RunCycle(ctx)
		return
	}

	scheduler := bridge.NewScheduler(machine, file.Bridge.Interval, log)
	if err := scheduler.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start bridge scheduler")
	}
	<-ctx.Done()
	scheduler.Stop()
}

func checkEndpoints(ctx context.Context, log *logrus.Logger, chains map[string]config.ChainConfig) {
	names := make([]string, 0, len(chains))
	for name := range chains {
		names = append(names, name)
	}
	sort.Strings(names)

	endpoints := make([]evm.RPCEndpoint, 0, len(names))
	for _, name := range names {
		endpoints = append(endpoints, evm.RPCEndpoint{Name: name, URL: chains[name].RPCURL, ChainID: chains[name].ChainID})
	}
	for _, res := range evm.CheckRPCList(ctx, endpoints, 10*time.Second) {
		entry := log.WithFields(logrus.Fields{
			"chain":    res.Name,
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
