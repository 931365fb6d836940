package main

import (
	"context"
	"flag"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/config"
	"github.com/aircon-ledger/aircon-remote/internal/ledgersim"
	"github.com/aircon-ledger/aircon-remote/internal/models"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/ledger-sim.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	opts := ledgersim.Options{
		Cost:        big.NewInt(0),
		MiningDelay: cfg.Simulator.MiningDelay,
		TempRange:   cfg.Device.Temperature,
		Balances:    make(map[string]*big.Int),
	}
	if cfg.Simulator.Cost != "" {
		if opts.Cost, err = models.ParseAmount(cfg.Simulator.Cost); err != nil {
			log.Fatal().Err(err).Msg("Invalid simulator.cost")
		}
	}
	for account, amount := range cfg.Simulator.Balances {
		v, err := models.ParseAmount(amount)
		if err != nil {
			log.Fatal().Err(err).Str("account", account).Msg("Invalid simulator balance")
		}
		opts.Balances[account] = v
	}

	ledger := ledgersim.New(opts)
	defer ledger.Close()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.ClientID+"-sim"),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server := ledgersim.NewServer(nc, ledger, cfg.Ledger.Contract)
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Ledger simulator stopped")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-ctx.Done():
	}

	cancel()
	<-done
	log.Info().Msg("Ledger simulator stopped")
}
