package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aircon-ledger/aircon-remote/internal/activity"
	"github.com/aircon-ledger/aircon-remote/internal/api"
	"github.com/aircon-ledger/aircon-remote/internal/config"
	"github.com/aircon-ledger/aircon-remote/internal/integration"
	"github.com/aircon-ledger/aircon-remote/internal/remote"
	"github.com/aircon-ledger/aircon-remote/internal/session"
	"github.com/aircon-ledger/aircon-remote/internal/storage"
	"github.com/aircon-ledger/aircon-remote/pkg/crypto"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/aircon-client.yml", "Configuration file path")
	showConfig := flag.Bool("show-config", false, "Print the configuration summary and exit")
	hashPassword := flag.String("hash-password", "", "Print the bcrypt hash of a password for auth.password_hash and exit")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if *hashPassword != "" {
		hash, err := crypto.HashPassword(*hashPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash password")
		}
		fmt.Println(hash)
		return
	}

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}

	if cfg.Ledger.Account == "" {
		log.Fatal().Msg("No account configured (ledger.account or AIRCON_ACCOUNT)")
	}
	if cfg.JWT.Secret == "" {
		secret, err := crypto.GenerateRandomString(32)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to generate JWT secret")
		}
		cfg.JWT.Secret = secret
		log.Warn().Msg("No JWT secret configured, using a random one; tokens will not survive a restart")
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The session is created after the connection; handlers fired before
	// that have nothing to update.
	var sess *session.Session
	var sessMu sync.Mutex
	withSession := func(fn func(s *session.Session)) {
		sessMu.Lock()
		s := sess
		sessMu.Unlock()
		if s != nil {
			fn(s)
		}
	}

	log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.ClientID),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
			withSession(func(s *session.Session) { s.Disconnected() })
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
			withSession(func(s *session.Session) { s.Reconnected() })
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error().
				Err(err).
				Str("subject", subject).
				Msg("NATS error")
			withSession(func(s *session.Session) { s.Degraded(err.Error()) })
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	adapter := remote.NewNATSAdapter(nc, cfg.Ledger.Contract, cfg.Ledger.Account, cfg.Ledger.RequestTimeout)
	s := session.New(adapter, session.Options{
		Orchestrator:  cfg.OrchestratorSettings(),
		PollInterval:  cfg.Reconciler.PollInterval,
		ReadTimeout:   cfg.Reconciler.ReadTimeout,
		LookupTimeout: cfg.Reconciler.LookupTimeout,
		LogCapacity:   cfg.Reconciler.LogCapacity,
	})
	s.OnStatus(func(status session.Status) {
		log.Info().Str("status", string(status)).Msg("Connection status changed")
	})
	sessMu.Lock()
	sess = s
	sessMu.Unlock()

	// WaitGroup for services
	var wg sync.WaitGroup

	// Optional: activity archive
	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PoolOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to database, continuing without activity archive")
		} else if err := pg.Migrate(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to migrate database, continuing without activity archive")
			pg.Close()
		} else {
			defer pg.Close()
			store = pg
			log.Info().Msg("Connected to database")

			archiver := activity.NewArchiver(pg, 0)
			s.Log.Subscribe(archiver.Listener())

			wg.Add(1)
			go func() {
				defer wg.Done()
				archiver.Run(ctx)
			}()
		}
	} else {
		log.Info().Msg("Database not configured, activity archive disabled")
	}

	// Optional: MQTT forwarding
	if cfg.MQTT.Broker != "" {
		publisher, err := integration.NewMQTTPublisher(cfg.MQTT)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, continuing without forwarding")
		} else {
			forwarder := integration.NewForwarder(publisher, cfg.MQTT, cfg.Ledger.Account)

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := forwarder.Start(ctx, s.Projection, s.Log); err != nil {
					log.Error().Err(err).Msg("Integration forwarder stopped")
				}
			}()
		}
	}

	if err := s.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}

	// Start REST API server
	apiServer := api.NewRESTServer(cfg, s, store)

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil {
			log.Error().Err(err).Msg("REST API server stopped")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Shutdown API server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Release the subscription and poller, then the remaining services
	s.Close()
	cancel()

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Aircon client stopped")
}
