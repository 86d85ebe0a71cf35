// main.go - Entropy engine daemon.
//
// entropyd serves the confidential arithmetic engine over HTTP. The randomness provider is
// either embedded (served on its own listener and fulfilled on a timer) or a remote oracle
// reached through a signed-envelope client.
//
// Usage:
//
//	entropyd -config entropyd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"entropycalc/internal/api"
	"entropycalc/internal/engine"
	"entropycalc/internal/fhe"
	"entropycalc/internal/logging"
	"entropycalc/internal/oracle"
	"entropycalc/internal/pgstore"
	"entropycalc/internal/telemetry"
)

const version = "0.1.0"

// maxOracleBacklog is the outstanding-request count above which the embedded oracle reports degraded.
const maxOracleBacklog = 1000

func main() {
	configPath := flag.String("config", "entropyd.yaml", "path to the configuration file (JSON or YAML)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "entropyd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	opts := logging.Options{Level: cfg.LogLevel, File: cfg.LogFile}
	if cfg.EnableAudit {
		opts.AuditFile = cfg.AuditLogPath
	}
	logger, err := logging.New(opts)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()
	log := logger.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.KeyDir != "" {
		if err := os.MkdirAll(cfg.KeyDir, 0o755); err != nil {
			return fmt.Errorf("failed to create key dir: %w", err)
		}
	}
	var pkPath, vkPath, netPath string
	if cfg.KeyDir != "" {
		pkPath = filepath.Join(cfg.KeyDir, "input_pk.bin")
		vkPath = filepath.Join(cfg.KeyDir, "input_vk.bin")
		netPath = filepath.Join(cfg.KeyDir, "network.key")
	} else {
		log.Warn().Msg("no key dir configured, keys change on every restart")
	}
	log.Info().Str("key_dir", cfg.KeyDir).Msg("loading input proof keys")
	copro, err := fhe.NewCoprocessor(fhe.Config{
		ProvingKeyPath:   pkPath,
		VerifyingKeyPath: vkPath,
		NetworkKeyPath:   netPath,
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("failed to start coprocessor: %w", err)
	}
	log.Info().Hex("network_key", fhe.EncodeNetworkKey(copro.NetworkKey())).Msg("coprocessor ready")

	metrics := telemetry.NewMetricsCollector()
	health := telemetry.NewHealthChecker(version)

	g, gctx := errgroup.WithContext(ctx)

	provider, err := setupProvider(gctx, g, cfg, copro, log, health)
	if err != nil {
		return err
	}

	self := fhe.Principal(cfg.EngineID)
	engCfg := engine.Config{
		Self:     self,
		Runtime:  copro,
		Provider: provider,
		Logger:   log,
		Metrics:  metrics,
	}

	var (
		events  api.EventSource
		journal *engine.Journal
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		store := pgstore.New(pool, self)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		engCfg.Requests = store
		engCfg.Events = store
		events = store.Events
		health.RegisterComponent("database", func() error {
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(pctx)
		})
		log.Info().Msg("using postgres request table and event journal")
	} else {
		journal = loadJournal(cfg.JournalPath, log)
		engCfg.Events = journal
		events = api.JournalSource(journal)
		log.Warn().Msg("no database configured, request table is in memory")
	}

	eng, err := engine.New(engCfg)
	if err != nil {
		return err
	}
	health.RegisterComponent("engine", func() error {
		if !eng.IsInitialized() {
			return fmt.Errorf("%w: operands not initialized", telemetry.ErrDegraded)
		}
		return nil
	})

	handler := api.NewServer(api.Config{
		Engine:  eng,
		Runtime: copro,
		Events:  events,
		Metrics: metrics,
		Health:  health,
		Limiter: api.NewClientRateLimiter(cfg.RateLimitBurst, cfg.RateLimitRefill,
			time.Duration(cfg.RateLimitPeriodSeconds)*time.Second),
		Logger: log,
	})
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  cfg.timeout(),
		WriteTimeout: cfg.timeout(),
	}
	serve(gctx, g, srv, "engine", log)

	logger.Audit("daemon_started", map[string]interface{}{
		"engine_id":   cfg.EngineID,
		"listen_addr": cfg.ListenAddr,
		"oracle_mode": cfg.OracleMode,
		"provider":    provider.Address(),
	})

	err = g.Wait()

	if journal != nil && cfg.JournalPath != "" {
		if serr := journal.SaveToFile(cfg.JournalPath); serr != nil {
			log.Error().Err(serr).Str("path", cfg.JournalPath).Msg("failed to save journal")
		} else {
			log.Info().Int("events", journal.Len()).Str("path", cfg.JournalPath).Msg("journal saved")
		}
	}
	logger.Audit("daemon_stopped", map[string]interface{}{"engine_id": cfg.EngineID})
	return err
}

// setupProvider returns the randomness provider. In embedded mode it also schedules the oracle's
// HTTP listener and fulfilment loop on g.
func setupProvider(ctx context.Context, g *errgroup.Group, cfg *Config, copro *fhe.Coprocessor, log zerolog.Logger, health *telemetry.HealthChecker) (oracle.Provider, error) {
	if cfg.OracleMode == OracleRemote {
		pub, err := oracle.ParsePublicKey(cfg.OraclePublicKey)
		if err != nil {
			return nil, err
		}
		client := oracle.NewClient(cfg.OracleURL, cfg.OracleID, pub).
			WithHTTPClient(&http.Client{Timeout: cfg.timeout()}).
			WithRuntime(copro)
		health.RegisterComponent("oracle", func() error {
			hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := client.CurrentFee(hctx)
			return err
		})
		log.Info().Str("url", cfg.OracleURL).Str("oracle", cfg.OracleID).Msg("using remote oracle")
		return client, nil
	}

	orc, err := oracle.New(oracle.Config{
		Address: cfg.OracleID,
		Fee:     oracle.Amount(cfg.OracleFee),
		Source:  copro,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	signer, err := embeddedSigner(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("oracle", cfg.OracleID).Str("public_key", signer.PublicKeyHex()).Msg("embedded oracle ready")

	if cfg.OracleListenAddr != "" {
		serve(ctx, g, &http.Server{
			Addr:         cfg.OracleListenAddr,
			Handler:      oracle.NewServer(orc, signer, log),
			ReadTimeout:  cfg.timeout(),
			WriteTimeout: cfg.timeout(),
		}, "oracle", log)
	}
	g.Go(func() error {
		return orc.Run(ctx, cfg.fulfillInterval(), cfg.fulfillDelay())
	})
	health.RegisterComponent("oracle", func() error {
		if n := len(orc.Outstanding()); n > maxOracleBacklog {
			return fmt.Errorf("%w: %d requests awaiting fulfilment", telemetry.ErrDegraded, n)
		}
		return nil
	})
	return orc, nil
}

func embeddedSigner(cfg *Config) (*oracle.Signer, error) {
	if cfg.OracleSigningKey != "" {
		return oracle.SignerFromHex(cfg.OracleID, cfg.OracleSigningKey)
	}
	return oracle.NewSigner(cfg.OracleID)
}

// serve runs srv on g and shuts it down when ctx ends.
func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, name string, log zerolog.Logger) {
	g.Go(func() error {
		log.Info().Str("server", name).Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

func loadJournal(path string, log zerolog.Logger) *engine.Journal {
	if path == "" {
		return engine.NewJournal()
	}
	j, err := engine.LoadJournalFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("journal unreadable, starting empty")
		}
		return engine.NewJournal()
	}
	log.Info().Int("events", j.Len()).Str("path", path).Msg("journal loaded")
	return j
}
