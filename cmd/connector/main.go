// Command connector runs the configured exchange connectors: it tracks
// submitted orders, reconciles them against the venues and serves their
// state over HTTP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/orderbridge/internal/api"
	"github.com/ajitpratap0/orderbridge/internal/config"
	"github.com/ajitpratap0/orderbridge/internal/connector"
	"github.com/ajitpratap0/orderbridge/internal/db"
	"github.com/ajitpratap0/orderbridge/internal/events"
	"github.com/ajitpratap0/orderbridge/internal/metrics"
	"github.com/ajitpratap0/orderbridge/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the config file (default: ./configs/config.yaml)")
	verify := flag.Bool("verify", false, "Check connectivity to every configured dependency, then exit")
	cancelOnExit := flag.Bool("cancel-on-exit", false, "Cancel all live orders before shutting down")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration with secrets masked, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	if *printConfig {
		if err := cfg.WriteYAML(os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("Failed to print configuration")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Vault.Enabled {
		vc, err := config.NewVaultClient(config.VaultConfigFromEnv())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Vault client")
		}
		if err := config.LoadSecretsFromVault(ctx, cfg, vc); err != nil {
			log.Fatal().Err(err).Msg("Failed to load secrets from Vault")
		}
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("Configuration invalid after loading secrets")
		}
	}

	opts := config.DefaultValidatorOptions()
	opts.VerifyExchanges = *verify
	if err := config.NewValidator(cfg, opts).ValidateStartup(ctx); err != nil {
		log.Fatal().Err(err).Msg("Startup validation failed")
	}
	if *verify {
		log.Info().Msg("All checks passed")
		return
	}

	if err := run(ctx, cfg, *cancelOnExit); err != nil {
		log.Error().Err(err).Msg("Connector service failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, cancelOnExit bool) error {
	log.Info().
		Str("version", config.Version).
		Str("environment", cfg.App.Environment).
		Strs("connectors", cfg.EnabledConnectors()).
		Msg("Starting orderbridge")

	var snapshots connector.SnapshotStore
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		snapshots = store.NewRedisSnapshotStore(client, cfg.Redis.SnapshotTTL)
	}

	var auditDB *db.DB
	if cfg.Database.Enabled {
		poolCfg := db.DefaultPoolConfig(cfg.Database.GetURL())
		poolCfg.MaxConns = int32(cfg.Database.PoolSize)
		var err error
		if auditDB, err = db.New(ctx, poolCfg); err != nil {
			return err
		}
		defer auditDB.Close()
	}

	var sink *events.NATSSink
	if cfg.NATS.Enabled {
		var err error
		sink, err = events.NewNATSSink(events.NATSConfig{URL: cfg.NATS.URL, Prefix: cfg.NATS.SubjectPrefix})
		if err != nil {
			return err
		}
		defer sink.Close()
	}

	var connectors []*connector.Connector
	for _, name := range cfg.EnabledConnectors() {
		conn, err := buildConnector(name, cfg.Connectors[name], snapshots, config.NewConnectorLogger(name))
		if err != nil {
			return err
		}
		defer conn.Close()
		if _, err := conn.Restore(ctx); err != nil {
			log.Warn().Err(err).Str("connector", name).Msg("Failed to restore tracking states")
		}
		connectors = append(connectors, conn)
	}

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.Version, log.Logger)
		for _, conn := range connectors {
			metricsServer.AddHealthCheck("connector_"+conn.Name(), func() error {
				if !conn.Trusted() {
					return connector.ErrUntrusted
				}
				return nil
			})
		}
		if auditDB != nil {
			metricsServer.AddHealthCheck("audit_db", func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				return auditDB.Health(ctx)
			})
		}
		if err := metricsServer.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range connectors {
		g.Go(func() error {
			// An untrusted connector stops on its own; the others keep running
			if err := conn.Run(gctx); err != nil {
				log.Error().Err(err).Str("connector", conn.Name()).Msg("Connector stopped with error")
			}
			return nil
		})
		if sink != nil {
			g.Go(func() error { return sink.Run(gctx, conn.Events()) })
		}
		if auditDB != nil {
			writer := db.NewAuditWriter(auditDB, conn.Name())
			g.Go(func() error { return writer.Run(gctx, conn.Events()) })
		}
	}

	if cfg.API.Enabled {
		services := make([]api.OrderService, 0, len(connectors))
		for _, conn := range connectors {
			services = append(services, conn)
		}
		apiCfg := api.Config{
			Host:           cfg.API.Host,
			Port:           cfg.API.Port,
			AllowedOrigins: cfg.API.AllowedOrigins,
			Connectors:     services,
		}
		if auditDB != nil {
			apiCfg.Audit = auditDB
		}
		server := api.NewServer(apiCfg)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Stop(shutdownCtx)
		})
	}

	<-gctx.Done()
	log.Info().Msg("Shutting down")

	if cancelOnExit {
		for _, conn := range connectors {
			results := conn.CancelAll(context.Background(), shutdownTimeout)
			for _, r := range results {
				if !r.Success {
					log.Warn().Str("connector", conn.Name()).Str("client_order_id", r.ClientOrderID).Str("error", r.Error).Msg("Order not canceled on exit")
				}
			}
			log.Info().Str("connector", conn.Name()).Int("orders", len(results)).Msg("Canceled live orders")
		}
	}

	err := g.Wait()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop metrics server")
		}
	}

	log.Info().Msg("orderbridge stopped")
	return err
}
