// Package main is the entry point for keyproxy, a credential-multiplexing
// reverse proxy fronting Google- and OpenAI-style generative-language APIs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nullstream/genai-key-proxy/internal/admin"
	"github.com/nullstream/genai-key-proxy/internal/api"
	"github.com/nullstream/genai-key-proxy/internal/audit"
	"github.com/nullstream/genai-key-proxy/internal/breaker"
	"github.com/nullstream/genai-key-proxy/internal/config"
	"github.com/nullstream/genai-key-proxy/internal/healthmonitor"
	"github.com/nullstream/genai-key-proxy/internal/keystore"
	"github.com/nullstream/genai-key-proxy/internal/metrics"
	"github.com/nullstream/genai-key-proxy/internal/reload"
	"github.com/nullstream/genai-key-proxy/pkg/logger"
)

const serviceName = "keyproxy"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   serviceName,
		Short: "Credential-multiplexing reverse proxy for generative-language APIs",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	root.AddCommand(
		serveCommand(&configPath),
		validateConfigCommand(&configPath),
		migrateCommand(&configPath),
	)
	return root
}

func validateConfigCommand(configPath *string) *cobra.Command {
	var emitExample bool

	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file, or print an annotated example",
		RunE: func(cmd *cobra.Command, args []string) error {
			if emitExample {
				return config.WriteExample(os.Stdout)
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			fmt.Printf("config valid: %d group(s), %d credential(s)\n", len(cfg.Groups), len(cfg.AllCredentials()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&emitExample, "example", false, "print an annotated example configuration instead of validating")
	return cmd
}

func migrateCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending audit-trail database migrations (standard/Postgres profile only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Audit.Profile != config.ProfileStandard {
				fmt.Println("audit.profile is not \"standard\" — nothing to migrate (the lite/SQLite profile manages its own schema)")
				return nil
			}

			store, err := audit.OpenStore(cfg.Audit)
			if err != nil {
				return fmt.Errorf("opening audit store: %w", err)
			}
			defer store.Close()

			fmt.Println("audit-trail migrations applied")
			return nil
		},
	}
	return cmd
}

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(context.Background(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	baseLogger := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(baseLogger)
	baseLogger.Info("starting", "service", serviceName, "groups", len(cfg.Groups))

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	var store keystore.Store
	if cfg.Redis.Enabled() {
		store, err = keystore.NewRedisStore(keystore.RedisOptions{
			Addr:            cfg.Redis.URL,
			KeyPrefix:       cfg.Redis.KeyPrefix,
			DialTimeout:     cfg.Redis.DialTimeout,
			ReadTimeout:     cfg.Redis.ReadTimeout,
			WriteTimeout:    cfg.Redis.WriteTimeout,
			MaxRetries:      cfg.Redis.MaxRetries,
			MinRetryBackoff: cfg.Redis.MinRetryBackoff,
			MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
			TestMode:        cfg.Server.TestMode,
		})
		if err != nil {
			return fmt.Errorf("connecting to redis key store: %w", err)
		}
	} else {
		store = keystore.NewMemoryStore()
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, baseLogger, metricsReg.Breaker)

	reloader, err := reload.New(ctx, cfg, store, breakers, baseLogger)
	if err != nil {
		return fmt.Errorf("initial config load: %w", err)
	}
	reloader.SetMetrics(metricsReg)

	auditWriter, err := audit.New(cfg.Audit, baseLogger)
	if err != nil {
		return fmt.Errorf("opening audit writer: %w", err)
	}
	defer auditWriter.Close()
	if setter, ok := auditWriter.(audit.DropHookSetter); ok {
		setter.SetDropHook(metricsReg.RecordAuditDropped)
	}
	reloader.SetAudit(auditWriter)

	monitor := healthmonitor.New(reloader.Current().Manager, healthmonitor.DefaultInterval, baseLogger)

	adminHandlers := admin.New(cfg.Server.AdminToken, reloader, monitor, reloader.Current().Clients, baseLogger)

	router := api.New(reloader, breakers, adminHandlers, baseLogger)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	// g supervises the two long-lived goroutines a serving process needs:
	// the listener and the health monitor. The monitor runs on monitorCtx,
	// which is cancelled when gCtx is (server error) and by stopMonitor after
	// Shutdown below; g.Wait then surfaces a listener failure that raced with
	// a clean signal-triggered shutdown.
	g, gCtx := errgroup.WithContext(ctx)
	monitorCtx, stopMonitor := context.WithCancel(gCtx)
	defer stopMonitor()

	g.Go(func() error {
		monitor.Run(monitorCtx)
		return nil
	})

	g.Go(func() error {
		baseLogger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-gCtx.Done():
	case <-quit:
		baseLogger.Info("shutting down")
	}

	shutdownTimeout := cfg.Server.GracefulShutdown
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	stopMonitor()

	if err := g.Wait(); err != nil {
		return err
	}
	baseLogger.Info("stopped")
	return nil
}
