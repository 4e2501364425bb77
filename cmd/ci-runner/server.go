package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/flowforge/runner/internal/artifacts"
	"github.com/flowforge/runner/internal/asyncqueue"
	"github.com/flowforge/runner/internal/auth"
	"github.com/flowforge/runner/internal/config"
	"github.com/flowforge/runner/internal/executor"
	"github.com/flowforge/runner/internal/firecracker"
	"github.com/flowforge/runner/internal/httpapi"
	"github.com/flowforge/runner/internal/logbus"
	"github.com/flowforge/runner/internal/logging"
	"github.com/flowforge/runner/internal/metrics"
	"github.com/flowforge/runner/internal/network"
	"github.com/flowforge/runner/internal/observability"
	"github.com/flowforge/runner/internal/pipeline"
	"github.com/flowforge/runner/internal/scheduler"
	"github.com/flowforge/runner/internal/secrets"
	"github.com/flowforge/runner/internal/store"
	"github.com/flowforge/runner/internal/vmpool"
)

func serverCmd() *cobra.Command {
	var (
		httpAddr  string
		logLevel  string
		cloneDir  string
		defaultTriggerEvent string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the pipeline scheduler and HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("http") {
				cfg.ListenAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.LogLevel)
			logging.InitStructured(cfg.LogFormat, cfg.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.TracingEndpoint != "",
				Exporter:    "otlp-http",
				Endpoint:    cfg.Observability.TracingEndpoint,
				ServiceName: "ci-runner",
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.MetricsEnabled {
				metrics.InitPrometheus("ci_runner", nil)
			}

			s, err := store.Open(context.Background(), cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			netAlloc, err := network.New(network.Config{
				BaseSubnet:    cfg.Network.BaseSubnet,
				ExternalIface: cfg.Network.ExternalIface,
				EnableNAT:     cfg.Network.EnableNAT,
				MaxSlots:      cfg.Network.MaxSlots,
			})
			if err != nil {
				return fmt.Errorf("init network allocator: %w", err)
			}

			vmMgr := firecracker.NewManager()
			bus := logbus.New()

			var secretsResolver *secrets.Resolver
			if cfg.Secrets.MasterKeyHex != "" || cfg.Secrets.MasterKeyFile != "" {
				var cipher *secrets.Cipher
				var cerr error
				if cfg.Secrets.MasterKeyHex != "" {
					cipher, cerr = secrets.NewCipher(cfg.Secrets.MasterKeyHex)
				} else {
					cipher, cerr = secrets.NewCipherFromFile(cfg.Secrets.MasterKeyFile)
				}
				if cerr != nil {
					logging.Op().Warn("failed to initialize secrets", "error", cerr)
				} else {
					secretsResolver = secrets.NewResolver(s, cipher)
					logging.Op().Info("secrets management enabled")
				}
			}

			var warmPool *vmpool.Pool
			if cfg.Scheduler.WarmPoolSize > 0 {
				warmPool = vmpool.New(vmpool.Config{
					Manager:       vmMgr,
					Network:       netAlloc,
					Size:          cfg.Scheduler.WarmPoolSize,
					HypervisorBin: cfg.Hypervisor.BinaryPath,
					RuntimeDir:    cfg.Hypervisor.RuntimeDir,
					KernelImage:   cfg.Hypervisor.KernelImage,
				})
				defer warmPool.Shutdown(context.Background())
			}

			exec := executor.New(executor.Config{
				Store:          s,
				Network:        netAlloc,
				VMs:            vmMgr,
				LogBus:         bus,
				HypervisorBin:  cfg.Hypervisor.BinaryPath,
				RuntimeDir:     cfg.Hypervisor.RuntimeDir,
				StopTimeout:    time.Duration(cfg.Hypervisor.StopTimeoutSec) * time.Second,
				WarmPool:       warmPool,
			})

			if cloneDir == "" {
				cloneDir = filepath.Join(cfg.Hypervisor.RuntimeDir, "checkouts")
			}
			resolver := newFileResolver(cloneDir)
			workspace := newFileWorkspace(cloneDir)

			archiver, err := artifacts.NewFromConfig(context.Background(), cfg.Artifacts.S3Region, cfg.Artifacts.S3Bucket)
			if err != nil {
				return fmt.Errorf("init artifact archiver: %w", err)
			}

			schedCfg := scheduler.Config{
				Store:         s,
				Resolver:      resolver,
				Workspace:     workspace,
				Executor:      exec,
				LogBus:        bus,
				Artifacts:     archiver,
				MaxConcurrent: cfg.Scheduler.MaxConcurrent,
				PollInterval:  cfg.Scheduler.PollInterval,
				KernelImage:   cfg.Hypervisor.KernelImage,
				RuntimeDir:    cfg.Hypervisor.RuntimeDir,
				Adaptive: asyncqueue.AdaptiveConfig{
					Enabled:    cfg.Scheduler.Adaptive,
					MinWorkers: cfg.Scheduler.MinConcurrent,
					MaxWorkers: cfg.Scheduler.MaxConcurrent,
				},
			}
			// Only set Secrets when a resolver was actually built: a
			// typed-nil *secrets.Resolver stored in the SecretResolver
			// interface field would be non-nil to the scheduler's own
			// nil check and panic on first use.
			if secretsResolver != nil {
				schedCfg.Secrets = secretsResolver
			}
			sched := scheduler.New(schedCfg)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := sched.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}

			var authenticators []auth.Authenticator
			if cfg.Auth.APIKey != "" || cfg.Auth.RedisAddr != "" {
				akCfg := auth.APIKeyAuthConfig{StaticKey: cfg.Auth.APIKey, Store: s}
				if cfg.Auth.RedisAddr != "" {
					akCfg.Redis = redis.NewClient(&redis.Options{Addr: cfg.Auth.RedisAddr})
				}
				authenticators = append(authenticators, auth.NewAPIKeyAuthenticator(akCfg))
			}

			handler := &httpapi.Handler{
				Store:         s,
				Scheduler:     sched,
				LogBus:        bus,
				WebhookSecret: cfg.Auth.WebhookSecret,
				DefaultTriggerRules: []pipeline.TriggerRule{
					{Type: pipeline.EventKind(defaultTriggerEvent), Branches: []string{"main", "master"}},
				},
			}

			httpServer := httpapi.StartHTTPServer(cfg.ListenAddr, httpapi.ServerConfig{
				Handler:        handler,
				Authenticators: authenticators,
			})
			logging.Op().Info("ci-runner server started", "addr", cfg.ListenAddr, "store", cfg.Store.Path)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("shutdown signal received")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			httpServer.Shutdown(shutdownCtx)
			sched.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&cloneDir, "clone-dir", "", "directory holding per-project git checkouts")
	cmd.Flags().StringVar(&defaultTriggerEvent, "default-trigger-event", "push", "event kind matched when a webhook delivery has no project-specific trigger rules")

	return cmd
}
