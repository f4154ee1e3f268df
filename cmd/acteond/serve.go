// Copyright 2025 The Acteon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/penserai/acteon/internal/api"
	"github.com/penserai/acteon/internal/audit"
	"github.com/penserai/acteon/internal/breaker"
	"github.com/penserai/acteon/internal/config"
	"github.com/penserai/acteon/internal/dispatch"
	"github.com/penserai/acteon/internal/events"
	"github.com/penserai/acteon/internal/executor"
	"github.com/penserai/acteon/internal/log"
	"github.com/penserai/acteon/internal/provider"
	"github.com/penserai/acteon/internal/rules"
	"github.com/penserai/acteon/internal/state"
	"github.com/penserai/acteon/internal/state/memory"
	redisstate "github.com/penserai/acteon/internal/state/redis"
	"github.com/penserai/acteon/internal/workflow"
)

func newServeCommand() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "Path to config file (default: built-in defaults plus environment)")
	return cmd
}

func serve(parent context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, locker, err := buildState(ctx, cfg)
	if err != nil {
		return err
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	breakers := breaker.NewRegistry(cfg.Breakers.Default.ToBreaker(), logger)
	for name, spec := range cfg.Breakers.PerProvider {
		breakers.Configure(name, spec.ToBreaker())
	}

	var retry executor.RetryStrategy
	if cfg.Executor.Backoff == "constant" {
		retry = executor.Constant{Delay: cfg.Executor.RetryDelay.Std()}
	} else {
		retry = executor.Exponential{
			Initial:    cfg.Executor.RetryDelay.Std(),
			Max:        cfg.Executor.RetryMaxDelay.Std(),
			Multiplier: 2,
			Jitter:     0.2,
		}
	}
	exec := executor.New(providers, executor.Config{
		MaxConcurrent:    cfg.Executor.MaxConcurrent,
		MaxRetries:       cfg.Executor.MaxRetries,
		ExecutionTimeout: cfg.Executor.ExecutionTimeout.Std(),
		Retry:            retry,
	}, logger)

	engine := rules.NewEngine(store, rules.WithLogger(logger))
	if cfg.Rules.Dir != "" {
		loaded, err := rules.LoadDir(cfg.Rules.Dir)
		if err != nil {
			return err
		}
		engine.Replace(loaded)
		logger.Info("rules loaded", "count", len(loaded), "dir", cfg.Rules.Dir)

		if cfg.Rules.Watch == nil || *cfg.Rules.Watch {
			watcher, err := rules.NewWatcher(engine, cfg.Rules.Dir, logger)
			if err != nil {
				return err
			}
			defer watcher.Close()
		}
	}

	var defs *workflow.Definitions
	if cfg.DefinitionsDir != "" {
		defs, err = workflow.LoadDefinitionsDir(cfg.DefinitionsDir)
		if err != nil {
			return err
		}
	}

	sink, err := buildAudit(cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	var signer *workflow.Signer
	if cfg.ApprovalsEnabled() {
		signer, err = workflow.NewSigner(cfg.Approvals.Keys, cfg.Approvals.ActiveKID, cfg.Server.ExternalURL)
		if err != nil {
			return err
		}
	}

	promReg := prometheus.NewRegistry()
	bus := events.NewBus(cfg.Events.Buffer)

	d, err := dispatch.New(dispatch.Deps{
		Store:          store,
		Locker:         locker,
		Rules:          engine,
		Providers:      providers,
		Breakers:       breakers,
		Executor:       exec,
		Audit:          sink,
		Bus:            bus,
		Signer:         signer,
		Definitions:    defs,
		Metrics:        dispatch.NewMetrics(promReg),
		DLQSize:        cfg.DLQ.MaxSize,
		Logger:         logger,
		AuditRetention: cfg.Audit.Retention.Std(),
	})
	if err != nil {
		return err
	}
	timer := d.StartTimer()
	defer timer.Stop()

	srv := &http.Server{
		Addr: cfg.Server.Listen,
		Handler: api.New(api.Config{
			Version:  version,
			RulesDir: cfg.Rules.Dir,
		}, d, providers, promReg, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildState(ctx context.Context, cfg *config.Config) (state.Store, state.Locker, error) {
	switch cfg.State.Backend {
	case "redis":
		store, err := redisstate.Connect(ctx, cfg.State.Redis.Addr, cfg.State.Redis.Password, cfg.State.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return store, redisstate.NewLocker(store.Client()), nil
	default:
		return memory.New(), memory.NewLocker(), nil
	}
}

func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for i, spec := range cfg.Providers {
		var (
			p   provider.Provider
			err error
		)
		switch spec.Type {
		case "webhook":
			p, err = provider.NewWebhook(spec.Webhook.ToProvider())
		case "slack":
			p, err = provider.NewSlack(spec.Slack)
		default:
			err = fmt.Errorf("provider %d: unknown type %q", i, spec.Type)
		}
		if err != nil {
			return nil, err
		}
		registry.Register(p)
	}
	return registry, nil
}

func buildAudit(cfg *config.Config, logger *slog.Logger) (audit.Sink, error) {
	if cfg.Audit.Sink == "sqlite" {
		return audit.NewSQLiteSink(audit.SQLiteOptions{
			Path:      cfg.Audit.Path,
			HashChain: cfg.Audit.HashChain,
		}, logger)
	}
	return audit.NewMemorySink(audit.MemoryOptions{
		HashChain:  cfg.Audit.HashChain,
		MaxRecords: cfg.Audit.MaxRecords,
	}, logger), nil
}
