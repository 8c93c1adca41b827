// Package main is the entry point for the reviewflow server and its
// maintenance commands.
//
//	reviewflow [serve] -config config.yaml
//	reviewflow validate -dir definitions [-dir more]
//	reviewflow reconcile -config config.yaml (-document doc-1 | -all)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/reviewflow/internal/config"
	"github.com/pitabwire/reviewflow/internal/definition"
	"github.com/pitabwire/reviewflow/internal/observability"
	"github.com/pitabwire/reviewflow/internal/transport"
	"github.com/pitabwire/reviewflow/internal/workflow"
	"github.com/pitabwire/reviewflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// systemActorID performs background reconciles.
const systemActorID = "system:reconciler"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return runServe(args)
	case "validate":
		return runValidate(args)
	case "reconcile":
		return runReconcile(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, validate or reconcile)\n", cmd)
		return 2
	}
}

// dirFlags collects repeated -dir flags.
type dirFlags []string

func (d *dirFlags) String() string     { return strings.Join(*d, ",") }
func (d *dirFlags) Set(v string) error { *d = append(*d, v); return nil }

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	var dirs dirFlags
	fs.Var(&dirs, "dir", "definition directory (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(dirs) == 0 {
		dirs = dirFlags{"definitions"}
	}

	defs, err := definition.LoadValidated(dirs)
	if err != nil {
		var verrs definition.ValidationErrors
		if errors.As(err, &verrs) {
			for _, ve := range verrs {
				fmt.Fprintln(os.Stderr, ve.Error())
			}
			fmt.Fprintf(os.Stderr, "%d validation error(s)\n", len(verrs))
			return 1
		}
		fmt.Fprintf(os.Stderr, "loading definitions: %v\n", err)
		return 1
	}
	for _, def := range defs {
		fmt.Printf("ok  %s@%s (%d stages) %s\n", def.ID, def.Version, len(def.Stages), def.SourceFile)
	}
	return 0
}

func runReconcile(args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	documentID := fs.String("document", "", "reconcile a single document")
	all := fs.Bool("all", false, "reconcile every document")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*documentID == "") == !*all {
		fmt.Fprintln(os.Stderr, "exactly one of -document or -all is required")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	app, err := buildApp(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("initialization failed", zap.Error(err))
		return 1
	}
	defer app.Close()

	actor := systemActor(cfg)
	var reports []workflow.ReconcileReport
	if *all {
		reports, err = app.manager.ReconcileAll(ctx, actor, cfg.Reconcile.Concurrency)
	} else {
		var report workflow.ReconcileReport
		report, err = app.manager.Reconcile(ctx, actor, *documentID)
		reports = []workflow.ReconcileReport{report}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(reports)

	if err != nil {
		logger.Error("reconcile failed", zap.Error(err))
		return 1
	}
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "reviewflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)

	app, err := buildApp(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("initialization failed", zap.Error(err))
		return 1
	}
	defer app.Close()

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Manager:     app.manager,
		Registry:    app.registry,
		Authorizer:  app.resolver,
		Reload:      app.Reload,
		Idempotency: app.idempotency,
		Logger:      logger,
		Metrics:     metrics,
		Gatherer:    registry,
		Readiness:   app.readiness(),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("definitions", app.registry.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if cfg.Definitions.ReloadOnSignal {
		g.Go(func() error {
			watchReloadSignal(gctx, app, logger)
			return nil
		})
	}

	if cfg.Reconcile.Interval > 0 {
		g.Go(func() error {
			runReconcileLoop(gctx, app.manager, systemActor(cfg), cfg.Reconcile, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

// systemActor is the identity used for background reconciles. It takes the
// first configured admin role.
func systemActor(cfg *config.Config) model.Actor {
	role := "ADMIN"
	if len(cfg.Policy.AdminRoles) > 0 {
		role = cfg.Policy.AdminRoles[0]
	}
	return model.Actor{ID: systemActorID, Role: role}
}

// watchReloadSignal reloads definitions and policy on SIGHUP.
func watchReloadSignal(ctx context.Context, app *application, logger *zap.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := app.Reload(ctx); err != nil {
				logger.Error("reload failed, keeping previous definitions", zap.Error(err))
				continue
			}
			logger.Info("definitions reloaded",
				zap.Int("definitions", app.registry.Len()),
				zap.String("checksum", app.registry.Checksum()),
			)
		}
	}
}

// runReconcileLoop periodically repairs documents that hold more than one
// instance or a completed instance still flagged active.
func runReconcileLoop(ctx context.Context, m *workflow.Manager, actor model.Actor, cfg config.ReconcileConfig, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reports, err := m.ReconcileAll(ctx, actor, cfg.Concurrency)
			changed := 0
			for _, r := range reports {
				if r.Changed() {
					changed++
				}
			}
			if err != nil {
				logger.Error("reconcile sweep failed", zap.Error(err), zap.Int("documents", len(reports)))
				continue
			}
			logger.Info("reconcile sweep complete",
				zap.Int("documents", len(reports)),
				zap.Int("changed", changed),
			)
		}
	}
}
