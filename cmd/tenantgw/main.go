package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flowpbx/tenantgw/internal/api"
	"github.com/flowpbx/tenantgw/internal/call"
	"github.com/flowpbx/tenantgw/internal/config"
	"github.com/flowpbx/tenantgw/internal/database"
	"github.com/flowpbx/tenantgw/internal/metrics"
	"github.com/flowpbx/tenantgw/internal/routing"
	"github.com/flowpbx/tenantgw/internal/rtpengine"
	sipserver "github.com/flowpbx/tenantgw/internal/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("tenantgw failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()

	slog.Info("starting tenantgw",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"sip_host", cfg.SIPHost,
		"db_driver", cfg.DBDriver,
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}
	if cfg.AdminPasswordHash == "" {
		slog.Warn("no admin-password-hash configured, admin api login is disabled")
	}

	// Open the configuration store and run migrations.
	db, err := database.Open(cfg.DBDriver, cfg.DBDSN, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	store := database.NewStore(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sipSrv, err := sipserver.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating sip server: %w", err)
	}

	// Routing model: tenants with their destinations and routes, and the
	// authorized ingress sources.
	directory := routing.NewDirectory(store, sipSrv, logger)
	if err := directory.LoadAll(appCtx); err != nil {
		slog.Warn("some tenants failed to load", "error", err)
	}
	defer directory.Close()
	directory.StartProbing()

	sources := routing.NewSources(store, logger)
	if err := sources.Load(appCtx); err != nil {
		return err
	}

	pool := rtpengine.NewPool(store, logger)
	if err := pool.Load(appCtx); err != nil {
		return err
	}
	defer pool.Close()

	// The collector counts outcomes reported by the dispatcher it reads
	// session counts from.
	var collector *metrics.Collector
	dispatcher := call.NewDispatcher(call.DispatcherConfig{
		Sources:     sources,
		Tenants:     directory,
		Engines:     call.PoolEngines(pool),
		Signaler:    sipSrv,
		Host:        cfg.SIPHost,
		ContactPort: cfg.ContactPort,
		OnOutcome:   func(o call.Outcome) { collector.ObserveOutcome(o) },
		Logger:      logger,
	})
	collector = metrics.NewCollector(metrics.Providers{
		Sessions: dispatcher,
		Tenants:  directory,
		Engines:  pool,
		SIP:      sipSrv,
		Blocked:  sipSrv.Guard(),
	}, startTime)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sipSrv.Handle(dispatcher)
	if err := sipSrv.Start(appCtx); err != nil {
		return fmt.Errorf("starting sip server: %w", err)
	}

	handler := api.NewServer(api.Config{
		Directory:         directory,
		Sources:           sources,
		Engines:           pool,
		Sessions:          dispatcher,
		Tracer:            sipSrv.Tracer(),
		Guard:             sipSrv.Guard(),
		Metrics:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AdminPasswordHash: cfg.AdminPasswordHash,
		JWTSecret:         jwtSecret,
		Logger:            logger,
	})
	go handler.Run(appCtx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error. SIGHUP reloads configuration.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var runErr error
wait:
	for {
		select {
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				reload(appCtx, directory, sources, pool)
				continue
			}
			slog.Info("received shutdown signal", "signal", sig.String())
			break wait
		case err := <-errCh:
			runErr = fmt.Errorf("http server: %w", err)
			break wait
		}
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	dispatcher.Close()
	sipSrv.Stop()

	slog.Info("tenantgw stopped")
	return runErr
}

// reload re-reads tenants, sources and media engines from the store.
// Failures keep the previous state and are logged by each component.
func reload(ctx context.Context, directory *routing.Directory, sources *routing.Sources, pool *rtpengine.Pool) {
	slog.Info("reloading configuration")
	_ = directory.ReloadAll(ctx)
	_ = sources.Reload(ctx)
	_ = pool.Reload(ctx)
}

// hashPassword reads a password from stdin and prints its argon2id hash
// for use as admin-password-hash.
func hashPassword() error {
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := api.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
