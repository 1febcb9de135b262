package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/orderflow-saga/internal/config"
	"github.com/joao-fontenele/orderflow-saga/internal/messaging"
	"github.com/joao-fontenele/orderflow-saga/internal/orders"
	"github.com/joao-fontenele/orderflow-saga/internal/telemetry"
)

const serviceName = "orders"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("orders service failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load[config.Orders]()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, serviceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Endpoint, cfg.Telemetry.TracingEnabled)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(serviceName, cfg.Telemetry.ServiceVersion)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	var store orders.Store = orders.NewMemoryStore()
	if cfg.Postgres.Enabled() {
		db, err := telemetry.OpenPostgres(ctx, cfg.Postgres.URL, "orders")
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		store = orders.NewRepository(db)
		logger.Info("using postgres order store")
	}

	bus := messaging.NewBus(cfg.Broker.Bus(), logger)
	defer func() { _ = bus.Close() }()
	bus.Connect(ctx)

	if err := bus.WaitReady(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	service := orders.NewService(store, bus, logger)
	if err := service.Start(ctx, bus); err != nil {
		return err
	}

	handler := orders.NewHandler(service, bus.Connected, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(handler.HandleList))
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(handler.HandleCreate))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(handler.HandleGet))
	mux.HandleFunc("GET /healthz", handler.HandleHealth)
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(mux, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting orders service", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
