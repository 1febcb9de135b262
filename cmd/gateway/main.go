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
	"github.com/joao-fontenele/orderflow-saga/internal/gateway"
	"github.com/joao-fontenele/orderflow-saga/internal/telemetry"
)

const serviceName = "gateway"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load[config.Gateway]()
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

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	handler := gateway.NewHandler(
		gateway.NewServiceProxy("orders", cfg.OrdersServiceURL, httpClient),
		gateway.NewServiceProxy("payments", cfg.PaymentsServiceURL, httpClient),
		gateway.NewServiceProxy("inventory", cfg.InventoryServiceURL, httpClient),
		logger,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(handler.HandleOrders))
	mux.HandleFunc("GET /payments", telemetry.WithHTTPRoute(handler.HandlePayments))
	mux.HandleFunc("GET /payments/{id}", telemetry.WithHTTPRoute(handler.HandlePayments))
	mux.HandleFunc("GET /inventory/reservations/cancelled", telemetry.WithHTTPRoute(handler.HandleInventory))
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(mux, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting gateway service", "port", cfg.Port)
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
