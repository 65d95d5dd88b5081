package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/LeonardoBeccarini/sensordash/internal/config"
	"github.com/LeonardoBeccarini/sensordash/internal/model/messages"
	"github.com/LeonardoBeccarini/sensordash/internal/services/aggregator"
	"github.com/LeonardoBeccarini/sensordash/internal/services/connection"
	"github.com/LeonardoBeccarini/sensordash/internal/services/dashboard"
	"github.com/LeonardoBeccarini/sensordash/internal/services/grpcapi"
	"github.com/LeonardoBeccarini/sensordash/internal/services/persistence"
	"github.com/LeonardoBeccarini/sensordash/internal/services/relay"
	"github.com/LeonardoBeccarini/sensordash/pkg/eventbus"
	"github.com/LeonardoBeccarini/sensordash/pkg/mqtt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the telemetry server and serve the dashboard",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Resolve(cmd.Flags())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := eventbus.New[messages.Notification]()
	mgr, err := connection.New(cfg.Connection(), connection.Deps{Logger: logger, Bus: bus, Registerer: reg})
	if err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	defer mgr.Close()

	agg := aggregator.New(mgr, aggregator.Options{Logger: logger})
	bus.Subscribe(agg.Handle)

	app := dashboard.NewApp(dashboard.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Gatherer:       reg,
		Logger:         logger,
	}, mgr, agg)

	// ---- Influx archive (optional) ----
	var sinkDone chan struct{}
	if cfg.Archive().Enabled() {
		client, sink, err := persistence.OpenInflux(cfg.Archive(), persistence.SinkConfig{}, logger)
		if err != nil {
			return fmt.Errorf("influx: %w", err)
		}
		defer client.Close()
		bus.Subscribe(sink.Handle)
		app.WithArchive(sink, persistence.NewArchive(client.QueryAPI(cfg.Influx.Org), cfg.Influx.Bucket))
		sinkDone = make(chan struct{})
		go func() { sink.Run(ctx); close(sinkDone) }()
		logger.Info("archiving to influx", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}

	// ---- MQTT relay (optional) ----
	if cfg.MQTT.Host != "" {
		client, err := mqtt.NewConn(ctx, cfg.Broker(), logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		pub := mqtt.NewPublisher(client, 0)
		defer pub.Close()
		rl := relay.New(pub, agg, cfg.Relay(), nil, logger)
		bus.Subscribe(rl.Handle)
		go rl.Run(ctx)
		logger.Info("relaying to mqtt", "host", cfg.MQTT.Host, "prefix", cfg.MQTT.TopicPrefix)
	}

	// ---- gRPC (optional) ----
	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
		}
		svc := grpcapi.NewService(agg, logger)
		bus.Subscribe(svc.Handle)
		grpcServer = grpc.NewServer()
		svc.Register(grpcServer)
		defer svc.Shutdown()
		go func() {
			logger.Info("grpc listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("grpc serve", "err", err)
				cancel()
			}
		}()
	}

	if cfg.SweepInterval > 0 {
		go sweepLoop(ctx, agg, cfg.SweepInterval, logger)
	}

	go bus.Run(ctx)
	mgr.Connect()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr, "server_url", cfg.ServerURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve", "err", err)
			cancel()
		}
	}()

	// ---- graceful shutdown ----
	<-ctx.Done()
	logger.Info("shutting down")
	mgr.Disconnect()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if sinkDone != nil {
		<-sinkDone
	}
	return nil
}

// sweepLoop enforces the retention period on a fixed schedule.
func sweepLoop(ctx context.Context, agg *aggregator.Aggregator, every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			readings, errs := agg.SweepRetention(now)
			if readings > 0 || errs > 0 {
				logger.Info("retention sweep", "readings_removed", readings, "errors_removed", errs)
			}
		}
	}
}
