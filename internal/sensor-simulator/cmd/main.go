package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	sensorSimulator "github.com/LeonardoBeccarini/sensordash/internal/sensor-simulator"
)

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	port := pflag.Int("port", envInt("PORT", 8080), "listen port")
	interval := pflag.Duration("interval", sensorSimulator.DefaultInterval, "reading broadcast interval")
	errorRate := pflag.Float64("error-rate", sensorSimulator.DefaultErrorRate, "sensor error probability per sensor per tick")
	seed := pflag.Int64("seed", 0, "random seed, 0 picks one from the clock")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	sim := sensorSimulator.NewSensorSimulator(sensorSimulator.Config{
		Interval:  *interval,
		ErrorRate: *errorRate,
		Seed:      *seed,
		Logger:    logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(*port),
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go sim.Run(ctx)
	go func() {
		logger.Info("simulator listening", "addr", srv.Addr, "interval", *interval, "error_rate", *errorRate)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	sim.CloseAll(1001, "server shutting down")
	_ = srv.Shutdown(shutdownCtx)
}
