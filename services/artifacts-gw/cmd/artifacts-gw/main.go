package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	gos3 "polyship/pkg/s3"
	"polyship/pkg/telemetry"
	"polyship/services/artifacts-gw"
	"polyship/services/publish"
	"polyship/services/signer"
)

func main() {
	if err := run("artifacts-gw"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()
	logger := telemetry.NewLogger(serviceName, os.Stderr, getEnv("POLYSHIP_VERBOSE", "") != "")

	key, err := signer.KeyPairFromEnv(os.Getenv)
	if err != nil {
		return err
	}
	opts := artifactsgw.Options{Dir: getEnv("POLYSHIP_RELEASE_DIR", "dist"), Key: key, Logger: logger}
	if bucket := strings.TrimSpace(os.Getenv("S3_BUCKET")); bucket != "" {
		s3Client, err := gos3.New(ctx, gos3.ConfigFromEnv(os.Getenv))
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		opts.Mirror = &publish.S3Mirror{Store: s3Client, Bucket: bucket, Prefix: os.Getenv("S3_PREFIX")}
	}

	gw, err := artifactsgw.NewServer(ctx, opts)
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", gw.Routes())

	server := &http.Server{
		Addr:              getEnv("ARTIFACTS_GW_ADDR", ":8080"),
		Handler:           otelhttp.NewHandler(r, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO serving %s on %s", opts.Dir, server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}
	return nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
