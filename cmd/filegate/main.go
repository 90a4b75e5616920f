package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"filegate/internal/gateway"
	"filegate/internal/storage"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func Run(ctx context.Context) error {

	listen := flag.String("listen", "8080", "HTTP listen port")
	dataDir := flag.String("data-dir", "./data", "directory for local backend object data")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	cfg := gateway.NewConfig(
		gateway.WithDataDir(absDataDir),
		gateway.WithHosts(
			getenv("FILEGATE_READ_HOST", "http://localhost:"+*listen+"/files"),
			getenv("FILEGATE_WRITE_HOST", "http://localhost:"+*listen+"/api/files/upload"),
		),
		gateway.WithCallbackHost(getenv("FILEGATE_CALLBACK_HOST", "")),
		gateway.WithCloud(storage.CloudConfig{
			Endpoint:    getenv("FILEGATE_S3_ENDPOINT", ""),
			AccessKey:   getenv("FILEGATE_S3_ACCESS_KEY", ""),
			SecretKey:   getenv("FILEGATE_S3_SECRET_KEY", ""),
			Bucket:      getenv("FILEGATE_S3_BUCKET", ""),
			Region:      getenv("FILEGATE_S3_REGION", "us-east-1"),
			Secure:      getenv("FILEGATE_S3_SECURE", "true") == "true",
			SignLinks:   true,
			STSEndpoint: getenv("FILEGATE_S3_STS_ENDPOINT", ""),
		}),
	)

	service, err := gateway.NewService(cfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway service: %w", err)
	}

	defer service.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listen),
		Handler:           service.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting file gateway", "port", *listen)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("File gateway started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("File gateway exited with error", "error", err)
	}
}
