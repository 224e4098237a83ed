// Command owner runs the data owner's REST server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opaque/secureknn/internal/config"
	"github.com/opaque/secureknn/internal/owner"
	"github.com/opaque/secureknn/pkg/client"
	"github.com/opaque/secureknn/pkg/server"
	"github.com/opaque/secureknn/pkg/transform"
)

var (
	configPath  = flag.String("config", "", "YAML config file (optional)")
	httpAddr    = flag.String("http-addr", "", "REST listen address (overrides config)")
	providerURL = flag.String("provider", "", "Provider base URL (overrides config)")
	datasetPath = flag.String("dataset", "", "Dataset CSV (overrides config)")
	keyPath     = flag.String("keys", "", "Key snapshot file (overrides config)")
	upload      = flag.Bool("upload", false, "Encrypt and upload the dataset at start-up")
	logLevel    = flag.String("log-level", "", "Log level (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.Owner.HTTPAddr = *httpAddr
	}
	if *providerURL != "" {
		cfg.Owner.ProviderURL = *providerURL
	}
	if *datasetPath != "" {
		cfg.Owner.DatasetPath = *datasetPath
	}
	if *keyPath != "" {
		cfg.Owner.KeySnapshotPath = *keyPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, err := cfg.Log.NewLogger()
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	gen, err := transform.NewGenerator(cfg.Scheme, []byte(cfg.Owner.Seed))
	if err != nil {
		log.Fatalf("Failed to create transform generator: %v", err)
	}
	provider := client.NewProviderHTTP(client.DefaultRemoteConfig(cfg.Owner.ProviderURL))

	svc, err := owner.New(owner.Config{
		DatasetPath:     cfg.Owner.DatasetPath,
		KeySnapshotPath: cfg.Owner.KeySnapshotPath,
	}, gen, provider, log)
	if err != nil {
		log.Fatalf("Failed to create owner: %v", err)
	}

	if *upload {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := svc.UploadDatabase(ctx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to upload database: %v", err)
		}
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Address = cfg.Owner.HTTPAddr
	httpServer := server.NewOwner(srvCfg, svc, log)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("HTTP shutdown failed")
	}
	log.Info("Shutdown complete")
}
