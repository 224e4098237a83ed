// Command provider runs the compute provider's REST and gRPC servers.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/opaque/secureknn/internal/config"
	"github.com/opaque/secureknn/internal/service"
	"github.com/opaque/secureknn/internal/store"
	"github.com/opaque/secureknn/pkg/grpcserver"
	"github.com/opaque/secureknn/pkg/server"
)

var (
	configPath = flag.String("config", "", "YAML config file (optional)")
	httpAddr   = flag.String("http-addr", "", "REST listen address (overrides config)")
	grpcAddr   = flag.String("grpc-addr", "", "gRPC listen address, \"off\" disables gRPC (overrides config)")
	dataDir    = flag.String("data-dir", "", "Directory for the query log and database snapshot (overrides config)")
	logLevel   = flag.String("log-level", "", "Log level (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.Provider.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.Provider.GRPCAddr = *grpcAddr
	}
	if *dataDir != "" {
		cfg.Provider.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, err := cfg.Log.NewLogger()
	if err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	var queries store.QueryLog = store.NewMemoryQueryLog()
	if dir := cfg.Provider.QueryLogDir(); dir != "" {
		if err := os.MkdirAll(cfg.Provider.DataDir, 0o755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		queries, err = store.OpenBadgerQueryLog(store.BadgerConfig{Dir: dir, SyncWrites: true})
		if err != nil {
			log.Fatalf("Failed to open query log: %v", err)
		}
	}
	defer queries.Close()

	provider, err := service.NewProvider(service.Config{
		CacheTTL:                  cfg.Provider.CacheTTL,
		MaxConcurrentPreparations: cfg.Provider.MaxConcurrentPreparations,
		SnapshotPath:              cfg.Provider.SnapshotPath(),
	}, queries, log)
	if err != nil {
		log.Fatalf("Failed to create provider: %v", err)
	}
	defer provider.Close()

	var grpcServer *grpc.Server
	if cfg.Provider.GRPCAddr != "off" {
		grpcServer = startGRPC(cfg.Provider, provider, log)
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Address = cfg.Provider.HTTPAddr
	httpServer := server.NewProvider(srvCfg, provider, log)
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
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	log.Info("Shutdown complete")
}

func startGRPC(cfg config.ProviderConfig, provider *service.Provider, log *logrus.Logger) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(64 * 1024 * 1024),
		grpc.MaxSendMsgSize(64 * 1024 * 1024),
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoveryUnaryInterceptor(log),
			grpcserver.LoggingUnaryInterceptor(log),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := grpcserver.LoadTLSCredentials(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			log.Fatalf("Failed to load TLS credentials: %v", err)
		}
		opts = append(opts, grpc.Creds(creds))
		log.Info("TLS enabled")
	}
	s := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus(grpcserver.ServiceDesc.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	grpcserver.Register(s, grpcserver.New(provider))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.GRPCAddr, err)
	}
	go func() {
		log.WithField("addr", cfg.GRPCAddr).Info("gRPC server listening")
		if err := s.Serve(lis); err != nil {
			log.Fatalf("gRPC server failed: %v", err)
		}
	}()
	return s
}
