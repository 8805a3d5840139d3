// Package main is the cachegrid node process: it loads configuration,
// wires every internal collaborator together, joins the cluster, and
// serves DHT/near wire traffic plus health and metrics until signaled
// to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/cachegrid/internal/affinity"
	"github.com/devrev/pairdb/cachegrid/internal/backupcoordinator"
	"github.com/devrev/pairdb/cachegrid/internal/clock"
	"github.com/devrev/pairdb/cachegrid/internal/conflict"
	"github.com/devrev/pairdb/cachegrid/internal/config"
	"github.com/devrev/pairdb/cachegrid/internal/dedup"
	"github.com/devrev/pairdb/cachegrid/internal/engine"
	"github.com/devrev/pairdb/cachegrid/internal/entrystore"
	"github.com/devrev/pairdb/cachegrid/internal/membership"
	"github.com/devrev/pairdb/cachegrid/internal/metrics"
	"github.com/devrev/pairdb/cachegrid/internal/model"
	"github.com/devrev/pairdb/cachegrid/internal/nearcoordinator"
	"github.com/devrev/pairdb/cachegrid/internal/store"
	"github.com/devrev/pairdb/cachegrid/internal/timer"
	"github.com/devrev/pairdb/cachegrid/internal/topology"
	"github.com/devrev/pairdb/cachegrid/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./config.yaml"
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.Int("backups", cfg.Cache.Backups))

	local := model.NodeID(cfg.Server.NodeID)
	m := metrics.New(cfg.Server.NodeID)

	persist, err := buildStore(cfg.Store, logger)
	if err != nil {
		logger.Fatal("failed to initialize persistence store", zap.Error(err))
	}
	defer persist.Close()

	dedupCache, err := buildDedup(cfg.Dedup)
	if err != nil {
		logger.Fatal("failed to initialize dedup cache", zap.Error(err))
	}
	defer dedupCache.Close()

	ring := affinity.NewRing(cfg.Affinity.Partitions, cfg.Affinity.VirtualNodes)
	ring.AddNode(local)
	topo := topology.New(ring, local, cfg.Cache.Backups)
	entries := entrystore.NewStore(cfg.Affinity.Partitions)
	timers := timer.NewService()
	defer timers.Stop()
	versions := clock.NewDomain(1, 0)

	resolver := conflict.NewVersionResolver()

	transportAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	mem, err := membership.New(membership.Config{
		BindPort:       cfg.Membership.BindPort,
		SeedNodes:      cfg.Membership.SeedNodes,
		GossipInterval: cfg.Membership.GossipInterval,
		ProbeTimeout:   cfg.Membership.ProbeTimeout,
		ProbeInterval:  cfg.Membership.ProbeInterval,
	}, local, transportAddr, logger)
	if err != nil {
		logger.Fatal("failed to join membership", zap.Error(err))
	}
	defer mem.Shutdown()

	tp, err := transport.NewTCPTransport(local, transportAddr, mem.Resolve, logger)
	if err != nil {
		logger.Fatal("failed to start transport listener", zap.Error(err))
	}
	defer tp.Close()

	backups := backupcoordinator.New(local, tp, entries, topo, resolver, timers, m,
		backupcoordinator.Config{
			NetworkTimeout:      cfg.Cache.NetworkTimeout,
			DeferredAckCapacity: cfg.Cache.DeferredAckBufferSize,
			DeferredAckPeriod:   cfg.Cache.DeferredAckTimeout,
		}, logger)
	backups.RegisterHandlers(tp)

	eng := engine.New(entries, topo, resolver, versions, persist, backups, timers, m,
		engine.Config{StoreEnabled: cfg.Cache.StoreEnabled, BatchUpdateOnCommit: cfg.Cache.BatchUpdateOnCommit}, logger)

	near := nearcoordinator.New(local, 1, eng, backups, tp, topo, dedupCache, m,
		nearcoordinator.Config{
			MaxRemapAttempts: cfg.Cache.MaxRemapAttempts,
			NetworkTimeout:   cfg.Cache.NetworkTimeout,
		}, logger)
	near.RegisterHandlers(tp)

	topoListener := newTopologyListener(local, ring, topo, versions, logger)
	mem.AddListener(topoListener)
	mem.AddListener(backups)
	mem.AddListener(near)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	healthAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HealthPort)
	healthListener, err := net.Listen("tcp", healthAddr)
	if err != nil {
		logger.Fatal("failed to listen for health checks", zap.Error(err))
	}
	go func() {
		logger.Info("health service starting", zap.String("address", healthAddr))
		if err := grpcServer.Serve(healthListener); err != nil {
			logger.Error("health service stopped", zap.Error(err))
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.Port)
			logger.Info("metrics server starting", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("cachenode started", zap.String("node_id", cfg.Server.NodeID), zap.String("transport_address", transportAddr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	healthSrv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	eng.Stop()
}

func buildStore(cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.NewPostgresStore(ctx, cfg.DSN, cfg.MaxConnections, logger)
	default:
		return store.NewNopStore(), nil
	}
}

func buildDedup(cfg config.DedupConfig) (dedup.Cache, error) {
	if !cfg.Enabled {
		return dedup.NewNopCache(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return dedup.NewRedisCache(ctx, cfg.Addr, cfg.DB, cfg.TTL)
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}
