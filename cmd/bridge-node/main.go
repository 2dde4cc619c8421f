package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bridge/internal/chain"
	"bridge/internal/config"
	"bridge/internal/crypto"
	"bridge/internal/ethy"
	"bridge/internal/gossip"
	"bridge/internal/logging"
	"bridge/internal/rpc"
	"bridge/internal/storage"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to config file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel)
	logger := logging.NewDefaultLogger()

	if err := run(cfg, logger); err != nil {
		logger.Errorf("bridge node exited with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, logger logging.Logger) error {
	// Session key; a node without one runs as a non-signing observer.
	var signer crypto.Signer
	switch {
	case cfg.Identity.KeyFile != "":
		s, err := crypto.LoadECDSASigner(cfg.Identity.KeyFile)
		if err != nil {
			return err
		}
		signer = s
		logger.Infof("loaded bridge session key: %s", s.Address().Hex())
	case cfg.Identity.PrivKeyHex != "":
		s, err := crypto.NewECDSASignerFromHex(cfg.Identity.PrivKeyHex)
		if err != nil {
			return err
		}
		signer = s
		logger.Infof("loaded bridge session key: %s", s.Address().Hex())
	default:
		logger.Warn("no session key configured, running as observer")
	}

	genesis, err := cfg.Genesis.ToValidatorSet()
	if err != nil {
		return err
	}
	sets := ethy.NewSetManager(genesis)

	store, err := storage.NewLevelDB(cfg.Storage.LevelDBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	metrics := ethy.NewMetrics()

	worker, err := ethy.NewWorker(ethy.Config{
		ExpiryHorizonBlocks:    cfg.Bridge.ExpiryHorizonBlocks,
		SetChangeHorizonBlocks: cfg.Bridge.SetChangeHorizonBlocks,
		ProofRetentionBlocks:   cfg.Bridge.ProofRetentionBlocks,
		RebroadcastInterval:    config.Duration(cfg.Bridge.RebroadcastInterval, 30*time.Second),
		RebroadcastJitter:      config.Duration(cfg.Bridge.RebroadcastJitter, 10*time.Second),
		UnknownEventBuffer:     cfg.Bridge.UnknownEventBuffer,
	}, signer, store, nil, sets, logger, metrics)
	if err != nil {
		return err
	}
	if err := worker.LoadFromStore(); err != nil {
		return fmt.Errorf("reload state: %w", err)
	}

	delegate := gossip.NewWitnessGossipDelegate(cfg.Identity.NodeName, worker.EnqueueWitness, logger)
	gm, err := gossip.NewManager(gossip.Config{
		NodeName:       cfg.Identity.NodeName,
		BindAddress:    cfg.Gossip.BindAddress,
		BindPort:       cfg.Gossip.BindPort,
		AdvertiseAddr:  cfg.Gossip.AdvertiseAddr,
		AdvertisePort:  cfg.Gossip.AdvertisePort,
		Seeds:          cfg.Gossip.Seeds,
		GossipInterval: config.Duration(cfg.Gossip.GossipInterval, 0),
		ProbeInterval:  config.Duration(cfg.Gossip.ProbeInterval, 0),
	}, delegate, logger)
	if err != nil {
		return fmt.Errorf("start gossip: %w", err)
	}
	defer gm.Shutdown()
	worker.SetBroadcaster(gm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx)

	if cfg.Chain.FeedPath != "" {
		feed := chain.NewFeed(cfg.Chain.FeedPath, config.Duration(cfg.Chain.PollInterval, time.Second), worker, logger)
		go func() {
			if err := feed.Run(ctx); err != nil {
				logger.Errorf("finality feed stopped: %v", err)
				cancel()
			}
		}()
	} else {
		logger.Warn("chain.feed_path not set, no finality input")
	}

	rpcServer := rpc.NewServer(cfg.RPC.ListenAddr, worker, logger)
	go func() {
		if err := rpcServer.Start(); err != nil {
			logger.Errorf("rpc server stopped: %v", err)
			cancel()
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			logger.Infof("metrics server listening on %s", cfg.Metrics.ListenAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("received signal %s, shutting down", sig)
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("rpc shutdown: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("metrics shutdown: %v", err)
		}
	}
	return nil
}
