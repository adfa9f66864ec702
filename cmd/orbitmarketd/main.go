package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"orbitmarket/config"
	"orbitmarket/core"
	"orbitmarket/observability"
	"orbitmarket/observability/logging"
	"orbitmarket/rpc"
	"orbitmarket/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("orbitmarketd", "").Error("load config", "err", err)
		os.Exit(1)
	}
	log := logging.Setup("orbitmarketd", cfg.Environment)

	treasury, err := cfg.TreasuryAddress()
	if err != nil {
		log.Error("parse treasury address", "err", err)
		os.Exit(1)
	}
	if treasury == ([20]byte{}) {
		log.Warn("no treasury configured, standard-rate settlement disabled")
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "market"))
	if err != nil {
		log.Error("open database", "path", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	node := core.NewNode(db, treasury)
	metrics := observability.Metrics()
	node.SetMetrics(metrics)

	server := rpc.New(rpc.Config{
		Node:     node,
		Log:      log,
		Metrics:  metrics,
		APIToken: cfg.APIToken,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("rpc listening", "addr", cfg.ListenAddress, "network", cfg.NetworkName)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("shutdown", "err", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("rpc server", "err", err)
			os.Exit(1)
		}
	}
}
