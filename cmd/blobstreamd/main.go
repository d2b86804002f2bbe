// Command blobstreamd runs the stream daemon: it resolves names, fetches
// blobs from peers, and serves reconstructed streams over HTTP. With
// -publish it instead encrypts a local file into the blob store and exits.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blobstreamorg/libblobstream-go/blob"
	"github.com/blobstreamorg/libblobstream-go/config"
	"github.com/blobstreamorg/libblobstream-go/manager"
	"github.com/blobstreamorg/libblobstream-go/resolver"
	"github.com/blobstreamorg/libblobstream-go/server"
	"github.com/blobstreamorg/libblobstream-go/stream"
)

func main() {
	configPath := flag.String("config", config.ConfigPath(config.DefaultDataDir()), "Config file path")
	listen := flag.String("listen", "", "Listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	logFormat := flag.String("log-format", "json", "Log format (json, text)")
	publishPath := flag.String("publish", "", "Publish the given file into the blob store and exit")
	publishName := flag.String("publish-name", "", "Stream name to publish under (defaults to the file name)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	usingDefaults := false
	if errors.Is(err, config.ErrConfigNotFound) {
		cfg = config.DefaultConfig()
		usingDefaults = true
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
		cfg.BlobDir = filepath.Join(*dataDir, "blobs")
		cfg.DownloadDir = filepath.Join(*dataDir, "downloads")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, *logFormat)
	if usingDefaults {
		logger.WithField("path", *configPath).Info("no config file, using defaults")
	}

	store, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		logger.WithError(err).Fatal("open blob store")
	}

	if *publishPath != "" {
		if err := publish(store, cfg, *publishPath, *publishName); err != nil {
			logger.WithError(err).Fatal("publish")
		}
		return
	}

	registry, err := manager.OpenRegistry(filepath.Join(cfg.DataDir, "streams.db"))
	if err != nil {
		logger.WithError(err).Fatal("open stream registry")
	}
	defer registry.Close()

	source := blob.NewHTTPSource(cfg.Peers, nil)
	mgr := manager.New(store, source, registry, manager.Options{
		DownloadDir:   cfg.DownloadDir,
		SaveBlobs:     cfg.SaveBlobs,
		StreamingOnly: cfg.StreamingOnly,
		Logger:        logger,
	})
	if err := mgr.Start(context.Background()); err != nil {
		logger.WithError(err).Fatal("start stream manager")
	}
	defer mgr.Stop()

	names := resolver.Chain{
		resolver.NewTable(cfg.Names),
		&resolver.DNS{Nameserver: cfg.Nameserver},
	}

	srv := server.New(cfg.ListenAddr, mgr, names, logger)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			logger.WithError(err).Error("http server")
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("shutdown")
	}
	logger.Info("daemon stopped")
}

// publish chunks and encrypts a local file into the blob store using a key
// derived from the configured master seed, and prints the sd hash.
func publish(store *blob.Store, cfg config.Config, path, name string) error {
	if cfg.MasterSeed == "" {
		return fmt.Errorf("publishing requires master_seed in the config")
	}
	seed, err := hex.DecodeString(cfg.MasterSeed)
	if err != nil {
		return err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	key, err := blob.DeriveKey(seed, []byte(name))
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	desc, err := stream.Create(store, key, name, filepath.Base(path), f)
	if err != nil {
		return err
	}
	sdHash, err := desc.SDHash()
	if err != nil {
		return err
	}
	fmt.Println(sdHash)
	return nil
}

func newLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
