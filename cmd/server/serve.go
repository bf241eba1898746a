package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/spf13/cobra"

	"sdvault/internal/archive"
	"sdvault/internal/config"
	"sdvault/internal/logger"
	"sdvault/internal/notify"
	"sdvault/internal/playback"
	"sdvault/internal/reclaim"
	"sdvault/internal/server"
	"sdvault/internal/store"
	"sdvault/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var port int
	c := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s"},
		Short:   "Serve the HTTP API, ingest and viewer playback",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Port = port
			}
			cmd.SilenceUsage = true
			return serve(cmd.Context(), cfg)
		},
	}
	c.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides the config file)")
	return c
}

// openStore wires the optional archive and notify sinks into a store.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	ropts := reclaim.Options{Threshold: cfg.ReclaimThreshold, Batch: cfg.ReclaimBatch}
	sopts := store.Options{
		DataDir:      cfg.DataDir,
		RecordWidth:  cfg.RecordWidth,
		MaxChunkSize: cfg.MaxChunkSize,
	}
	cleanup := func() {}

	if cfg.Archive.Enabled() {
		a, err := archive.New(cfg.Archive)
		if err != nil {
			return nil, nil, err
		}
		if err := a.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		ropts.Archiver = a
		logger.Info("archiving evicted chunks", "endpoint", cfg.Archive.Endpoint, "bucket", cfg.Archive.Bucket)
	}
	if cfg.Notify.Enabled() {
		n := notify.New(cfg.Notify)
		ropts.Notifier = n
		sopts.Notifier = n
		cleanup = func() {
			if err := n.Close(); err != nil {
				logger.Warn("close notifier", "error", err)
			}
		}
		logger.Info("publishing chunk events", "brokers", cfg.Notify.Brokers, "topic", cfg.Notify.Topic)
	}

	sopts.Reclaim = ropts
	s, err := store.Open(sopts)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return s, cleanup, nil
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.LogSummary()

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	hub := transport.NewHub(cfg.MaxClients)
	mgr := playback.NewManager(hub, st, playback.Options{
		MaxClients:       cfg.MaxClients,
		MaxFrameSize:     cfg.MaxFrameSize,
		EventsPerMessage: cfg.EventsPerMessage,
		ControlTimeout:   cfg.ControlTimeout,
		ListenTimeout:    cfg.ListenTimeout,
		Auth:             transport.Users(cfg.Users),
	})
	managerDone := make(chan error, 1)
	go func() { managerDone <- mgr.Run(ctx) }()

	stream, err := server.StreamHandler(cfg.Transport, hub)
	if err != nil {
		hub.Close()
		return err
	}
	app := server.NewApp(server.NewHandlers(server.NewDVRServer(st, cfg.Timezone), mgr), stream)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}()

	port := findAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		logger.Warn("port in use, moved", "requested", cfg.Port, "port", port)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	logger.Info("listening", "addr", addr, "transport", cfg.Transport)

	err = app.Listen(addr, iris.WithoutServerError(iris.ErrServerClosed), iris.WithoutStartupLog)
	stop()
	hub.Close()
	if merr := <-managerDone; merr != nil {
		err = errors.Join(err, merr)
	}
	return err
}

// findAvailablePort returns the first free port at or above start, or
// start itself when none of the next hundred is free.
func findAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}
