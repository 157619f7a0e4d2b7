// ipchatd runs the messaging core without the desktop shell: discovery,
// chat, and file transfer listeners on a headless box, with optional
// Prometheus metrics. Peers see no difference between the daemon and
// the desktop app.
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
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/ipchat/internal/chat"
	"github.com/prxssh/ipchat/internal/config"
	"github.com/prxssh/ipchat/internal/conn"
	"github.com/prxssh/ipchat/internal/discovery"
	"github.com/prxssh/ipchat/internal/events"
	"github.com/prxssh/ipchat/internal/identity"
	"github.com/prxssh/ipchat/internal/metrics"
	"github.com/prxssh/ipchat/internal/transfer"
	"github.com/prxssh/ipchat/pkg/utils/logging"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file")
	name := flag.String("name", "", "display name override")
	flag.Parse()

	config.Init()
	if *cfgPath != "" {
		cfg, err := config.LoadFile(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		config.Swap(cfg)
	}
	cfg := config.Load()

	setupLogger(cfg.LogLevel)

	local := identity.LocalUser()
	switch {
	case *name != "":
		local.Name = *name
	case cfg.Username != "":
		local.Name = cfg.Username
	}

	// No UI to deliver to; surface events through debug logs instead.
	events.Init(events.SinkFunc(func(event string, payload any) {
		slog.Debug("event", "name", event)
	}))

	m := metrics.New()

	conns := conn.NewManager(local.ID, &conn.Config{
		DialTimeout:           cfg.DialTimeout,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		HeartbeatWriteTimeout: cfg.HeartbeatWriteTimeout,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		IdleTimeout:           cfg.IdleTimeout,
	}, m)

	chatSvc := chat.NewService(local.ID, cfg.ChatPort, conns)

	engine := transfer.NewEngine(local, &transfer.Config{
		Port:         cfg.TransferPort,
		ChunkSize:    cfg.ChunkSize,
		DownloadDir:  cfg.DownloadDir,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, m)

	disc := discovery.NewService(local, &discovery.Config{
		Service:          cfg.ServiceType,
		Domain:           cfg.ServiceDomain,
		Port:             cfg.ChatPort,
		RegisterAttempts: cfg.RegisterAttempts,
		RegisterDelay:    cfg.RegisterDelay,
		CleanupInterval:  cfg.CleanupInterval,
		PeerTimeout:      cfg.PeerTimeout,
	})

	if err := chatSvc.Start(); err != nil {
		slog.Error("chat service failed to start", "error", err)
		os.Exit(1)
	}
	if err := engine.Start(); err != nil {
		slog.Error("transfer service failed to start", "error", err)
		os.Exit(1)
	}
	conns.StartHeartbeat()
	if err := disc.Start(); err != nil {
		slog.Error("discovery failed to start", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsEnabled {
		srv := &http.Server{
			Addr:    cfg.MetricsBindAddr,
			Handler: m.Handler(),
		}
		g.Go(func() error {
			slog.Info("metrics listener up", "addr", cfg.MetricsBindAddr)
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				5*time.Second,
			)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		if err := disc.Stop(); err != nil {
			slog.Warn("discovery shutdown failed", "error", err)
		}
		if err := engine.Stop(); err != nil {
			slog.Warn("transfer shutdown failed", "error", err)
		}
		if err := chatSvc.Stop(); err != nil {
			slog.Warn("chat shutdown failed", "error", err)
		}
		conns.Stop()
		return nil
	})

	slog.Info(
		"ipchatd is up and running...",
		"peer_id", local.ID,
		"name", local.Name,
		"ip", local.IP,
		"chat_port", cfg.ChatPort,
		"transfer_port", cfg.TransferPort,
	)

	if err := g.Wait(); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.AddSource = false

	switch level {
	case "debug":
		opts.SlogOpts.Level = slog.LevelDebug
	case "warn":
		opts.SlogOpts.Level = slog.LevelWarn
	case "error":
		opts.SlogOpts.Level = slog.LevelError
	default:
		opts.SlogOpts.Level = slog.LevelInfo
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
