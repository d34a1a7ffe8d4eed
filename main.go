package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"retro/server/internal/admin"
	"retro/server/internal/audio"
	"retro/server/internal/chat"
	"retro/server/internal/config"
	"retro/server/internal/directory"
	"retro/server/internal/fileserver"
	"retro/server/internal/store"
	"retro/server/internal/transport"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("c", "", "server base directory (required)")
	regKeyPath := flag.String("R", "", "generate a registration key, write its hex to PATH, and exit")
	flag.Usage = usage
	flag.Parse()

	if *configDir == "" {
		usage()
		return 1
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if err := setupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	slog.Info("starting retro-server", "version", Version, "basedir", cfg.BaseDir)
	cfg.DebugDump()

	if err := ensureDirs(cfg); err != nil {
		slog.Error("prepare directories", "err", err)
		return 1
	}

	db, err := store.Open(cfg.ServerDB)
	if err != nil {
		slog.Error("open server db", "err", err)
		return 1
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("close server db", "err", closeErr)
		}
	}()

	dir, err := directory.Load(db, cfg.UserDir)
	if err != nil {
		slog.Error("load directory", "err", err)
		return 1
	}

	if *regKeyPath != "" {
		if err := createRegKey(dir, *regKeyPath); err != nil {
			slog.Error("create registration key", "err", err)
			return 1
		}
		return 0
	}

	return serve(cfg, dir)
}

// serve brings up the enabled listeners and blocks until a signal or a
// listener failure.
func serve(cfg *config.Config, dir *directory.Directory) int {
	msgs := store.NewMsgStore(cfg.MsgDir)

	tlsCfg, err := transport.LoadTLSConfig(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		slog.Error("load TLS certificate", "err", err)
		return 1
	}

	chatSrv, err := chat.New(cfg, tlsCfg, dir, msgs)
	if err != nil {
		slog.Error("start chat server", "err", err)
		return 1
	}

	var fileSrv *fileserver.Server
	if cfg.FileServerEnabled {
		fileSrv, err = fileserver.New(cfg, tlsCfg, dir)
		if err != nil {
			slog.Error("start file server", "err", err)
			return 1
		}
	}

	var audioSrv *audio.Server
	if cfg.AudioServerEnabled {
		audioSrv, err = audio.New(cfg, dir)
		if err != nil {
			slog.Error("start audio server", "err", err)
			return 1
		}
	}

	if cfg.Daemonize {
		slog.Warn("daemonize is not supported; run under a service supervisor instead")
	}
	if err := writePidFile(cfg.PidFile); err != nil {
		slog.Warn("write pidfile", "path", cfg.PidFile, "err", err)
	} else {
		defer os.Remove(cfg.PidFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return chatSrv.Run(ctx) })
	if fileSrv != nil {
		g.Go(func() error { return fileSrv.Run(ctx) })
	}
	if audioSrv != nil {
		g.Go(func() error { return audioSrv.Run(ctx) })
	}
	if cfg.AdminEnabled {
		var activeCalls func() int
		if audioSrv != nil {
			activeCalls = audioSrv.ActiveCalls
		}
		adminSrv := admin.New(dir, activeCalls)
		addr := net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.AdminPort))
		g.Go(func() error { return adminSrv.Run(ctx, addr) })
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("server stopped")
	return 0
}

func setupLogging(cfg *config.Config) error {
	out := os.Stderr
	if cfg.Daemonize {
		// Without a terminal the logfile is the only place output can go.
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open logfile: %w", err)
		}
		out = f
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	return nil
}

func ensureDirs(cfg *config.Config) error {
	for _, dir := range []string{cfg.UserDir, cfg.UploadDir, cfg.MsgDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func usage() {
	fmt.Fprintf(os.Stderr, `retro-server %s

  -c <dir>     server base directory (config.txt, certs/, users/, ...)
  -R <path>    generate a registration key, write its 32-byte hex to <path>,
               record it in server.db, and exit
  -h           show this help
`, Version)
}
