//go:build linux

// Command xenvhost bridges Xen guests to out-of-process vhost-user
// backends: it discovers virtio device entries in xenstore, emulates
// their virtio-mmio windows over the hypervisor's I/O request servers
// and hands negotiated devices to the backend owning their socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/xenbridge/xenvhost/internal/config"
	"github.com/xenbridge/xenvhost/internal/frontend"
	"github.com/xenbridge/xenvhost/internal/xenstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "xenvhost: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file (flags override it)")
	socketDir := flag.String("socket-dir", "", "Directory holding backend sockets")
	foreign := flag.Bool("foreign-mapping", false, "Map whole guest RAM instead of grant references")
	ramMiB := flag.Uint64("guest-ram", 0, "Guest RAM in MiB for foreign mapping")
	xsPath := flag.String("xenstore", "", "Path to the xenstored socket")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Bridge Xen guests to vhost-user device backends.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *socketDir != "" {
		cfg.SocketDir = *socketDir
	}
	if *foreign {
		cfg.ForeignMapping = true
	}
	if *ramMiB != 0 {
		cfg.GuestRAMMiB = *ramMiB
	}
	if *xsPath != "" {
		cfg.XenstorePath = *xsPath
	}
	if *debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := xenstore.Dial(cfg.XenstorePath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	watcher := xenstore.NewWatcher(store, frontend.SupportedTypes(), log)
	fe := frontend.New(frontend.Options{
		SocketDir:     cfg.SocketDir,
		Mode:          cfg.Mode(),
		GuestRAMBytes: cfg.GuestRAMBytes(),
	}, watcher, log)

	log.Info("xenvhost starting",
		"socket_dir", cfg.SocketDir,
		"mapping", cfg.Mode().String(),
		"xenstore", cfg.XenstorePath)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return watcher.Run(ctx) })
	group.Go(func() error { return fe.Run(ctx) })

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("xenvhost stopped")
	return nil
}
