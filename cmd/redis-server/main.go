// Command redis-server is the process entrypoint: it resolves flags,
// brings up logging, loads or replicates the dataset, and serves
// connections until signalled to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"

	"github.com/dstainton/redisd/internal/config"
	applog "github.com/dstainton/redisd/internal/log"
	"github.com/dstainton/redisd/internal/server"
)

func main() {
	if err := run(); err != nil {
		// A startup failure is a single fatal line to stdout; no
		// serving is attempted.
		fmt.Println(err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("redis-server: %w", err)
	}

	backend, err := applog.New(os.Stderr, "NOTICE")
	if err != nil {
		return fmt.Errorf("redis-server: %w", err)
	}
	logger := backend.GetLogger("redis-server")
	logger.Noticef("starting, build %s", versioninfo.Short())

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("redis-server: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("redis-server: listening on port %d: %w", cfg.Port, err)
	}
	logger.Noticef("listening on %s", ln.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = srv.Serve(ctx, ln)
	srv.Close()
	return err
}
