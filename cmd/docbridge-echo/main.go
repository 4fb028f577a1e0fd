// Package main is a reference docbridge extension. It speaks the extension
// protocol on stdin and stdout: it acknowledges every snapshot, answers
// heartbeats and echoes commands back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dshills/docbridge/internal/exttest"
	"github.com/dshills/docbridge/internal/logging"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("docbridge-echo", pflag.ContinueOnError)
	name := fs.String("name", "docbridge-echo", "name reported in the handshake")
	quiet := fs.Bool("quiet", false, "log only errors to stderr")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		return 2
	}

	level := "info"
	if *quiet {
		level = "error"
	}
	// Stdout carries the protocol; logs go to stderr only.
	logging.Init(logging.Config{Level: level, Format: "console", Output: os.Stderr})
	logger := logging.Component("echo")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := exttest.Serve(ctx, os.Stdin, os.Stdout, exttest.Behavior{
		Name:    *name,
		Version: version,
		Title:   "Echo extension",
	})
	logger.Info().Msg("echo extension stopped")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
