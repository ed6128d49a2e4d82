// Package main is the entry point for the connector: run as "nnc service"
// it is the background daemon that owns the actor, the IPC socket, and
// every live tunnel; any other subcommand is a thin client that dials that
// socket and drives one command through internal/controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"backend/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	verb := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch verb {
	case "service":
		err = runService(ctx, args)
	case "status", "connect", "disconnect", "reconnect":
		err = runClient(ctx, verb, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "nnc:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nnc <service|status|connect|disconnect|reconnect> [flags]")
}

func devLoggerConfig(dev bool) *logger.Config {
	if dev {
		return logger.DevelopmentConfig()
	}
	return logger.DefaultConfig()
}

// parseLogFlags pulls the two flags every subcommand shares (log level and
// development/console output) out of fs so each runXxx only has to declare
// its own.
func parseLogFlags(fs *flag.FlagSet) (*string, *bool) {
	level := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	dev := fs.Bool("dev", false, "console log output instead of JSON")
	return level, dev
}
