package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"dirwatch/internal/version"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitSetup   = 2
	exitRuntime = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	if len(args) > 0 && args[0] == "schema" {
		return runSchema(args[1:], out, errOut)
	}

	cfg, err := parseArgs(args, errOut, os.LookupEnv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(errOut, err)
		return exitUsage
	}
	if cfg.ShowVersion {
		fmt.Fprintln(out, version.GetVersionInfo().Line("dirwatch"))
		return exitOK
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	session, err := newSession(cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return exitSetup
	}
	stopSignals := watchShutdownSignals(session.logger, cancel, signalCh)
	defer stopSignals()

	return session.run(ctx, nil)
}
