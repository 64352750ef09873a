// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Command dmctl is a terminal client for encrypted direct messages.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/efchatnet/efdm/backend/client"
	"github.com/efchatnet/efdm/backend/config"
	"github.com/efchatnet/efdm/backend/keystore"
	"github.com/efchatnet/efdm/backend/logging"
)

func main() {
	cfg, args, err := config.LoadClient(os.Args[1:], config.Options{})
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Fprint(os.Stderr, usage)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dmctl: %v\n", err)
		os.Exit(2)
	}

	log := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	vault, err := keystore.NewFileVault(cfg.VaultDir, cfg.VaultPassphrase, cfg.VaultWorkFactor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dmctl: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote := client.New(cfg.ServerURL, cfg.Token, cfg.UserID)
	app := NewApp(cfg.UserID, remote, vault, log, os.Stdin, os.Stdout)
	if err := app.Run(ctx, args); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "dmctl: %v\n", err)
		os.Exit(1)
	}
}
