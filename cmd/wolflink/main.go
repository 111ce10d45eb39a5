// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// wolflink is the command-line client for the linking service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/wolfbot-labs/wolflink/lib/version"
)

func main() {
	if err := run(); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("wolflink %s\n", version.Info())
		return nil
	}
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("a command is required")
	}

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "create":
		return cmdCreate(args)
	case "list":
		return cmdList(args)
	case "status":
		return cmdStatus(args)
	case "watch":
		return cmdWatch(args)
	case "terminate":
		return cmdTerminate(args)
	case "stats":
		return cmdStats(args)
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `wolflink — client for the account linking service.

Usage:
  wolflink create [--method qr|pairing] [--phone NUMBER]
  wolflink list
  wolflink status SESSION_ID
  wolflink watch SESSION_ID
  wolflink terminate SESSION_ID
  wolflink stats

Common flags:
  --server URL   service base URL (default http://127.0.0.1:5000,
                 or $WOLFLINK_SERVER)

Run "wolflink COMMAND --help" for command-specific flags.
`)
}

// newFlagSet builds a flag set with the shared --server flag.
func newFlagSet(name string) (*pflag.FlagSet, *string) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	defaultServer := os.Getenv("WOLFLINK_SERVER")
	if defaultServer == "" {
		defaultServer = "http://127.0.0.1:5000"
	}
	server := flags.String("server", defaultServer, "service base URL")
	return flags, server
}

// oneSessionArg parses flags and returns the single positional session
// ID argument.
func oneSessionArg(flags *pflag.FlagSet, args []string) (string, error) {
	if err := flags.Parse(args); err != nil {
		return "", err
	}
	rest := flags.Args()
	if len(rest) != 1 {
		return "", fmt.Errorf("exactly one SESSION_ID argument is required")
	}
	return rest[0], nil
}
