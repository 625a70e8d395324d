// Package cli is the command-line entry point for the aspia binary:
// subcommand dispatch, flag parsing, and process exit codes. Exit code
// 0 is success; 1 is a user or integrity error.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to
// the appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "host":
		return runHost(ctx, args[1:])
	case "router":
		return runRouter(ctx, args[1:])
	case "keygen":
		return runKeygen(args[1:])
	case "create-config":
		return runCreateConfig(args[1:])
	case "import":
		return runImport(args[1:])
	case "export":
		return runExport(args[1:])
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `aspia - remote desktop host and router

Usage:
  aspia host [flags]            run the privileged host service
  aspia router [flags]          run the rendezvous router
  aspia keygen                  generate and print an X25519 key pair
  aspia create-config [flags]   create the initial configuration
  aspia import [flags]          import users and hosts into a router db
  aspia export [flags]          export users and hosts from a router db

Run any command with -h for its flags.
`)
}
