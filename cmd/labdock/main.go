// Package main provides the labdock CLI.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		serveCmd(args)
	case "validate":
		validateCmd(args)
	case "version":
		fmt.Printf("labdock %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Labdock - Docker Experiment Manager

Usage:
  labdock <command> [options]

Commands:
  serve     Start the HTTP API and log-streaming server
  validate  Validate an experiments registry file
  version   Print version information
  help      Show this help message

Examples:
  labdock serve --experiments experiments.yaml --base-dir ./experiments
  labdock validate experiments.yaml

Run 'labdock <command> --help' for more information on a command.`)
}
