package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labdock/labdock"
	"github.com/labdock/labdock/engine"
	"github.com/labdock/labdock/serve"
)

// serveCmd starts the experiment API server.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8000", "HTTP listen address")
	registryPath := fs.String("experiments", labdock.DefaultRegistryPath(), "Experiments registry YAML file")
	baseDir := fs.String("base-dir", labdock.DefaultBaseDir(), "Directory holding experiment build contexts")
	deadline := fs.Duration("session-deadline", 10*time.Minute, "Wall-clock bound on a log-streaming session")

	fs.Usage = func() {
		fmt.Println(`Usage: labdock serve [options]

Start the HTTP API, websocket log channel, and frontend.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  labdock serve
  labdock serve --experiments experiments.yaml --base-dir ./experiments
  labdock serve --addr :8080 --session-deadline 5m`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *baseDir == labdock.DefaultBaseDir() {
		if err := labdock.EnsureHome(); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", labdock.Home(), err)
			os.Exit(1)
		}
	}

	registry, err := labdock.LoadRegistry(*registryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading registry %s: %v\n", *registryPath, err)
		os.Exit(1)
	}

	runner := engine.NewExecutor()

	// The SDK inspector is preferred; when the daemon socket is not
	// reachable at startup the manager falls back to CLI inspection and
	// the health probe reports the engine as unknown.
	var pinger serve.Pinger
	opts := []engine.ManagerOption{engine.WithRunner(runner)}
	inspector, err := engine.NewDockerInspector()
	if err != nil {
		slog.Warn("docker SDK unavailable, using CLI inspection", "error", err)
	} else {
		defer inspector.Close()
		opts = append(opts, engine.WithInspector(inspector))
		pinger = inspector
	}

	manager := engine.NewManager(registry, *baseDir, opts...)

	srv := serve.New(registry, manager, pinger, serve.Config{
		Addr:            *addr,
		BaseDir:         *baseDir,
		SessionDeadline: *deadline,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// validateCmd parses a registry file and prints its contents.
func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show each experiment's derived names")

	fs.Usage = func() {
		fmt.Println(`Usage: labdock validate <experiments.yaml> [options]

Validate an experiments registry file without starting the server.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: no registry file specified")
		fs.Usage()
		os.Exit(1)
	}

	file := fs.Arg(0)
	registry, err := labdock.LoadRegistry(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
		os.Exit(1)
	}

	if *verbose {
		for _, exp := range registry.Experiments() {
			fmt.Printf("  %s\n", exp.Name)
			fmt.Printf("    image:     %s\n", labdock.ImageTag(exp.Name))
			fmt.Printf("    container: %s\n", labdock.ContainerName(exp.Name))
			if exp.Entrypoint != "" {
				fmt.Printf("    entrypoint: %s\n", exp.Entrypoint)
			}
			if exp.ArtifactsPath != "" {
				fmt.Printf("    artifacts: %s\n", exp.ArtifactsPath)
			}
		}
	}

	fmt.Printf("Valid: %s (%d experiments)\n", file, registry.Len())
}
