// Package labdock manages a small, statically-known registry of
// experiments, each backed by a Docker build context on disk, and drives
// the Docker engine to build images, run one named container per
// experiment, stream process output, and retrieve produced artifacts.
//
// The main components are:
//
//   - Registry: immutable name → descriptor table, loaded once at startup
//   - engine.Executor: synchronous and streaming subprocess invocation
//   - engine.Manager: image build, idempotent container replace, removal
//   - artifacts.Packager: on-demand zipping of experiment output
//   - serve.Server: the HTTP API and websocket log-streaming sessions
//
// Container and image names derive from the experiment name through
// Normalize (lowercase, underscores to hyphens); the derivation is pure so
// repeated operations always address the same container.
//
// # Thread Safety
//
// The Registry is immutable after load and safe for concurrent use. The
// lifecycle manager does not serialize operations across experiments, and
// concurrent runs of the same experiment race on replace-before-run; the
// last writer wins.
package labdock
