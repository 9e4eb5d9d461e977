// Package engine drives the Docker engine for experiment containers.
//
// Build, run, remove, and log-follow operations invoke the docker CLI as an
// external process through Executor; read-only queries (container existence,
// status, daemon health) go through an Inspector, with an SDK-backed
// implementation in DockerInspector and a CLI fallback used when the daemon
// socket is not directly reachable.
//
// Manager composes the two: it derives container and image names from
// experiment names, selects the build descriptor for the host architecture,
// and enforces the replace-before-run protocol that keeps at most one
// container alive per experiment.
package engine
