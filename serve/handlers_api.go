package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labdock/labdock"
	"github.com/labdock/labdock/artifacts"
	"github.com/labdock/labdock/engine"
)

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	exps := s.registry.Experiments()
	resp := make([]ExperimentResponse, 0, len(exps))
	for _, exp := range exps {
		resp = append(resp, ExperimentResponse{
			Name:          exp.Name,
			Ref:           exp.Ref,
			Code:          exp.Code,
			Entrypoint:    exp.Entrypoint,
			ArtifactsPath: exp.ArtifactsPath,
			ImageTag:      labdock.ImageTag(exp.Name),
			ContainerName: labdock.ContainerName(exp.Name),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBuild streams docker build output as chunked plain text, one line
// per chunk, terminated by the completion marker.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeNameRequest(w, r)
	if !ok {
		return
	}

	// The build's lifetime is detached from the request: a client that
	// stops reading must not abort a half-built image.
	stream, err := s.manager.Build(context.WithoutCancel(r.Context()), req.ExperimentName)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for line := range stream.Lines() {
		if _, err := fmt.Fprintln(w, line); err != nil {
			// Client went away; keep draining so the build process is
			// not blocked mid-pipe.
			continue
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeNameRequest(w, r)
	if !ok {
		return
	}

	id, err := s.manager.Run(r.Context(), req.ExperimentName)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RunResponse{ContainerID: id})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeNameRequest(w, r)
	if !ok {
		return
	}

	cname, err := s.manager.Remove(r.Context(), req.ExperimentName)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RemoveResponse{Removed: cname})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	exp, err := s.registry.Lookup(name)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	zipPath, err := s.packager.Package(exp)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", artifacts.DownloadName(exp.Name)))
	http.ServeFile(w, r, zipPath)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.manager.Status(r.Context(), r.PathValue("name"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Engine: "unknown"}
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status: "degraded",
				Engine: "unreachable",
			})
			return
		}
		resp.Engine = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIndexRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/static/index.html", http.StatusFound)
}

// handleLogsPage serves the log viewer at its short path, carrying the
// query (container id) through to the static page.
func (s *Server) handleLogsPage(w http.ResponseWriter, r *http.Request) {
	target := "/static/logs.html"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// --- Helpers ---

func decodeNameRequest(w http.ResponseWriter, r *http.Request) (NameRequest, bool) {
	var req NameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExperimentName == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "experiment_name is required"})
		return NameRequest{}, false
	}
	return req, true
}

// writeEngineError maps the error taxonomy onto HTTP statuses: missing
// experiment, dockerfile, or artifacts → 404; command timeout → 504;
// engine exit failure → 500 with the captured output as detail.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, labdock.ErrExperimentNotFound),
		errors.Is(err, engine.ErrDockerfileMissing),
		errors.Is(err, artifacts.ErrNoArtifacts):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrCommandTimeout):
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: err.Error()})
	default:
		var exitErr *engine.ExitError
		if errors.As(err, &exitErr) {
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: exitErr.Output})
			return
		}
		slog.Error("engine request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
