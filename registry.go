package labdock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrExperimentNotFound is returned when a registry lookup misses.
var ErrExperimentNotFound = errors.New("experiment not found")

// Experiment describes a named, pre-existing build context the service can
// containerize and run. The Name doubles as the on-disk directory name under
// the base directory and is the basis for the derived image tag and
// container name.
type Experiment struct {
	Name          string `yaml:"name" json:"name"`
	Ref           string `yaml:"ref" json:"ref"`
	Code          string `yaml:"code" json:"code"`
	Entrypoint    string `yaml:"entrypoint" json:"entrypoint,omitempty"`
	ArtifactsPath string `yaml:"artifacts_path" json:"artifacts_path,omitempty"`
}

// Registry is the read-only set of experiments the service knows about.
// It is loaded once at process start and never mutated afterward, so it
// needs no synchronization.
type Registry struct {
	experiments []Experiment
	byName      map[string]Experiment
}

// NewRegistry builds a registry from a literal descriptor slice.
func NewRegistry(experiments []Experiment) (*Registry, error) {
	r := &Registry{
		experiments: experiments,
		byName:      make(map[string]Experiment, len(experiments)),
	}
	for _, exp := range experiments {
		if exp.Name == "" {
			return nil, errors.New("experiment with empty name")
		}
		if _, ok := r.byName[exp.Name]; ok {
			return nil, fmt.Errorf("duplicate experiment %q", exp.Name)
		}
		r.byName[exp.Name] = exp
	}
	return r, nil
}

// LoadRegistry reads a YAML registry file.
//
// The file is a document with a single "experiments" list:
//
//	experiments:
//	  - name: demo
//	    ref: https://example.org/paper
//	    code: https://example.org/repo
//	    artifacts_path: results
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var doc struct {
		Experiments []Experiment `yaml:"experiments"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return NewRegistry(doc.Experiments)
}

// Lookup returns the descriptor for name. A miss is the only error
// condition and wraps ErrExperimentNotFound.
func (r *Registry) Lookup(name string) (Experiment, error) {
	exp, ok := r.byName[name]
	if !ok {
		return Experiment{}, fmt.Errorf("%w: %q", ErrExperimentNotFound, name)
	}
	return exp, nil
}

// Experiments returns descriptors in file order.
func (r *Registry) Experiments() []Experiment {
	out := make([]Experiment, len(r.experiments))
	copy(out, r.experiments)
	return out
}

// Len returns the number of registered experiments.
func (r *Registry) Len() int {
	return len(r.experiments)
}

// Normalize derives the Docker-safe form of an experiment name:
// lowercase with underscores replaced by hyphens. It is pure and
// idempotent so repeated calls always derive the identical name.
func Normalize(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// ImageTag derives the image tag for an experiment name.
func ImageTag(name string) string {
	return Normalize(name)
}

// ContainerName derives the container name for an experiment name.
// At most one container may exist under this name at any time; the
// lifecycle manager's replace-before-run protocol enforces that.
func ContainerName(name string) string {
	return Normalize(name) + "-container"
}

// ExperimentDir resolves the build-context directory for an experiment.
func ExperimentDir(baseDir, name string) string {
	return filepath.Join(baseDir, name)
}

// ArtifactsDir resolves the artifacts directory for an experiment, or ""
// when the descriptor configures none.
func (e Experiment) ArtifactsDir(baseDir string) string {
	rel := strings.TrimSpace(e.ArtifactsPath)
	if rel == "" {
		return ""
	}
	return filepath.Join(ExperimentDir(baseDir, e.Name), rel)
}
