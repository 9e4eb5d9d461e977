// Package artifacts zips experiment output directories for download.
package artifacts

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/labdock/labdock"
)

// ErrNoArtifacts is returned when an experiment configures no artifacts
// path or the directory does not exist yet.
var ErrNoArtifacts = errors.New("no artifacts found")

// Packager zips artifact directories. Archives are written next to the
// source directory; the source is never deleted.
type Packager struct {
	baseDir string
}

// NewPackager creates a Packager over the experiments base directory.
func NewPackager(baseDir string) *Packager {
	return &Packager{baseDir: baseDir}
}

// Package zips the experiment's artifacts directory and returns the archive
// path. Packaging the same directory contents twice produces archives with
// identical entry sets: files are walked in sorted order with
// forward-slash names.
func (p *Packager) Package(exp labdock.Experiment) (string, error) {
	dir := exp.ArtifactsDir(p.baseDir)
	if dir == "" {
		return "", fmt.Errorf("%w for experiment %q: no artifacts path configured", ErrNoArtifacts, exp.Name)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w for experiment %q: %s is not a directory", ErrNoArtifacts, exp.Name, dir)
	}

	zipPath := dir + ".zip"
	if err := writeZip(zipPath, dir); err != nil {
		return "", fmt.Errorf("package %q: %w", exp.Name, err)
	}
	return zipPath, nil
}

// writeZip archives dir into path, relative names rooted at dir.
func writeZip(path, dir string) error {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	out, err := os.Create(path)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(out)
	for _, file := range files {
		if err := addFile(zw, dir, file); err != nil {
			zw.Close()
			out.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func addFile(zw *zip.Writer, dir, file string) error {
	rel, err := filepath.Rel(dir, file)
	if err != nil {
		return err
	}
	w, err := zw.Create(filepath.ToSlash(rel))
	if err != nil {
		return err
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// DownloadName returns the attachment filename for an experiment archive.
func DownloadName(name string) string {
	return strings.TrimSpace(name) + "-artifacts.zip"
}
