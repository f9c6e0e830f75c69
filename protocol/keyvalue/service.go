// Package keyvalue serves branch configuration as flattened key=value
// properties built from the YAML files of a snapshot.
package keyvalue

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	configserver "github.com/inpertio/config-server"
	"github.com/inpertio/config-server/access"
)

// Branches gives access to branch snapshots.
type Branches = access.Reader

// Service resolves configuration queries against branch snapshots.
type Service struct {
	branches Branches
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger for the service.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a Service.
func NewService(branches Branches, opts ...ServiceOption) *Service {
	s := &Service{
		branches: branches,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetConfigs flattens the YAML files found at paths in branch. Each path is
// a file or a directory relative to the snapshot root; directories are
// walked depth first in lexical order and only their .yml and .yaml files
// are used; other files inside a walked directory are ignored, while a file
// named explicitly is parsed whatever its extension. Files are read in
// request order, each at most once, and later files override keys of
// earlier ones.
func (s *Service) GetConfigs(ctx context.Context, branch string, paths []string) (*Properties, error) {
	props, found, err := access.Query(ctx, s.branches, branch, func(_, rootDir string) (*Properties, error) {
		files, err := collect(rootDir, branch, paths)
		if err != nil {
			return nil, err
		}

		props := NewProperties()
		for _, rel := range files {
			if err := loadFile(props, filepath.Join(rootDir, filepath.FromSlash(rel))); err != nil {
				return nil, configserver.InvalidContent("failed to parse '%s' in branch '%s': %v", rel, branch, err)
			}
		}
		return props, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, configserver.UnknownBranch("branch '%s' doesn't exist", branch)
	}
	return props, nil
}

func loadFile(props *Properties, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	return props.LoadYAML(f)
}

// collect resolves requested paths into a duplicate-free list of files,
// relative to rootDir in slash form, in the order they are to be applied.
func collect(rootDir, branch string, requested []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	add := func(rel string) {
		if _, dup := seen[rel]; dup {
			return
		}
		seen[rel] = struct{}{}
		files = append(files, rel)
	}

	for _, p := range requested {
		rel := path.Clean(strings.TrimPrefix(p, "/"))
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return nil, configserver.UnknownPath("path '%s' doesn't exist in branch %s", p, branch)
		}

		abs := filepath.Join(rootDir, filepath.FromSlash(rel))
		info, err := os.Lstat(abs)
		if err != nil {
			return nil, configserver.UnknownPath("path '%s' doesn't exist in branch %s", p, branch)
		}

		switch {
		case info.Mode().IsRegular():
			add(rel)
		case info.IsDir():
			err := filepath.WalkDir(abs, func(file string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.Type().IsRegular() || !isYAML(d.Name()) {
					return nil
				}
				r, err := filepath.Rel(rootDir, file)
				if err != nil {
					return err
				}
				add(filepath.ToSlash(r))
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("walking %s: %w", p, err)
			}
		default:
			return nil, configserver.UnknownPath("path '%s' doesn't exist in branch %s", p, branch)
		}
	}
	return files, nil
}

// SplitPaths splits a comma separated path list, dropping blank entries.
func SplitPaths(raw string) []string {
	var paths []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}
