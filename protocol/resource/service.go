// Package resource serves raw files out of branch snapshots.
package resource

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	configserver "github.com/inpertio/config-server"
	"github.com/inpertio/config-server/access"
)

// Branches gives access to branch snapshots.
type Branches = access.Reader

// Resource is an open file of a snapshot. The caller must Close it.
type Resource struct {
	File     *os.File
	Name     string
	Size     int64
	ModTime  time.Time
	CommitID string
	ETag     configserver.Hash
}

// Close releases the underlying file.
func (r *Resource) Close() error {
	return r.File.Close()
}

// Service resolves resource requests against branch snapshots.
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

// GetResource opens the file at p in branch. The file is opened while the
// snapshot is read locked; an open descriptor stays readable after the
// snapshot directory is retired, so the body can be streamed afterwards.
func (s *Service) GetResource(ctx context.Context, branch, p string) (*Resource, error) {
	res, found, err := access.Query(ctx, s.branches, branch, func(commitID, rootDir string) (*Resource, error) {
		rel := path.Clean(strings.TrimPrefix(p, "/"))
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			return nil, notFound(branch, p)
		}

		f, err := os.Open(filepath.Join(rootDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, notFound(branch, p)
		}
		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			_ = f.Close()
			return nil, notFound(branch, p)
		}

		return &Resource{
			File:     f,
			Name:     rel,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			CommitID: commitID,
			ETag:     configserver.ContentTag(commitID, rel),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, configserver.UnknownBranch("unknown branch '%s'", branch)
	}
	return res, nil
}

func notFound(branch, p string) error {
	return configserver.UnknownPath("no resource at path '%s' is found in branch '%s'", p, branch)
}
