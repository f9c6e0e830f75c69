// Package snapshot materializes immutable per-commit copies of branch
// mirrors and removes the ones that are no longer served.
package snapshot

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/otiai10/copy"

	configserver "github.com/inpertio/config-server"
)

// Store lays snapshots out as <root>/<branch>/<commit>.
type Store struct {
	root     string
	logger   *slog.Logger
	now      func() time.Time
	copyFile func(src, dst string) error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store rooted at root.
func NewStore(root string, opts ...Option) *Store {
	s := &Store{
		root:     root,
		logger:   slog.Default(),
		now:      time.Now,
		copyFile: copyRegular,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the snapshot directory for a branch at a commit.
func (s *Store) Dir(branch, commitID string) string {
	return filepath.Join(s.root, branch, commitID)
}

// Materialize copies the working tree of mirrorDir, without its .git
// directory, into the snapshot directory for branch at commitID and returns
// that directory. Any existing content at the target is replaced. Files that
// cannot be copied are logged and left out. Symlinks and other non-regular
// files are never copied so a snapshot cannot point outside itself.
func (s *Store) Materialize(branch, commitID, mirrorDir string) (string, error) {
	target := s.Dir(branch, commitID)

	if info, err := os.Stat(mirrorDir); err != nil {
		return "", configserver.SnapshotMaterializeFailed(branch, commitID, err)
	} else if !info.IsDir() {
		return "", configserver.SnapshotMaterializeFailed(branch, commitID, fmt.Errorf("%s is not a directory", mirrorDir))
	}

	if err := os.RemoveAll(target); err != nil {
		return "", configserver.SnapshotMaterializeFailed(branch, commitID, err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", configserver.SnapshotMaterializeFailed(branch, commitID, err)
	}

	skipped := 0
	err := filepath.WalkDir(mirrorDir, func(src string, d fs.DirEntry, err error) error {
		if err != nil {
			if src == mirrorDir {
				return err
			}
			skipped++
			s.logger.Warn("skipping unreadable path", "branch", branch, "path", src, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(mirrorDir, src)
		if err != nil {
			return err
		}
		switch {
		case rel == ".":
			return nil
		case d.IsDir() && d.Name() == ".git":
			return fs.SkipDir
		case d.IsDir():
			if err := os.MkdirAll(filepath.Join(target, rel), 0o755); err != nil {
				skipped++
				s.logger.Warn("skipping directory that could not be created", "branch", branch, "path", rel, "error", err)
				return fs.SkipDir
			}
			return nil
		case !d.Type().IsRegular():
			return nil
		}

		err = s.copyFile(src, filepath.Join(target, rel))
		if err != nil {
			skipped++
			s.logger.Warn("skipping file that could not be copied",
				"branch", branch,
				"path", rel,
				"error", err,
			)
		}
		return nil
	})
	if err != nil {
		_ = os.RemoveAll(target)
		return "", configserver.SnapshotMaterializeFailed(branch, commitID, err)
	}

	s.logger.Debug("snapshot materialized",
		"branch", branch,
		"commit", commitID,
		"dir", target,
		"skipped", skipped,
	)
	return target, nil
}

func copyRegular(src, dst string) error {
	return copy.Copy(src, dst, copy.Options{
		OnSymlink: func(string) copy.SymlinkAction {
			return copy.Skip
		},
	})
}

// Retire deletes a snapshot directory. Failures are logged, never returned.
func (s *Store) Retire(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("failed to remove retired snapshot", "dir", dir, "error", err)
		return
	}
	// Drop the branch directory once its last snapshot is gone; Remove fails
	// harmlessly when it is not empty.
	if parent := filepath.Dir(dir); parent != s.root {
		_ = os.Remove(parent)
	}
	s.logger.Debug("snapshot retired", "dir", dir)
}

// SweepResult contains the results of a sweep.
type SweepResult struct {
	Removed  int
	Errors   int
	Duration time.Duration
}

// Sweep removes every snapshot directory not contained in live, along with
// branch directories left empty. Callers must make sure no snapshot is being
// materialized concurrently.
func (s *Store) Sweep(live map[string]struct{}) *SweepResult {
	start := s.now()
	result := &SweepResult{}

	branches, err := os.ReadDir(s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("failed to list snapshots", "root", s.root, "error", err)
			result.Errors++
		}
		return result
	}

	for _, b := range branches {
		branchDir := filepath.Join(s.root, b.Name())
		if !b.IsDir() {
			continue
		}

		commits, err := os.ReadDir(branchDir)
		if err != nil {
			s.logger.Warn("failed to list branch snapshots", "dir", branchDir, "error", err)
			result.Errors++
			continue
		}

		kept := 0
		for _, c := range commits {
			dir := filepath.Join(branchDir, c.Name())
			if _, ok := live[dir]; ok {
				kept++
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				s.logger.Warn("failed to remove orphan snapshot", "dir", dir, "error", err)
				result.Errors++
				kept++
				continue
			}
			result.Removed++
			s.logger.Debug("removed orphan snapshot", "dir", dir)
		}

		if kept == 0 {
			_ = os.Remove(branchDir)
		}
	}

	result.Duration = s.now().Sub(start)
	return result
}
