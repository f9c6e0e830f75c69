// Package upstream lists branch heads of the remote repository.
package upstream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"

	configserver "github.com/inpertio/config-server"
)

// DefaultTimeout bounds a single listing call.
const DefaultTimeout = 30 * time.Second

// Lister queries the branch heads of a remote repository.
type Lister struct {
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Lister.
type Option func(*Lister)

// WithTimeout bounds each ListBranches call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(l *Lister) {
		l.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lister) {
		l.logger = logger
	}
}

// NewLister creates a Lister.
func NewLister(opts ...Option) *Lister {
	l := &Lister{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ListBranches returns the branch heads of the repository at uri, sorted by
// name. Tags and symbolic references are ignored. Any failure to talk to the
// remote is reported as a RemoteUnreachable error; there is no retry.
func (l *Lister) ListBranches(ctx context.Context, uri string) ([]configserver.BranchRef, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	remote := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: gogit.DefaultRemoteName,
		URLs: []string{uri},
	})

	refs, err := remote.ListContext(ctx, &gogit.ListOptions{})
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return nil, nil
		}
		return nil, configserver.RemoteUnreachable(uri, Classify(err))
	}

	return l.branchHeads(refs), nil
}

func (l *Lister) branchHeads(refs []*plumbing.Reference) []configserver.BranchRef {
	heads := make([]*plumbing.Reference, 0, len(refs))
	for _, ref := range refs {
		if ref.Type() != plumbing.HashReference || !ref.Name().IsBranch() {
			continue
		}
		heads = append(heads, ref)
	}
	sort.Slice(heads, func(i, j int) bool {
		return heads[i].Name() < heads[j].Name()
	})

	seen := make(map[string]plumbing.ReferenceName, len(heads))
	branches := make([]configserver.BranchRef, 0, len(heads))
	for _, ref := range heads {
		name := BranchName(ref.Name())
		if prev, dup := seen[name]; dup {
			l.logger.Warn("ignoring branch with colliding name",
				"branch", name,
				"ref", ref.Name().String(),
				"kept", prev.String(),
			)
			continue
		}
		seen[name] = ref.Name()
		branches = append(branches, configserver.BranchRef{
			Name:     name,
			CommitID: ref.Hash().String(),
			Upstream: ref.Name().String(),
		})
	}

	sort.Slice(branches, func(i, j int) bool {
		return branches[i].Name < branches[j].Name
	})
	return branches
}

// BranchName returns the client-facing name of a branch reference: the last
// segment of its path, so "refs/heads/feature/x" becomes "x".
func BranchName(ref plumbing.ReferenceName) string {
	short := ref.Short()
	if i := strings.LastIndexByte(short, '/'); i >= 0 {
		return short[i+1:]
	}
	return short
}
