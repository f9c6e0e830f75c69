// Package branchcache holds the published snapshot of every served branch.
//
// Readers look entries up without blocking and use them under the entry's
// read lock. Publishing a new commit swaps the map value first and only then
// write-locks the old entry to retire its directory, so a reader either
// finishes on the old snapshot before it disappears or observes the entry as
// retired and looks the branch up again.
package branchcache

import (
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync"

	configserver "github.com/inpertio/config-server"
)

// ErrRetired is returned by Entry.WithReadLock when the entry was replaced
// or evicted after it was looked up.
var ErrRetired = errors.New("branch snapshot retired")

// Entry is one published snapshot of a branch. CommitID and Dir never
// change after publication.
type Entry struct {
	Branch      string
	CommitID    string
	Dir         string
	PublishedAt time.Time

	mu      sync.RWMutex
	retired bool
}

// Ref returns the branch and commit of the entry.
func (e *Entry) Ref() configserver.BranchRef {
	return configserver.BranchRef{Name: e.Branch, CommitID: e.CommitID}
}

// WithReadLock runs action against the snapshot while holding the entry's
// read lock, so the directory cannot be retired underneath it. It returns
// ErrRetired without calling action if the entry is no longer published.
func (e *Entry) WithReadLock(action func(commitID, dir string) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.retired {
		return ErrRetired
	}
	return action(e.CommitID, e.Dir)
}

// Present reports whether the snapshot directory still exists. It can
// vanish when something outside the server removes it.
func (e *Entry) Present() bool {
	info, err := os.Stat(e.Dir)
	return err == nil && info.IsDir()
}

// retire waits for readers to drain, marks the entry retired and hands its
// directory to remove.
func (e *Entry) retire(remove func(dir string)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.retired {
		return
	}
	e.retired = true
	remove(e.Dir)
}

// PublishStatus describes what Publish did.
type PublishStatus string

const (
	// Unchanged means the branch already served the commit.
	Unchanged PublishStatus = "unchanged"
	// Created means the branch had no entry before.
	Created PublishStatus = "created"
	// Replaced means an older commit was swapped out and retired.
	Replaced PublishStatus = "replaced"
	// Restored means the served commit was unchanged but its snapshot
	// directory had vanished and was materialized again in place.
	Restored PublishStatus = "restored"
)

// Retirer removes snapshot directories that are no longer served.
type Retirer interface {
	Retire(dir string)
}

// Cache maps branch names to their published entries.
type Cache struct {
	entries *xsync.MapOf[string, *Entry]
	retirer Retirer
	logger  *slog.Logger
	now     func() time.Time

	// writeMu serializes swaps so exactly one writer sees a given old entry.
	writeMu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the clock used for PublishedAt.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache that retires replaced snapshots through r.
func New(r Retirer, opts ...Option) *Cache {
	c := &Cache{
		entries: xsync.NewMapOf[*Entry](),
		retirer: r,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the current entry for branch. It never blocks on writers.
func (c *Cache) Lookup(branch string) (*Entry, bool) {
	return c.entries.Load(branch)
}

// Publish makes ref the served snapshot of its branch. When the branch
// already serves ref.CommitID from a directory that still exists nothing
// happens and materialize is not called; a vanished directory is
// materialized again and reported as Restored.
// Otherwise materialize builds the new snapshot while the old one keeps
// serving, the entry is swapped, and the old entry is retired once its
// readers have finished. Concurrent publishes of the same branch must be
// serialized by the caller.
func (c *Cache) Publish(ref configserver.BranchRef, materialize func() (string, error)) (PublishStatus, error) {
	restoring := false
	if current, ok := c.entries.Load(ref.Name); ok && current.CommitID == ref.CommitID {
		if current.Present() {
			return Unchanged, nil
		}
		c.logger.Warn("published snapshot is missing, materializing again",
			"branch", ref.Name,
			"commit", ref.ShortCommit(),
			"dir", current.Dir,
		)
		restoring = true
	}

	dir, err := materialize()
	if err != nil {
		return "", err
	}

	next := &Entry{
		Branch:      ref.Name,
		CommitID:    ref.CommitID,
		Dir:         dir,
		PublishedAt: c.now(),
	}

	previous, swapped := c.swap(ref.Name, next)
	if !swapped {
		// The entry for this commit stays; its directory is the one just
		// materialized.
		if restoring {
			return Restored, nil
		}
		return Unchanged, nil
	}
	if previous == nil {
		c.logger.Info("branch published", "branch", ref.Name, "commit", ref.ShortCommit())
		return Created, nil
	}

	previous.retire(c.retirer.Retire)
	c.logger.Info("branch updated",
		"branch", ref.Name,
		"commit", ref.ShortCommit(),
		"previous", previous.Ref().ShortCommit(),
	)
	return Replaced, nil
}

func (c *Cache) swap(branch string, next *Entry) (previous *Entry, swapped bool) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current, ok := c.entries.Load(branch)
	if ok && current.CommitID == next.CommitID {
		return nil, false
	}
	c.entries.Store(branch, next)
	if !ok {
		return nil, true
	}
	return current, true
}

// Evict removes the entry of branch and retires its snapshot. It reports
// whether there was an entry.
func (c *Cache) Evict(branch string) bool {
	c.writeMu.Lock()
	current, ok := c.entries.Load(branch)
	if ok {
		c.entries.Delete(branch)
	}
	c.writeMu.Unlock()

	if !ok {
		return false
	}
	current.retire(c.retirer.Retire)
	c.logger.Info("branch evicted", "branch", branch, "commit", current.Ref().ShortCommit())
	return true
}

// Entries returns the published entries sorted by branch name.
func (c *Cache) Entries() []*Entry {
	var entries []*Entry
	c.entries.Range(func(_ string, e *Entry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Branch < entries[j].Branch
	})
	return entries
}

// LiveDirs returns the set of directories currently published.
func (c *Cache) LiveDirs() map[string]struct{} {
	live := make(map[string]struct{})
	c.entries.Range(func(_ string, e *Entry) bool {
		live[e.Dir] = struct{}{}
		return true
	})
	return live
}
