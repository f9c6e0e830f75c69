package refresh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	configserver "github.com/inpertio/config-server"
	"github.com/inpertio/config-server/branchcache"
	"github.com/inpertio/config-server/interest"
	"github.com/inpertio/config-server/mirror"
	"github.com/inpertio/config-server/snapshot"
)

const testURI = "https://git.example.com/config.git"

type fakeLister struct {
	mu    sync.Mutex
	heads []configserver.BranchRef
	err   error
	calls int
}

func (f *fakeLister) set(heads ...configserver.BranchRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads = heads
	f.err = nil
}

func (f *fakeLister) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeLister) ListBranches(_ context.Context, uri string) ([]configserver.BranchRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if uri != testURI {
		return nil, errors.New("unexpected uri " + uri)
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]configserver.BranchRef(nil), f.heads...), nil
}

// fakeSync writes a mirror whose single file names the listed commit.
type fakeSync struct {
	mu     sync.Mutex
	failOn map[string]error
	synced []string
}

func (f *fakeSync) Sync(_ context.Context, ref configserver.BranchRef, _, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, ref.Name)
	if err := f.failOn[ref.Name]; err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "app.yml"), []byte("commit: "+ref.CommitID+"\n"), 0o644); err != nil {
		return "", err
	}
	return ref.CommitID, nil
}

type failingMaterializer struct {
	*snapshot.Store
	failOn string
}

func (f failingMaterializer) Materialize(branch, commitID, mirrorDir string) (string, error) {
	if branch == f.failOn {
		return "", configserver.SnapshotMaterializeFailed(branch, commitID, errors.New("disk full"))
	}
	return f.Store.Materialize(branch, commitID, mirrorDir)
}

type recordedCycle struct {
	outcome  CycleOutcome
	duration time.Duration
}

type fakeRecorder struct {
	mu     sync.Mutex
	cycles []recordedCycle
}

func (f *fakeRecorder) RecordCycle(_ context.Context, _ time.Time, d time.Duration, o CycleOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycles = append(f.cycles, recordedCycle{outcome: o, duration: d})
	return nil
}

type fixture struct {
	root     string
	tracker  *interest.Tracker
	cache    *branchcache.Cache
	lister   *fakeLister
	sync     *fakeSync
	store    *snapshot.Store
	mirrors  *mirror.Pruner
	recorder *fakeRecorder
	r        *Refresher
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	root := t.TempDir()
	store := snapshot.NewStore(filepath.Join(root, "content"))

	f := &fixture{
		root:     root,
		tracker:  interest.New(),
		cache:    branchcache.New(store),
		lister:   &fakeLister{},
		sync:     &fakeSync{failOn: map[string]error{}},
		store:    store,
		mirrors:  mirror.NewPruner(filepath.Join(root, "repo"), nil),
		recorder: &fakeRecorder{},
	}

	cfg := Config{
		RemoteURI:    testURI,
		Tracker:      f.tracker,
		Cache:        f.cache,
		Lister:       f.lister,
		Synchronizer: f.sync,
		Mirrors:      f.mirrors,
		Snapshots:    store,
		Recorder:     f.recorder,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	r, err := New(cfg)
	require.NoError(t, err)
	f.r = r
	return f
}

func ref(name, commit string) configserver.BranchRef {
	return configserver.BranchRef{Name: name, CommitID: commit, Upstream: "refs/heads/" + name}
}

func readServed(t *testing.T, c *branchcache.Cache, branch string) string {
	t.Helper()
	entry, ok := c.Lookup(branch)
	require.True(t, ok, "branch %s not published", branch)
	var content string
	require.NoError(t, entry.WithReadLock(func(_, dir string) error {
		data, err := os.ReadFile(filepath.Join(dir, "app.yml"))
		content = string(data)
		return err
	}))
	return content
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{RemoteURI: testURI, Tracker: interest.New()})
	require.Error(t, err)
}

func TestRunPublishesWantedBranchesOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.lister.set(ref("main", "a1"), ref("dev", "b2"))
	f.tracker.MarkWanted("main")

	outcome := f.r.Run(context.Background())

	completed, ok := outcome.(Completed)
	require.True(t, ok)
	require.Equal(t, []string{"main"}, completed.Wanted)
	require.Empty(t, completed.Removed)
	require.Equal(t, []BranchOutcome{
		Updated{Ref: ref("main", "a1"), Status: branchcache.Created},
	}, completed.Outcomes)
	require.True(t, completed.Considered("main"))
	require.False(t, completed.Considered("dev"))

	require.Equal(t, "commit: a1\n", readServed(t, f.cache, "main"))
	_, ok = f.cache.Lookup("dev")
	require.False(t, ok)
	require.Equal(t, []string{"main"}, f.sync.synced)

	require.Len(t, f.recorder.cycles, 1)
	require.Equal(t, outcome, f.recorder.cycles[0].outcome)
}

func TestRunReplacesAndRetiresOldSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.MarkWanted("main")

	f.lister.set(ref("main", "a1"))
	f.r.Run(context.Background())
	old, _ := f.cache.Lookup("main")

	f.lister.set(ref("main", "a3"))
	outcome := f.r.Run(context.Background()).(Completed)
	require.Equal(t, []BranchOutcome{
		Updated{Ref: ref("main", "a3"), Status: branchcache.Replaced},
	}, outcome.Outcomes)

	require.Equal(t, "commit: a3\n", readServed(t, f.cache, "main"))
	require.NoDirExists(t, old.Dir)
	require.ErrorIs(t, old.WithReadLock(func(string, string) error { return nil }), branchcache.ErrRetired)

	// Unchanged head: nothing is republished.
	current, _ := f.cache.Lookup("main")
	outcome = f.r.Run(context.Background()).(Completed)
	require.Equal(t, []BranchOutcome{
		Updated{Ref: ref("main", "a3"), Status: branchcache.Unchanged},
	}, outcome.Outcomes)
	again, _ := f.cache.Lookup("main")
	require.Same(t, current, again)
}

func TestRunListingFailureTouchesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.MarkWanted("main")
	f.lister.set(ref("main", "a1"))
	f.r.Run(context.Background())

	cause := configserver.RemoteUnreachable(testURI, errors.New("connection refused"))
	f.lister.fail(cause)
	f.tracker.MarkWanted("dev")

	outcome := f.r.Run(context.Background())
	failed, ok := outcome.(ListingFailed)
	require.True(t, ok)
	require.ErrorIs(t, failed.Cause, cause)
	require.Equal(t, "failed to list available branches", failed.Reason)

	require.Equal(t, []string{"dev", "main"}, f.tracker.Snapshot())
	require.Equal(t, "commit: a1\n", readServed(t, f.cache, "main"))
	require.Equal(t, []string{"main"}, f.sync.synced)
}

func TestRunForgetsRemovedBranchButKeepsServing(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.MarkWanted("main")
	f.tracker.MarkWanted("dev")
	f.lister.set(ref("main", "a1"), ref("dev", "b2"))
	f.r.Run(context.Background())
	require.DirExists(t, f.mirrors.Dir("dev"))

	f.lister.set(ref("main", "a1"))
	outcome := f.r.Run(context.Background()).(Completed)

	require.Equal(t, []string{"dev"}, outcome.Removed)
	require.Equal(t, []string{"main"}, f.tracker.Snapshot())
	require.NoDirExists(t, f.mirrors.Dir("dev"))
	require.Equal(t, "commit: b2\n", readServed(t, f.cache, "dev"))
}

func TestRunEvictsRemovedBranchWhenConfigured(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.EvictRemoved = true })
	f.tracker.MarkWanted("dev")
	f.lister.set(ref("dev", "b2"))
	f.r.Run(context.Background())
	entry, ok := f.cache.Lookup("dev")
	require.True(t, ok)

	f.lister.set(ref("main", "a1"))
	f.r.Run(context.Background())

	_, ok = f.cache.Lookup("dev")
	require.False(t, ok)
	require.NoDirExists(t, entry.Dir)
}

func TestRunIsolatesBranchFailures(t *testing.T) {
	f := newFixture(t, nil)
	for _, b := range []string{"main", "dev", "qa"} {
		f.tracker.MarkWanted(b)
	}
	f.lister.set(ref("main", "a1"), ref("dev", "b2"), ref("qa", "c3"))
	syncErr := configserver.BranchSyncFailed("dev", errors.New("reference not found"))
	f.sync.failOn["dev"] = syncErr

	outcome := f.r.Run(context.Background()).(Completed)
	require.Len(t, outcome.Outcomes, 3)

	require.Equal(t, "dev", outcome.Outcomes[0].BranchName())
	failed, ok := outcome.Outcomes[0].(Failed)
	require.True(t, ok)
	require.Equal(t, "failed cloning branch 'dev'", failed.Reason)
	require.ErrorIs(t, failed.Cause, syncErr)

	require.Equal(t, "main", outcome.Outcomes[1].BranchName())
	require.Equal(t, "qa", outcome.Outcomes[2].BranchName())

	updated, failedCount := outcome.Counts()
	require.Equal(t, 2, updated)
	require.Equal(t, 1, failedCount)

	_, ok = f.cache.Lookup("dev")
	require.False(t, ok)
	require.Equal(t, "commit: c3\n", readServed(t, f.cache, "qa"))
}

func TestRunMaterializeFailureKeepsPreviousSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.MarkWanted("main")
	f.lister.set(ref("main", "a1"))
	f.r.Run(context.Background())

	// Rebuild with a materializer that fails for main.
	r, err := New(Config{
		RemoteURI:    testURI,
		Tracker:      f.tracker,
		Cache:        f.cache,
		Lister:       f.lister,
		Synchronizer: f.sync,
		Mirrors:      f.mirrors,
		Snapshots:    failingMaterializer{Store: f.store, failOn: "main"},
	})
	require.NoError(t, err)

	f.lister.set(ref("main", "a2"))
	outcome := r.Run(context.Background()).(Completed)
	failed, ok := outcome.Outcomes[0].(Failed)
	require.True(t, ok)
	require.Equal(t, "failed to store content of branch 'main'", failed.Reason)

	require.Equal(t, "commit: a1\n", readServed(t, f.cache, "main"))
}

func TestSweepKeepsPublishedSnapshots(t *testing.T) {
	f := newFixture(t, nil)
	f.tracker.MarkWanted("main")
	f.lister.set(ref("main", "a1"))
	f.r.Run(context.Background())

	orphan := f.store.Dir("main", "zz")
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	result := f.r.Sweep(context.Background())
	require.Equal(t, 1, result.Removed)
	require.NoDirExists(t, orphan)
	require.Equal(t, "commit: a1\n", readServed(t, f.cache, "main"))
}
