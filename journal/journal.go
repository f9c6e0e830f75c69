// Package journal persists what refresh cycles did: the last published
// commit and last failure of every branch, and a bounded history of cycle
// summaries. It is informational only; the branch cache is never rebuilt
// from it.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/inpertio/config-server/branchcache"
	"github.com/inpertio/config-server/refresh"
)

// DefaultHistory is the number of cycle summaries kept.
const DefaultHistory = 100

// ErrNotFound is returned when no record exists.
var ErrNotFound = errors.New("not found")

var (
	bucketBranches = []byte("branches") // branch -> BranchRecord JSON
	bucketCycles   = []byte("cycles")   // 8-byte start timestamp -> CycleRecord JSON
)

// BranchRecord is the last known state of a branch.
type BranchRecord struct {
	Branch      string    `json:"branch"`
	CommitID    string    `json:"commit_id,omitempty"`
	PublishedAt time.Time `json:"published_at,omitzero"`
	LastStatus  string    `json:"last_status"`
	LastFailure string    `json:"last_failure,omitempty"`
	FailedAt    time.Time `json:"failed_at,omitzero"`
	RemovedAt   time.Time `json:"removed_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CycleRecord summarizes one refresh cycle.
type CycleRecord struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Wanted   []string      `json:"wanted,omitempty"`
	Removed  []string      `json:"removed,omitempty"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
}

// Cycle outcome names stored in CycleRecord.Outcome.
const (
	OutcomeCompleted     = "completed"
	OutcomeListingFailed = "listing_failed"
)

// Journal stores refresh history in a bbolt database.
type Journal struct {
	db      *bbolt.DB
	logger  *slog.Logger
	history int
	noSync  bool
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithHistory sets how many cycle summaries are kept.
func WithHistory(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.history = n
		}
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(j *Journal) {
		j.noSync = noSync
	}
}

// Open opens or creates the journal at path.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{
		logger:  slog.Default(),
		history: DefaultHistory,
	}
	for _, opt := range opts {
		opt(j)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  j.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	j.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBranches, bucketCycles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	j.logger.Debug("opened journal", "path", path)
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	j.logger.Debug("closing journal")
	return j.db.Close()
}

// RecordCycle stores the summary of a cycle and updates the records of the
// branches it touched.
func (j *Journal) RecordCycle(_ context.Context, started time.Time, duration time.Duration, outcome refresh.CycleOutcome) error {
	cycle := CycleRecord{
		Started:  started.UTC(),
		Duration: duration,
	}

	var completed *refresh.Completed
	switch o := outcome.(type) {
	case refresh.ListingFailed:
		cycle.Outcome = OutcomeListingFailed
		cycle.Reason = o.Reason
	case refresh.Completed:
		cycle.Outcome = OutcomeCompleted
		cycle.Wanted = o.Wanted
		cycle.Removed = o.Removed
		cycle.Updated, cycle.Failed = o.Counts()
		completed = &o
	default:
		return fmt.Errorf("unknown cycle outcome %T", outcome)
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		if completed != nil {
			if err := j.recordBranches(tx, cycle.Started, completed); err != nil {
				return err
			}
		}
		return j.appendCycle(tx, cycle)
	})
}

func (j *Journal) recordBranches(tx *bbolt.Tx, at time.Time, c *refresh.Completed) error {
	bucket := tx.Bucket(bucketBranches)

	update := func(branch string, fn func(*BranchRecord)) error {
		rec := BranchRecord{Branch: branch}
		if data := bucket.Get([]byte(branch)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				j.logger.Warn("discarding unreadable branch record", "branch", branch, "error", err)
				rec = BranchRecord{Branch: branch}
			}
		}
		fn(&rec)
		rec.UpdatedAt = at
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding branch record: %w", err)
		}
		if err := bucket.Put([]byte(branch), data); err != nil {
			return fmt.Errorf("putting branch record: %w", err)
		}
		return nil
	}

	for _, branch := range c.Removed {
		if err := update(branch, func(r *BranchRecord) {
			r.LastStatus = "removed"
			r.RemovedAt = at
		}); err != nil {
			return err
		}
	}

	for _, o := range c.Outcomes {
		var err error
		switch o := o.(type) {
		case refresh.Updated:
			err = update(o.BranchName(), func(r *BranchRecord) {
				r.LastStatus = string(o.Status)
				r.RemovedAt = time.Time{}
				if o.Status != branchcache.Unchanged || r.CommitID == "" {
					r.CommitID = o.Ref.CommitID
					r.PublishedAt = at
				}
			})
		case refresh.Failed:
			err = update(o.BranchName(), func(r *BranchRecord) {
				r.LastStatus = "failed"
				r.LastFailure = o.Reason
				r.FailedAt = at
			})
		default:
			err = fmt.Errorf("unknown branch outcome %T", o)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) appendCycle(tx *bbolt.Tx, cycle CycleRecord) error {
	bucket := tx.Bucket(bucketCycles)

	data, err := json.Marshal(cycle)
	if err != nil {
		return fmt.Errorf("encoding cycle record: %w", err)
	}
	if err := bucket.Put(encodeTimestamp(cycle.Started), data); err != nil {
		return fmt.Errorf("putting cycle record: %w", err)
	}

	// Keys sort chronologically, so the oldest summaries come first.
	var keys [][]byte
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys[:max(len(keys)-j.history, 0)] {
		if err := bucket.Delete(k); err != nil {
			return fmt.Errorf("trimming cycle history: %w", err)
		}
	}
	return nil
}

// Branch returns the record of branch.
func (j *Journal) Branch(_ context.Context, branch string) (*BranchRecord, error) {
	var rec BranchRecord
	err := j.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketBranches).Get([]byte(branch))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Branches returns every branch record ordered by name.
func (j *Journal) Branches(_ context.Context) ([]BranchRecord, error) {
	var records []BranchRecord
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBranches).ForEach(func(k, v []byte) error {
			var rec BranchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding branch record %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// LastCycle returns the most recent cycle summary.
func (j *Journal) LastCycle(ctx context.Context) (*CycleRecord, error) {
	cycles, err := j.Cycles(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(cycles) == 0 {
		return nil, ErrNotFound
	}
	return &cycles[0], nil
}

// Cycles returns up to limit cycle summaries, newest first.
func (j *Journal) Cycles(_ context.Context, limit int) ([]CycleRecord, error) {
	var cycles []CycleRecord
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCycles).Cursor()
		for k, v := c.Last(); k != nil && len(cycles) < limit; k, v = c.Prev() {
			var rec CycleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding cycle record: %w", err)
			}
			cycles = append(cycles, rec)
		}
		return nil
	})
	return cycles, err
}

// encodeTimestamp converts t to a fixed-width big-endian key that sorts
// chronologically, including pre-1970 times.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano())^(1<<63)) //nolint:gosec // flipping the sign bit keeps order
	return buf
}
