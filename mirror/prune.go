package mirror

import (
	"log/slog"
	"os"
	"path/filepath"

	configserver "github.com/inpertio/config-server"
)

// Pruner removes mirrors of branches that no longer exist on the remote.
type Pruner struct {
	root   string
	logger *slog.Logger
}

// NewPruner creates a Pruner for mirrors stored directly under root.
func NewPruner(root string, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{root: root, logger: logger}
}

// Dir returns the mirror directory of branch.
func (p *Pruner) Dir(branch string) string {
	return filepath.Join(p.root, branch)
}

// Prune deletes every mirror directory whose branch is absent from remote and
// returns the names it removed. Failures are logged and skipped.
func (p *Pruner) Prune(remote []configserver.BranchRef) []string {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("listing mirrors failed", "root", p.root, "error", err)
		}
		return nil
	}

	keep := make(map[string]struct{}, len(remote))
	for _, ref := range remote {
		keep[ref.Name] = struct{}{}
	}

	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := keep[entry.Name()]; ok {
			continue
		}
		dir := filepath.Join(p.root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("removing mirror failed", "branch", entry.Name(), "dir", dir, "error", err)
			continue
		}
		p.logger.Info("removed mirror of deleted branch", "branch", entry.Name())
		removed = append(removed, entry.Name())
	}
	return removed
}
