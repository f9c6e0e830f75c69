package keyvalue

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	configserver "github.com/inpertio/config-server"
	"github.com/inpertio/config-server/access"
)

// staticBranches serves fixed directories per branch.
type staticBranches map[string]string

func (s staticBranches) WithBranch(_ context.Context, branch string, action access.Action) (bool, error) {
	dir, ok := s[branch]
	if !ok {
		return false, nil
	}
	return true, action("c0ffee", dir)
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"common.yml":            "app:\n  name: demo\n  port: 80\n",
		"env/prod/b.yml":        "app:\n  port: 443\n",
		"env/prod/a.yaml":       "db:\n  host: prod-db\n",
		"env/prod/nested/c.yml": "db:\n  pool: 10\n",
		"env/prod/README.md":    "# not configuration\n",
		"env/dev/a.yml":         "db:\n  host: dev-db\n",
		"broken.yml":            "a: [1, 2\n",
	})
	return NewService(staticBranches{"main": root})
}

func TestGetConfigsSingleFile(t *testing.T) {
	s := newTestService(t)
	props, err := s.GetConfigs(context.Background(), "main", []string{"common.yml"})
	require.NoError(t, err)
	require.Equal(t, "app.name=demo\napp.port=80", props.String())
}

func TestGetConfigsDirectoryWalkOrder(t *testing.T) {
	s := newTestService(t)
	props, err := s.GetConfigs(context.Background(), "main", []string{"common.yml", "env/prod"})
	require.NoError(t, err)

	// env/prod is walked as a.yaml, b.yml, nested/c.yml; README.md is ignored.
	require.Equal(t, []string{"app.name", "app.port", "db.host", "db.pool"}, props.Keys())
	port, _ := props.Get("app.port")
	require.Equal(t, "443", port)
	host, _ := props.Get("db.host")
	require.Equal(t, "prod-db", host)
}

func TestGetConfigsDuplicateFilesAppliedOnce(t *testing.T) {
	s := newTestService(t)
	// common.yml is requested again after env/prod; its first position wins
	// so prod's port still overrides it.
	props, err := s.GetConfigs(context.Background(), "main", []string{"common.yml", "env/prod", "common.yml"})
	require.NoError(t, err)
	port, _ := props.Get("app.port")
	require.Equal(t, "443", port)
}

func TestGetConfigsRequestOrderDecidesOverride(t *testing.T) {
	s := newTestService(t)
	props, err := s.GetConfigs(context.Background(), "main", []string{"env/prod/a.yaml", "env/dev/a.yml"})
	require.NoError(t, err)
	host, _ := props.Get("db.host")
	require.Equal(t, "dev-db", host)
}

func TestGetConfigsUnknownBranch(t *testing.T) {
	s := newTestService(t)
	_, err := s.GetConfigs(context.Background(), "dev", []string{"common.yml"})
	require.ErrorIs(t, err, configserver.ErrUnknownBranch)
	require.EqualError(t, err, "branch 'dev' doesn't exist")
}

func TestGetConfigsMissingPath(t *testing.T) {
	s := newTestService(t)
	_, err := s.GetConfigs(context.Background(), "main", []string{"common.yml", "missing.yml"})
	require.ErrorIs(t, err, configserver.ErrUnknownPath)
	require.EqualError(t, err, "path 'missing.yml' doesn't exist in branch main")
}

func TestGetConfigsRejectsTraversal(t *testing.T) {
	s := newTestService(t)
	for _, p := range []string{"../secret.yml", "env/../../x"} {
		_, err := s.GetConfigs(context.Background(), "main", []string{p})
		require.ErrorIs(t, err, configserver.ErrUnknownPath, p)
	}
}

func TestGetConfigsInvalidYAML(t *testing.T) {
	s := newTestService(t)
	_, err := s.GetConfigs(context.Background(), "main", []string{"broken.yml"})
	require.ErrorIs(t, err, configserver.ErrInvalidContent)
	require.Contains(t, err.Error(), "failed to parse 'broken.yml' in branch 'main'")
}

func TestGetConfigsNoPaths(t *testing.T) {
	s := newTestService(t)
	props, err := s.GetConfigs(context.Background(), "main", nil)
	require.NoError(t, err)
	require.Zero(t, props.Len())
}

func TestSplitPaths(t *testing.T) {
	require.Equal(t, []string{"a.yml", "dir/b", "c"}, SplitPaths("a.yml,,dir/b, ,c"))
	require.Nil(t, SplitPaths(""))
	require.Nil(t, SplitPaths(",,"))
}
