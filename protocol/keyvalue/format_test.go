package keyvalue

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func load(t *testing.T, docs ...string) *Properties {
	t.Helper()
	p := NewProperties()
	for _, d := range docs {
		require.NoError(t, p.LoadYAML(strings.NewReader(d)))
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "nested maps",
			yaml: "server:\n  host: localhost\n  port: 8080\n",
			want: "server.host=localhost\nserver.port=8080",
		},
		{
			name: "sequence of scalars",
			yaml: "hosts:\n  - a\n  - b\n",
			want: "hosts[0]=a\nhosts[1]=b",
		},
		{
			name: "sequence of maps",
			yaml: "db:\n  replicas:\n    - host: r1\n      port: 1\n    - host: r2\n",
			want: "db.replicas[0].host=r1\ndb.replicas[0].port=1\ndb.replicas[1].host=r2",
		},
		{
			name: "nested sequences",
			yaml: "matrix:\n  - [1, 2]\n  - [3]\n",
			want: "matrix[0][0]=1\nmatrix[0][1]=2\nmatrix[1][0]=3",
		},
		{
			name: "scalars keep their text",
			yaml: "enabled: true\nratio: 1.50\nname: 'quoted'\nempty:\n",
			want: "enabled=true\nratio=1.50\nname=quoted\nempty=",
		},
		{
			name: "document order is kept",
			yaml: "zeta: 1\nalpha: 2\nmid: 3\n",
			want: "zeta=1\nalpha=2\nmid=3",
		},
		{
			name: "anchors and merge keys",
			yaml: "base: &base\n  timeout: 5\n  retries: 2\nservice:\n  <<: *base\n  retries: 3\n",
			want: "base.timeout=5\nbase.retries=2\nservice.timeout=5\nservice.retries=3",
		},
		{
			name: "multiple documents",
			yaml: "a: 1\n---\nb: 2\n---\na: 3\n",
			want: "a=3\nb=2",
		},
		{
			name: "empty document",
			yaml: "",
			want: "",
		},
		{
			name: "bare scalar document",
			yaml: "just text\n",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, load(t, tt.yaml).String())
		})
	}
}

func TestLoadYAMLLaterFilesOverride(t *testing.T) {
	p := load(t,
		"app:\n  name: demo\n  port: 80\n",
		"app:\n  port: 8080\nextra: yes\n",
	)
	require.Equal(t, "app.name=demo\napp.port=8080\nextra=yes", p.String())
}

func TestLoadYAMLInvalid(t *testing.T) {
	p := NewProperties()
	err := p.LoadYAML(strings.NewReader("a: [1, 2\n"))
	require.Error(t, err)
}

func TestIsYAML(t *testing.T) {
	require.True(t, isYAML("app.yml"))
	require.True(t, isYAML("APP.YAML"))
	require.False(t, isYAML("README.md"))
	require.False(t, isYAML("yml"))
}
