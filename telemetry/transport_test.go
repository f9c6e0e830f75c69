package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRemote answers like a git smart HTTP server for the ref advertisement
// and with the given status everywhere else.
func fakeRemote(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/config.git/info/refs" && status == http.StatusOK {
			w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
			_, _ = io.WriteString(w, "001e# service=git-upload-pack\n0000")
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGitPhase(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/config.git/info/refs?service=git-upload-pack", PhaseDiscovery},
		{http.MethodPost, "/config.git/git-upload-pack", PhaseUploadPack},
		{http.MethodPost, "/config.git/git-receive-pack", PhaseReceivePack},
		{http.MethodGet, "/config.git/HEAD", PhaseOther},
		{http.MethodGet, "/", PhaseOther},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		require.Equal(t, tt.want, GitPhase(req), tt.path)
	}
}

func TestInstrumentedTransportRecordsOnClose(t *testing.T) {
	reader := setupTestMetrics(t)
	srv := fakeRemote(t, http.StatusOK)

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "git")}
	resp, err := client.Get(srv.URL + "/config.git/info/refs?service=git-upload-pack")
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// Nothing is recorded until the body is closed.
	require.Empty(t, findCounter(collectMetrics(t, reader), "config_server_upstream_fetch_total"))

	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "config_server_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "protocol", "git"))
	require.True(t, hasAttr(dps[0].Attributes, "phase", PhaseDiscovery))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))

	bytesDps := findCounter(rm, "config_server_upstream_fetch_bytes_total")
	require.Len(t, bytesDps, 1)
	require.Equal(t, int64(len(body)), bytesDps[0].Value)

	histDps := findHistogram(rm, "config_server_upstream_fetch_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestInstrumentedTransportStatusOutcomes(t *testing.T) {
	tests := []struct {
		status  int
		outcome string
	}{
		{http.StatusNotFound, "4xx"},
		{http.StatusUnauthorized, "denied"},
		{http.StatusForbidden, "denied"},
		{http.StatusBadGateway, "5xx"},
	}
	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			reader := setupTestMetrics(t)
			srv := fakeRemote(t, tt.status)

			client := &http.Client{Transport: NewInstrumentedTransport(nil, "git")}
			resp, err := client.Post(srv.URL+"/config.git/git-upload-pack", "application/x-git-upload-pack-request", nil)
			require.NoError(t, err)
			require.Equal(t, tt.status, resp.StatusCode)
			_, _ = io.ReadAll(resp.Body)
			require.NoError(t, resp.Body.Close())

			rm := collectMetrics(t, reader)
			dps := findCounter(rm, "config_server_upstream_fetch_total")
			require.Len(t, dps, 1)
			require.True(t, hasAttr(dps[0].Attributes, "phase", PhaseUploadPack))
			require.True(t, hasAttr(dps[0].Attributes, "outcome", tt.outcome))

			// Empty bodies add no bytes.
			require.Empty(t, findCounter(rm, "config_server_upstream_fetch_bytes_total"))
		})
	}
}

func TestInstrumentedTransportConnectionError(t *testing.T) {
	reader := setupTestMetrics(t)

	client := &http.Client{Transport: NewInstrumentedTransport(nil, "git"), Timeout: 100 * time.Millisecond}
	_, err := client.Get("http://127.0.0.1:1/config.git/info/refs")
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "config_server_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "error"))
}

func TestInstrumentedTransportCanceled(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/config.git/info/refs", nil)
	require.NoError(t, err)
	client := &http.Client{Transport: NewInstrumentedTransport(nil, "git")}
	_, err = client.Do(req)
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "config_server_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "canceled"))
}

func TestInstrumentedTransportWithoutMetrics(t *testing.T) {
	globalMetrics = nil
	srv := fakeRemote(t, http.StatusOK)

	tr := NewInstrumentedTransport(nil, "git")
	require.Equal(t, http.DefaultTransport, tr.base)

	resp, err := (&http.Client{Transport: tr}).Get(srv.URL + "/config.git/info/refs")
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
}

var _ http.RoundTripper = (*InstrumentedTransport)(nil)
