package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Smart HTTP phases reported by GitPhase.
const (
	PhaseDiscovery   = "discovery"
	PhaseUploadPack  = "upload_pack"
	PhaseReceivePack = "receive_pack"
	PhaseOther       = "other"
)

// GitPhase classifies a git smart HTTP request: ref advertisement
// (GET .../info/refs) or a pack exchange (POST .../git-upload-pack).
func GitPhase(req *http.Request) string {
	p := strings.TrimSuffix(req.URL.Path, "/")
	switch {
	case strings.HasSuffix(p, "/info/refs"):
		return PhaseDiscovery
	case strings.HasSuffix(p, "/git-upload-pack"):
		return PhaseUploadPack
	case strings.HasSuffix(p, "/git-receive-pack"):
		return PhaseReceivePack
	default:
		return PhaseOther
	}
}

// InstrumentedTransport wraps the http.RoundTripper used to reach the git
// remote and records upstream fetch metrics per smart HTTP phase.
type InstrumentedTransport struct {
	base     http.RoundTripper
	protocol string
}

// NewInstrumentedTransport creates a new instrumented transport.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, protocol string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, protocol: protocol}
}

// RoundTrip implements http.RoundTripper. Successful exchanges are recorded
// when the response body is closed so the byte count is complete.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	phase := GitPhase(req)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), t.protocol, phase, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		protocol:   t.protocol,
		phase:      phase,
		start:      start,
		outcome:    fetchOutcome(resp.StatusCode),
	}
	return resp, nil
}

func fetchOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "denied"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// instrumentedBody counts bytes read and records the exchange once, on the
// first Close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	protocol string
	phase    string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamFetch(b.ctx, b.protocol, b.phase, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
