// Package telemetry carries per-request tags for the access log and the
// OpenTelemetry metrics of the config server.
package telemetry

import (
	"context"
	"net/http"
)

type (
	tagsKey    struct{}
	triggerKey struct{}
)

// CacheResult says whether the requested branch was already published when
// the request looked it up.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
	// CacheNA marks requests that never looked a branch up.
	CacheNA CacheResult = "na"
)

// RequestTags is filled in while a request is served. The access log and
// RecordHTTP read it once the handler returns.
type RequestTags struct {
	Protocol    string
	Endpoint    string
	Branch      string
	Commit      string
	CacheResult CacheResult
}

// InjectTags returns r carrying an empty RequestTags. The logging middleware
// calls it before any handler runs.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheNA}
	return r.WithContext(context.WithValue(r.Context(), tagsKey{}, tags))
}

// GetTags returns the tags of r, or nil outside the logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return tagsFrom(r.Context())
}

func tagsFrom(ctx context.Context) *RequestTags {
	tags, _ := ctx.Value(tagsKey{}).(*RequestTags)
	return tags
}

// SetProtocol names the API family serving r.
func SetProtocol(r *http.Request, protocol string) {
	if tags := GetTags(r); tags != nil {
		tags.Protocol = protocol
	}
}

// SetEndpoint names the operation serving r.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// TagBranch records the branch a request read and the commit it was served
// from. ctx is the request context or one derived from it.
func TagBranch(ctx context.Context, branch, commitID string) {
	if tags := tagsFrom(ctx); tags != nil {
		tags.Branch = branch
		tags.Commit = commitID
	}
}

func tagCacheResult(ctx context.Context, result CacheResult) {
	if tags := tagsFrom(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// ProtocolFromContext returns the protocol tag of the request ctx belongs to,
// or "" outside a request.
func ProtocolFromContext(ctx context.Context) string {
	if tags := tagsFrom(ctx); tags != nil {
		return tags.Protocol
	}
	return ""
}

// WithTrigger labels the refresh cycles started under ctx.
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// TriggerFromContext returns what started work under ctx: an explicit
// WithTrigger label, else the request protocol, else "background".
func TriggerFromContext(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok && t != "" {
		return t
	}
	if p := ProtocolFromContext(ctx); p != "" {
		return p
	}
	return "background"
}
