// Package errorsurface redirects the failures a user should see to a single error page, and renders that page.
package errorsurface

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/urlutil"
)

// Source is the kind of failure being normalized.
type Source string

const (
	// SourceProviderError is an error reported by the identity provider itself.
	SourceProviderError Source = "provider_error"
	// SourceRemoteFailure is a transport failure while talking to the identity provider.
	SourceRemoteFailure Source = "remote_failure"
)

// RemoteFailureDetail is the detail shown for every remote failure. The transport error can reference internal
// hosts and is only logged.
const RemoteFailureDetail = "remote_failure"

// Halter stops an authentication pipeline.
type Halter interface {
	// Halt stops the pipeline and returns false if it was already stopped.
	Halt() bool
}

// Recorder counts the redirects done by the normalizer.
type Recorder interface {
	ErrorRedirect(source string)
}

// Normalizer turns failures into a redirect to the error page.
type Normalizer struct {
	errorPath string
	pathBase  string
	metrics   Recorder
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithPathBase prefixes the error path with the application path base.
func WithPathBase(pathBase string) Option {
	return func(n *Normalizer) {
		n.pathBase = pathBase
	}
}

// WithMetrics counts redirects with r.
func WithMetrics(r Recorder) Option {
	return func(n *Normalizer) {
		n.metrics = r
	}
}

// NewNormalizer returns a normalizer redirecting to errorPath, or to the default error path if empty.
func NewNormalizer(errorPath string, opts ...Option) *Normalizer {
	if errorPath == "" {
		errorPath = consts.DefaultErrorPath
	}
	n := &Normalizer{errorPath: errorPath}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Target returns the error page URL carrying detail.
func (n *Normalizer) Target(detail string) string {
	v := url.Values{}
	v.Set(consts.RemoteErrorParam, detail)
	return urlutil.JoinPath(n.pathBase, n.errorPath) + "?" + v.Encode()
}

// Normalize halts h and redirects to the error page. Only the first call for a given halter redirects; later
// calls are no-ops returning false.
func (n *Normalizer) Normalize(w http.ResponseWriter, r *http.Request, h Halter, source Source, detail string) bool {
	if !h.Halt() {
		slog.DebugContext(r.Context(), "Pipeline already halted, ignoring error", "source", source)
		return false
	}
	if source == SourceRemoteFailure {
		detail = RemoteFailureDetail
	}
	if n.metrics != nil {
		n.metrics.ErrorRedirect(string(source))
	}

	http.Redirect(w, r, n.Target(detail), http.StatusFound)
	return true
}
