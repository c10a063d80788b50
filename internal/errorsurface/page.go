package errorsurface

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
)

// RemoteErrorCode is the title shown for any remote authentication error.
const RemoteErrorCode = "Remote authentication error"

// ErrorContext is what the error page displays.
type ErrorContext struct {
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
	RequestID   string `json:"requestId"`
}

// NewErrorContext builds the context of the error page from the request.
func NewErrorContext(r *http.Request) ErrorContext {
	ec := ErrorContext{RequestID: middleware.GetReqID(r.Context())}
	if ec.RequestID == "" {
		ec.RequestID = uuid.NewString()
	}

	if remote, ok := r.URL.Query()[consts.RemoteErrorParam]; ok {
		ec.Code = RemoteErrorCode
		ec.Description = remote[0]
	}
	return ec
}

// Presenter renders an ErrorContext.
type Presenter interface {
	Present(w http.ResponseWriter, r *http.Request, ec ErrorContext)
}

var pageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Error</title></head>
<body>
<h1>Error.</h1>
<h2>An error occurred while processing your request.</h2>
{{- if .Code}}
<h3>{{.Code}}</h3>
<p>{{.Description}}</p>
{{- end}}
<p><strong>Request ID:</strong> <code>{{.RequestID}}</code></p>
</body>
</html>
`))

// DefaultPresenter renders a minimal HTML page, or JSON when the client asks for it.
type DefaultPresenter struct{}

// Present implements Presenter.
func (DefaultPresenter) Present(w http.ResponseWriter, r *http.Request, ec ErrorContext) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(ec); err != nil {
			slog.WarnContext(r.Context(), "Could not write error page", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, ec); err != nil {
		slog.WarnContext(r.Context(), "Could not write error page", "error", err)
	}
}

// Handler serves the error page with p, or the default presenter if nil.
func Handler(p Presenter) http.Handler {
	if p == nil {
		p = DefaultPresenter{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache")
		w.Header().Set("Pragma", "no-cache")
		p.Present(w, r, NewErrorContext(r))
	})
}
