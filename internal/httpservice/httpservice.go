// Package httpservice serves the broker over HTTP.
package httpservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ubuntu/decorate"
	"github.com/ubuntu/oidc-federation-broker/internal/metrics"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Broker is the application served.
type Broker interface {
	// Handler returns the routes of the application, relative to PathBase.
	Handler() http.Handler
	PathBase() string
}

// Service is the HTTP listener exposing the broker.
type Service struct {
	server   *http.Server
	listener net.Listener

	certFile string
	keyFile  string
}

type options struct {
	certFile       string
	keyFile        string
	trustForwarded bool
	metrics        *metrics.Recorder
	gatherer       prometheus.Gatherer
}

// Option is the function signature used to tweak the service creation.
type Option func(*options)

// WithTLS serves HTTPS with the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(o *options) {
		o.certFile, o.keyFile = certFile, keyFile
	}
}

// WithTrustForwardedHeaders takes the client address from the proxy headers.
func WithTrustForwardedHeaders(trust bool) Option {
	return func(o *options) {
		o.trustForwarded = trust
	}
}

// WithMetrics records the served requests with r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *options) {
		o.metrics = r
	}
}

// WithGatherer sets the registry exposed on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *options) {
		o.gatherer = g
	}
}

// New listens on addr and returns the service serving b.
func New(ctx context.Context, addr string, b Broker, args ...Option) (s *Service, err error) {
	defer decorate.OnError(&err, "can't create HTTP service")

	opts := options{gatherer: prometheus.DefaultGatherer}
	for _, f := range args {
		f(&opts)
	}
	if (opts.certFile == "") != (opts.keyFile == "") {
		return nil, errors.New("both a certificate and a key are needed to serve TLS")
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Service{
		server: &http.Server{
			Handler:           newRouter(b, opts),
			ReadHeaderTimeout: readHeaderTimeout,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
		listener: l,
		certFile: opts.certFile,
		keyFile:  opts.keyFile,
	}, nil
}

func newRouter(b Broker, opts options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if opts.trustForwarded {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(opts.metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.gatherer, promhttp.HandlerOpts{}))

	pathBase := b.PathBase()
	if pathBase == "" {
		pathBase = "/"
	}
	r.Mount(pathBase, b.Handler())

	return r
}

// requestLogger logs and counts every request once served.
func requestLogger(rec *metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				elapsed := time.Since(start)
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				route := "unmatched"
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}

				rec.Request(r.Method, route, status, elapsed)
				slog.DebugContext(r.Context(), fmt.Sprintf("%s %s: %d", r.Method, r.URL.Path, status),
					"request_id", middleware.GetReqID(r.Context()), "route", route, "duration", elapsed)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Addr returns the address the service listens on.
func (s *Service) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until the service is stopped.
func (s *Service) Serve() error {
	var err error
	if s.certFile != "" {
		err = s.server.ServeTLS(s.listener, s.certFile, s.keyFile)
	} else {
		err = s.server.Serve(s.listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop waits for the in-flight requests and closes the listener.
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	// The listener is only owned by the server once Serve was called.
	_ = s.listener.Close()
	return err
}
