// Package metrics holds the Prometheus collectors of the broker.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "oidc_federation"

// Recorder records broker events. A nil Recorder is valid and records nothing.
type Recorder struct {
	transitions    *prometheus.CounterVec
	errorRedirects *prometheus.CounterVec
	promotions     *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them on reg.
// Collectors already registered on reg are reused.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_transitions_total",
			Help:      "Number of authentication flow phase transitions.",
		}, []string{"scheme", "phase"}),
		errorRedirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_redirects_total",
			Help:      "Number of redirects to the error surface.",
		}, []string{"source"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_promotions_total",
			Help:      "Number of session promotions by result.",
		}, []string{"scheme", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of HTTP requests served.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	var err error
	r.transitions = register(reg, r.transitions, &err)
	r.errorRedirects = register(reg, r.errorRedirects, &err)
	r.promotions = register(reg, r.promotions, &err)
	r.httpRequests = register(reg, r.httpRequests, &err)
	r.httpDuration = register(reg, r.httpDuration, &err)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C, errp *error) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = errors.Join(*errp, err)
	}
	return c
}

// Transition counts a flow phase transition.
func (r *Recorder) Transition(scheme, phase string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(scheme, phase).Inc()
}

// ErrorRedirect counts a redirect to the error surface.
func (r *Recorder) ErrorRedirect(source string) {
	if r == nil {
		return
	}
	r.errorRedirects.WithLabelValues(source).Inc()
}

// Promotion counts a session promotion attempt.
func (r *Recorder) Promotion(scheme string, ok bool) {
	if r == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	r.promotions.WithLabelValues(scheme, result).Inc()
}

// Request records a served HTTP request.
func (r *Recorder) Request(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
