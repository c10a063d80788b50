// Package flow runs the OpenID Connect authorization code flow of the registered providers as an explicit state
// machine.
package flow

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/securecookie"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/errorsurface"
	"github.com/ubuntu/oidc-federation-broker/internal/metrics"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
	"github.com/ubuntu/oidc-federation-broker/internal/session"
	"github.com/ubuntu/oidc-federation-broker/internal/urlutil"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Sessions receives the principal of completed flows.
type Sessions interface {
	SignIn(ctx context.Context, sessionID string, p session.Principal) error
	Promote(ctx context.Context, sessionID string, flow session.CompletedFlow) (session.Principal, error)
}

// Config holds the mandatory dependencies of a Router.
type Config struct {
	Registry   *providers.Registry
	Sessions   Sessions
	Normalizer *errorsurface.Normalizer
	// Codec signs and encrypts the state parameter and the correlation cookies.
	Codec *securecookie.SecureCookie

	PathBase              string
	TrustForwardedHeaders bool

	// IssueSession is called once the session of a completed attempt is promoted, before the redirect to the
	// return URL. It hands the session over to the browser.
	IssueSession func(w http.ResponseWriter, r *http.Request, sessionID string) error
}

type options struct {
	verbosePII bool
	events     Events
	httpClient *http.Client
	now        func() time.Time
	metrics    *metrics.Recorder
	logger     *slog.Logger
}

// Option configures a Router.
type Option func(*options)

// WithVerbosePII logs the subject and claim names of authenticated users.
func WithVerbosePII(verbose bool) Option {
	return func(o *options) {
		o.verbosePII = verbose
	}
}

// WithEvents sets the flow hooks.
func WithEvents(events Events) Option {
	return func(o *options) {
		o.events = events
	}
}

// WithHTTPClient sets the client used to talk to the providers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithClock sets the clock used to validate tokens.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMetrics records the transitions with r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *options) {
		o.metrics = r
	}
}

// WithLogger sets the logger. The default logger is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Router drives the authentication attempts of the registered providers.
type Router struct {
	registry       *providers.Registry
	sessions       Sessions
	normalizer     *errorsurface.Normalizer
	codec          *securecookie.SecureCookie
	pathBase       string
	trustForwarded bool
	issueSession   func(w http.ResponseWriter, r *http.Request, sessionID string) error

	verbosePII bool
	events     Events
	httpClient *http.Client
	now        func() time.Time
	metrics    *metrics.Recorder
	logger     *slog.Logger

	providersMu sync.RWMutex
	providers   map[string]*oidc.Provider
	discoveries singleflight.Group
}

// New returns a Router.
func New(cfg Config, args ...Option) (*Router, error) {
	var errs []error
	if cfg.Registry == nil {
		errs = append(errs, errors.New("missing provider registry"))
	}
	if cfg.Sessions == nil {
		errs = append(errs, errors.New("missing session manager"))
	}
	if cfg.Codec == nil {
		errs = append(errs, errors.New("missing state codec"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	opts := options{
		httpClient: &http.Client{Timeout: consts.MaxRequestDuration},
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, f := range args {
		f(&opts)
	}

	normalizer := cfg.Normalizer
	if normalizer == nil {
		normalizer = errorsurface.NewNormalizer("", errorsurface.WithPathBase(cfg.PathBase))
	}

	return &Router{
		registry:       cfg.Registry,
		sessions:       cfg.Sessions,
		normalizer:     normalizer,
		codec:          cfg.Codec,
		pathBase:       cfg.PathBase,
		trustForwarded: cfg.TrustForwardedHeaders,
		issueSession:   cfg.IssueSession,

		verbosePII: opts.verbosePII,
		events:     opts.events,
		httpClient: opts.httpClient,
		now:        opts.now,
		metrics:    opts.metrics,
		logger:     opts.logger,

		providers: make(map[string]*oidc.Provider),
	}, nil
}

// Challenge starts an attempt and redirects the user to the provider of scheme. returnURL is where the user lands
// once authenticated. It must be a local path, the application root is used otherwise.
func (rt *Router) Challenge(w http.ResponseWriter, r *http.Request, scheme, returnURL string) (*Attempt, error) {
	d, err := rt.registry.Resolve(scheme)
	if err != nil {
		rt.logger.WarnContext(r.Context(), err.Error())
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return nil, err
	}

	a := NewAttempt(d.SchemeName)
	err = rt.challenge(w, r, d, a, returnURL)
	rt.finish(w, r, a, err)
	return a, err
}

func (rt *Router) challenge(w http.ResponseWriter, r *http.Request, d providers.Descriptor, a *Attempt, returnURL string) error {
	ctx := r.Context()

	p, err := rt.discover(ctx, d)
	if err != nil {
		return err
	}

	if returnURL != "" && !urlutil.IsLocalPath(returnURL) {
		rt.logger.WarnContext(ctx, fmt.Sprintf("Ignoring non local return URL %q", returnURL))
		returnURL = ""
	}

	st := pendingState{
		Scheme:      d.SchemeName,
		Correlation: a.CorrelationID,
		Nonce:       base64.RawURLEncoding.EncodeToString(securecookie.GenerateRandomKey(32)),
		ReturnURL:   returnURL,
		IssuedAt:    rt.now().Unix(),
	}
	opts := []oauth2.AuthCodeOption{oidc.Nonce(st.Nonce)}
	if d.UsePKCE {
		st.Verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(st.Verifier))
	}

	state, err := rt.codec.Encode(stateName, st)
	if err != nil {
		return fmt.Errorf("could not encode state: %v", err)
	}

	cfg := rt.oauth2Config(r, p, d)
	authURL, err := url.Parse(cfg.AuthCodeURL(state, opts...))
	if err != nil {
		return fmt.Errorf("invalid authorize endpoint: %v", err)
	}

	q := authURL.Query()
	protected := make(url.Values)
	for k, v := range q {
		if providers.IsProtectedAuthorizeParam(k) {
			protected[k] = slices.Clone(v)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(d.ExtraAuthorizeParams)) {
		q.Set(k, d.ExtraAuthorizeParams[k])
	}
	if rt.events.OnRedirectToIdentityProvider != nil {
		rc := &RedirectContext{Attempt: a, Descriptor: d.Clone(), Params: q}
		if err := rt.events.OnRedirectToIdentityProvider(ctx, rc); err != nil {
			return err
		}
		if rc.Params != nil {
			q = rc.Params
		}
	}
	for k := range q {
		if _, ok := protected[k]; !ok && providers.IsProtectedAuthorizeParam(k) {
			q.Del(k)
		}
	}
	maps.Copy(q, protected)
	authURL.RawQuery = q.Encode()

	if err := rt.setCorrelationCookie(w, r, a, urlutil.JoinPath(rt.pathBase, d.CallbackPath)); err != nil {
		return fmt.Errorf("could not set correlation cookie: %v", err)
	}
	if err := rt.advance(ctx, a, Redirected); err != nil {
		return err
	}

	http.Redirect(w, r, authURL.String(), http.StatusFound)
	return nil
}

// HandleCallback processes the authorization response of the provider of scheme. On success the external
// principal is stored for sessionID and promoted, and the user is sent to the return URL of the attempt.
func (rt *Router) HandleCallback(w http.ResponseWriter, r *http.Request, scheme, sessionID string) (*Attempt, error) {
	d, err := rt.registry.Resolve(scheme)
	if err != nil {
		rt.logger.WarnContext(r.Context(), err.Error())
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return nil, err
	}

	a := resumeAttempt(d.SchemeName)
	err = rt.callback(w, r, d, a, sessionID)
	rt.finish(w, r, a, err)
	return a, err
}

func (rt *Router) callback(w http.ResponseWriter, r *http.Request, d providers.Descriptor, a *Attempt, sessionID string) error {
	ctx := r.Context()
	cookiePath := urlutil.JoinPath(rt.pathBase, d.CallbackPath)

	if err := rt.advance(ctx, a, MessageReceived); err != nil {
		return err
	}
	if err := r.ParseForm(); err != nil {
		return localFailure("malformed authorization response", err)
	}

	// A provider error stops the flow before any validation.
	if code := r.Form.Get("error"); code != "" {
		var st pendingState
		if rt.codec.Decode(stateName, r.Form.Get("state"), &st) == nil && st.Scheme == d.SchemeName {
			a.CorrelationID = st.Correlation
			clearCorrelationCookie(w, a, cookiePath)
		}
		return &ProviderReportedError{Code: code, Description: r.Form.Get("error_description")}
	}

	var st pendingState
	if err := rt.codec.Decode(stateName, r.Form.Get("state"), &st); err != nil {
		return localFailure("invalid state parameter", err)
	}
	if st.Scheme != d.SchemeName {
		return localFailure(fmt.Sprintf("state was issued for provider %q", st.Scheme), nil)
	}
	a.CorrelationID = st.Correlation
	if err := rt.checkCorrelationCookie(r, a); err != nil {
		return err
	}
	clearCorrelationCookie(w, a, cookiePath)

	if rt.events.OnMessageReceived != nil {
		if err := rt.events.OnMessageReceived(r, a, d.Clone()); err != nil {
			return err
		}
	}

	code := r.Form.Get("code")
	if code == "" {
		return localFailure("authorization response has no code", nil)
	}

	p, err := rt.discover(ctx, d)
	if err != nil {
		return err
	}

	var opts []oauth2.AuthCodeOption
	if st.Verifier != "" {
		opts = append(opts, oauth2.VerifierOption(st.Verifier))
	}
	cfg := rt.oauth2Config(r, p, d)
	token, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, rt.httpClient), code, opts...)
	if err != nil {
		return classifyTokenError(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return localFailure("token response has no ID token", nil)
	}
	verifier := p.Verifier(&oidc.Config{ClientID: d.ClientID, Now: rt.now})
	idToken, err := verifier.Verify(oidc.ClientContext(ctx, rt.httpClient), rawIDToken)
	if err != nil {
		return localFailure("invalid ID token", err)
	}
	if idToken.Nonce != st.Nonce {
		return localFailure("ID token nonce does not match", nil)
	}

	if err := rt.advance(ctx, a, TokenExchanged); err != nil {
		return err
	}
	if rt.events.OnTokenResponseReceived != nil {
		if err := rt.events.OnTokenResponseReceived(ctx, a, token); err != nil {
			return err
		}
	}

	claims, err := rt.collectClaims(ctx, p, d, idToken, token)
	if err != nil {
		return err
	}
	principal := rt.buildPrincipal(a, d, idToken, rawIDToken, token, claims)
	if d.Enricher != nil {
		roles, err := d.Enricher.AdditionalRoles(ctx, token)
		if err != nil {
			return &RemoteFailure{Op: "could not get additional roles", Err: err}
		}
		principal.Roles = mergeRoles(principal.Roles, roles...)
	}

	if err := rt.advance(ctx, a, TicketReceiving); err != nil {
		return err
	}
	if rt.events.OnTicketReceived != nil {
		if err := rt.events.OnTicketReceived(ctx, a, &principal); err != nil {
			return err
		}
	}
	if err := rt.sessions.SignIn(ctx, sessionID, principal); err != nil {
		return fmt.Errorf("could not store external principal: %w", err)
	}
	if err := rt.advance(ctx, a, Completed); err != nil {
		return err
	}

	attrs := []any{"scheme", a.SchemeName, "correlation_id", a.CorrelationID}
	if rt.verbosePII {
		attrs = append(attrs, "subject", principal.Subject, "claims", slices.Sorted(maps.Keys(principal.Claims)))
	}
	rt.logger.InfoContext(ctx, fmt.Sprintf("User authenticated with %q", a.SchemeName), attrs...)

	_, err = rt.sessions.Promote(ctx, sessionID, a)
	rt.metrics.Promotion(a.SchemeName, err == nil)
	if err != nil {
		return err
	}
	if rt.issueSession != nil {
		if err := rt.issueSession(w, r, sessionID); err != nil {
			return fmt.Errorf("could not issue session: %w", err)
		}
	}

	target := st.ReturnURL
	if target == "" {
		target = urlutil.JoinPath(rt.pathBase, "/")
	}
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

// finish writes the response of a failed attempt.
func (rt *Router) finish(w http.ResponseWriter, r *http.Request, a *Attempt, err error) {
	if err == nil {
		return
	}
	ctx := r.Context()

	var (
		providerErr  *ProviderReportedError
		remoteErr    *RemoteFailure
		localErr     *LocalValidationFailure
		promotionErr *session.PromotionError
	)
	switch {
	case errors.Is(err, ErrDenied):
		rt.deny(w, r, a, err)
		return

	case errors.As(err, &providerErr):
		a.ProtocolError, a.FailureReason = providerErr.Code, providerErr.Error()
		rt.logger.InfoContext(ctx, fmt.Sprintf("Provider %q reported an error: %v", a.SchemeName, err), "correlation_id", a.CorrelationID)
		_ = rt.advance(ctx, a, ProviderError)
		rt.normalizer.Normalize(w, r, a, errorsurface.SourceProviderError, providerErr.Code)
		_ = rt.advance(ctx, a, Failed)

	case errors.As(err, &remoteErr):
		a.FailureReason = remoteErr.Op
		rt.logger.WarnContext(ctx, fmt.Sprintf("Could not reach provider %q: %v", a.SchemeName, err), "correlation_id", a.CorrelationID)
		rt.normalizer.Normalize(w, r, a, errorsurface.SourceRemoteFailure, errorsurface.RemoteFailureDetail)
		_ = rt.advance(ctx, a, Failed)

	case errors.As(err, &promotionErr):
		// The attempt already completed, only the session is at fault.
		a.FailureReason = "session promotion failed"
		a.Halt()
		rt.logger.ErrorContext(ctx, err.Error(), "scheme", a.SchemeName, "correlation_id", a.CorrelationID)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

	default:
		status := http.StatusInternalServerError
		a.FailureReason = err.Error()
		if errors.As(err, &localErr) {
			status = http.StatusBadRequest
			a.FailureReason = localErr.Reason
		}
		if !a.Phase().Terminal() {
			_ = rt.advance(ctx, a, Failed)
		}
		a.Halt()
		rt.logger.WarnContext(ctx, fmt.Sprintf("Authentication with %q failed: %v", a.SchemeName, err), "correlation_id", a.CorrelationID)
		http.Error(w, http.StatusText(status), status)
	}

	if rt.events.OnAuthenticationFailed != nil {
		rt.events.OnAuthenticationFailed(ctx, a, err)
	}
}

func (rt *Router) deny(w http.ResponseWriter, r *http.Request, a *Attempt, err error) {
	ctx := r.Context()

	_ = rt.advance(ctx, a, Denied)
	a.Halt()
	a.FailureReason = err.Error()
	rt.logger.InfoContext(ctx, fmt.Sprintf("Authentication with %q denied: %v", a.SchemeName, err), "correlation_id", a.CorrelationID)

	if rt.events.OnDenied != nil {
		rt.events.OnDenied(w, r, a)
		return
	}
	http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
}

// advance moves a to the next phase, logging and counting the transition.
func (rt *Router) advance(ctx context.Context, a *Attempt, to Phase) error {
	if err := a.transition(to); err != nil {
		rt.logger.ErrorContext(ctx, err.Error(), "scheme", a.SchemeName, "correlation_id", a.CorrelationID)
		return err
	}

	rt.logger.DebugContext(ctx, fmt.Sprintf("Flow of %q moved to %s", a.SchemeName, to),
		"scheme", a.SchemeName, "phase", to.String(), "correlation_id", a.CorrelationID)
	rt.metrics.Transition(a.SchemeName, to.String())
	return nil
}

func (rt *Router) oauth2Config(r *http.Request, p *oidc.Provider, d providers.Descriptor) oauth2.Config {
	return oauth2.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		Endpoint:     p.Endpoint(),
		RedirectURL:  urlutil.Absolute(r, rt.trustForwarded, rt.pathBase, d.CallbackPath),
		Scopes:       d.Scopes,
	}
}

// classifyTokenError tells provider reported token errors from transport failures.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode != "" && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
		return &ProviderReportedError{Code: re.ErrorCode, Description: re.ErrorDescription}
	}
	return &RemoteFailure{Op: "token exchange failed", Err: err}
}
