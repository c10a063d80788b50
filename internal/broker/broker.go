// Package broker wires the providers, the authentication flow, the error surface and the sessions into the HTTP
// endpoints of the federation broker.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"filippo.io/csrf"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ubuntu/decorate"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/errorsurface"
	"github.com/ubuntu/oidc-federation-broker/internal/flow"
	"github.com/ubuntu/oidc-federation-broker/internal/metrics"
	"github.com/ubuntu/oidc-federation-broker/internal/providers"
	"github.com/ubuntu/oidc-federation-broker/internal/session"
	"github.com/ubuntu/oidc-federation-broker/internal/signout"
	"github.com/ubuntu/oidc-federation-broker/internal/urlutil"
)

const (
	sessionCookieName = "oidcfed_session"
	signOutCookieName = "oidcfed_signout"
)

// Config is the configuration for the broker.
type Config struct {
	// ConfigFile is the ini file listing the providers. Its drop-in directory is merged on top of it.
	ConfigFile string

	brokerConfig
}

// Broker serves the sign-in, sign-out, session and error endpoints of the configured providers.
type Broker struct {
	cfg brokerConfig

	registry   *providers.Registry
	sessions   *session.Manager
	router     *flow.Router
	signout    *signout.Composer
	normalizer *errorsurface.Normalizer
	presenter  errorsurface.Presenter
	// cookies signs the session and sign-out cookies, which outlive the flow state.
	cookies *securecookie.SecureCookie
	// crossOrigin rejects state changing requests sent by other sites.
	crossOrigin *csrf.Protection
	metrics     *metrics.Recorder
}

type option struct {
	store      session.Store
	httpClient *http.Client
	events     flow.Events
	registerer prometheus.Registerer
	presenter  errorsurface.Presenter
	lookupEnv  func(string) (string, bool)
}

// Option is a func that allows to override some of the broker default settings.
type Option func(*option)

// WithStore sets the session store, overriding the configured one.
func WithStore(s session.Store) Option {
	return func(o *option) {
		o.store = s
	}
}

// WithHTTPClient sets the client used to reach the providers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *option) {
		o.httpClient = c
	}
}

// WithEvents sets the authentication flow hooks.
func WithEvents(events flow.Events) Option {
	return func(o *option) {
		o.events = events
	}
}

// WithMetricsRegisterer registers the broker metrics on reg instead of the default registerer.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *option) {
		o.registerer = reg
	}
}

// WithPresenter sets how the error page is rendered.
func WithPresenter(p errorsurface.Presenter) Option {
	return func(o *option) {
		o.presenter = p
	}
}

// New returns a new Broker with the providers listed in the configuration file.
func New(cfg Config, args ...Option) (b *Broker, err error) {
	defer decorate.OnError(&err, "could not create broker")

	opts := option{
		registerer: prometheus.DefaultRegisterer,
		presenter:  errorsurface.DefaultPresenter{},
		lookupEnv:  os.LookupEnv,
	}
	for _, arg := range args {
		arg(&opts)
	}

	if cfg.ConfigFile != "" {
		cfg.brokerConfig, err = parseConfigFile(cfg.ConfigFile, opts.lookupEnv)
		if err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}
	if len(cfg.providers) == 0 {
		return nil, errors.New("no provider configured")
	}
	if cfg.errorPath == "" {
		cfg.errorPath = consts.DefaultErrorPath
	}
	if !urlutil.IsLocalPath(cfg.errorPath) {
		return nil, fmt.Errorf("error path %q must be a local path", cfg.errorPath)
	}
	if cfg.session.ttl == 0 {
		cfg.session.ttl = defaultSessionTTL
	}

	registry, err := newRegistry(cfg.brokerConfig)
	if err != nil {
		return nil, err
	}

	crossOrigin := csrf.New()
	for _, origin := range cfg.allowedReturnOrigins {
		if err := crossOrigin.AddTrustedOrigin(origin); err != nil {
			return nil, fmt.Errorf("invalid allowed return origin %q: %v", origin, err)
		}
	}

	rec, err := metrics.NewRecorder(opts.registerer)
	if err != nil {
		return nil, err
	}

	store := opts.store
	if store == nil {
		if store, err = newStore(cfg.session); err != nil {
			return nil, err
		}
	}
	sessions := session.NewManager(store)

	codec := flow.NewCodec(cfg.hashKey, cfg.blockKey)
	cookies := flow.NewCodec(cfg.hashKey, cfg.blockKey)
	cookies.MaxAge(int(cfg.session.ttl / time.Second))
	normalizer := errorsurface.NewNormalizer(cfg.errorPath, errorsurface.WithPathBase(cfg.pathBase), errorsurface.WithMetrics(rec))

	b = &Broker{
		cfg:         cfg.brokerConfig,
		registry:    registry,
		sessions:    sessions,
		normalizer:  normalizer,
		presenter:   opts.presenter,
		cookies:     cookies,
		crossOrigin: crossOrigin,
		metrics:     rec,
	}

	routerOpts := []flow.Option{
		flow.WithVerbosePII(cfg.verbosePII),
		flow.WithEvents(opts.events),
		flow.WithMetrics(rec),
	}
	if opts.httpClient != nil {
		routerOpts = append(routerOpts, flow.WithHTTPClient(opts.httpClient))
	}
	b.router, err = flow.New(flow.Config{
		Registry:              registry,
		Sessions:              sessions,
		Normalizer:            normalizer,
		Codec:                 codec,
		PathBase:              cfg.pathBase,
		TrustForwardedHeaders: cfg.trustForwardedHeaders,
		IssueSession:          b.issueSession,
	}, routerOpts...)
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}
	b.signout = signout.New(
		signout.WithPathBase(cfg.pathBase),
		signout.WithAllowedOrigins(cfg.allowedReturnOrigins...),
		signout.WithTrustForwardedHeaders(cfg.trustForwardedHeaders),
		signout.WithEndpointResolver(b.router),
	)

	for _, d := range registry.All() {
		slog.Debug(fmt.Sprintf("Provider %q registered", d.SchemeName), "provider", d)
	}

	return b, nil
}

func newStore(cfg sessionConfig) (session.Store, error) {
	if cfg.store != storeRedis {
		return session.NewMemoryStore(cfg.ttl), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), consts.MaxRequestDuration)
	defer cancel()
	return session.NewRedisStore(ctx, session.RedisOptions{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
		Prefix:   cfg.redisPrefix,
		TTL:      cfg.ttl,
	})
}

// PathBase is the path under which the broker handler must be mounted.
func (b *Broker) PathBase() string {
	return b.cfg.pathBase
}

// TrustForwardedHeaders reports whether X-Forwarded-* headers of a reverse proxy are honoured.
func (b *Broker) TrustForwardedHeaders() bool {
	return b.cfg.trustForwardedHeaders
}

// Metrics returns the recorder of the broker metrics.
func (b *Broker) Metrics() *metrics.Recorder {
	return b.metrics
}

// Handler returns the routes of the broker, relative to its path base.
func (b *Broker) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/signin/{scheme}", b.signIn)
	r.Post("/signout/{scheme}", b.signOut)
	r.Get("/session", b.currentSession)
	r.Get("/providers", b.listProviders)
	r.Method(http.MethodGet, b.cfg.errorPath, errorsurface.Handler(b.presenter))

	for _, d := range b.registry.All() {
		callback := b.callback(d.SchemeName)
		r.Get(d.CallbackPath, callback)
		r.Post(d.CallbackPath, callback)

		remoteSignOut := b.remoteSignOut(d.SchemeName)
		r.Get(d.RemoteSignOutPath, remoteSignOut)
		r.Post(d.RemoteSignOutPath, remoteSignOut)

		r.Get(d.SignOutCallbackPath, b.signOutCallback)
	}

	return r
}

// Close releases the session store.
func (b *Broker) Close() error {
	return b.sessions.Close()
}

func (b *Broker) signIn(w http.ResponseWriter, r *http.Request) {
	_, _ = b.router.Challenge(w, r, chi.URLParam(r, "scheme"), r.URL.Query().Get("returnUrl"))
}

// callback completes the attempt in a new session. The browser only receives it once the attempt is promoted.
func (b *Broker) callback(scheme string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = b.router.HandleCallback(w, r, scheme, uuid.NewString())
	}
}

// issueSession replaces the session cookie of the browser by the promoted session and ends the previous one.
func (b *Broker) issueSession(w http.ResponseWriter, r *http.Request, sessionID string) error {
	if previous := b.sessionID(r); previous != "" && previous != sessionID {
		if err := b.sessions.SignOut(r.Context(), previous); err != nil {
			return fmt.Errorf("could not end previous session: %v", err)
		}
	}
	return b.setCookie(w, r, sessionCookieName, sessionID, urlutil.JoinPath(b.cfg.pathBase, "/"))
}

// signOut ends the local session, then the provider one when it supports it. Only same-site or allow-listed
// origins can sign the user out.
func (b *Broker) signOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := b.crossOrigin.Check(r); err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("Rejecting sign-out request: %v", err))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	d, err := b.registry.Resolve(chi.URLParam(r, "scheme"))
	if err != nil {
		slog.WarnContext(ctx, err.Error())
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	returnTo, err := b.signout.ReturnURL(r, r.FormValue("returnTo"))
	if err != nil {
		slog.WarnContext(ctx, err.Error(), "scheme", d.SchemeName)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if returnTo == "" {
		returnTo = urlutil.JoinPath(b.cfg.pathBase, "/")
	}

	if err := b.endSession(w, r); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("Could not sign out from %q: %v", d.SchemeName, err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	logoutURL, err := b.signout.ComposeLogoutURL(r, d, d.SignOutCallbackPath)
	if err != nil {
		if !errors.Is(err, signout.ErrSignOutNotSupported) {
			slog.WarnContext(ctx, fmt.Sprintf("Signing out locally only: %v", err), "scheme", d.SchemeName)
		}
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}

	if err := b.setCookie(w, r, signOutCookieName, returnTo, urlutil.JoinPath(b.cfg.pathBase, d.SignOutCallbackPath)); err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("Could not remember sign-out return URL: %v", err), "scheme", d.SchemeName)
	}
	slog.InfoContext(ctx, fmt.Sprintf("Signing out from %q", d.SchemeName))
	http.Redirect(w, r, logoutURL, http.StatusFound)
}

// signOutCallback is where the provider sends the user back after the remote sign-out.
func (b *Broker) signOutCallback(w http.ResponseWriter, r *http.Request) {
	target := urlutil.JoinPath(b.cfg.pathBase, "/")

	if c, err := r.Cookie(signOutCookieName); err == nil {
		var returnTo string
		if err := b.cookies.Decode(signOutCookieName, c.Value, &returnTo); err == nil && returnTo != "" {
			target = returnTo
		}
		http.SetCookie(w, &http.Cookie{Name: signOutCookieName, Path: r.URL.Path, MaxAge: -1, HttpOnly: true})
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// remoteSignOut handles the front-channel logout requests of a provider.
func (b *Broker) remoteSignOut(scheme string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := b.endSession(w, r); err != nil {
			slog.ErrorContext(r.Context(), fmt.Sprintf("Could not handle remote sign-out from %q: %v", scheme, err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		slog.InfoContext(r.Context(), fmt.Sprintf("Signed out by %q", scheme))
		w.Header().Set("Cache-Control", "no-cache, no-store")
		w.WriteHeader(http.StatusOK)
	}
}

// endSession clears the principals of the session and its cookie.
func (b *Broker) endSession(w http.ResponseWriter, r *http.Request) error {
	sessionID := b.sessionID(r)
	if sessionID == "" {
		return nil
	}
	if err := b.sessions.SignOut(r.Context(), sessionID); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Path:     urlutil.JoinPath(b.cfg.pathBase, "/"),
		MaxAge:   -1,
		HttpOnly: true,
	})
	return nil
}

type principalView struct {
	Scheme          string    `json:"scheme"`
	Issuer          string    `json:"issuer"`
	Subject         string    `json:"subject"`
	Name            string    `json:"name,omitempty"`
	Email           string    `json:"email,omitempty"`
	Roles           []string  `json:"roles,omitempty"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
}

func (b *Broker) currentSession(w http.ResponseWriter, r *http.Request) {
	sessionID := b.sessionID(r)
	if sessionID == "" {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	p, err := b.sessions.Current(r.Context(), sessionID)
	if errors.Is(err, session.ErrNotFound) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), fmt.Sprintf("Could not load session: %v", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, principalView{
		Scheme:          p.SchemeName,
		Issuer:          p.Issuer,
		Subject:         p.Subject,
		Name:            p.Name,
		Email:           p.Email,
		Roles:           p.Roles,
		AuthenticatedAt: p.AuthenticatedAt,
	})
}

type providerView struct {
	Scheme      string `json:"scheme"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
	SignInPath  string `json:"signin_path"`
}

func (b *Broker) listProviders(w http.ResponseWriter, _ *http.Request) {
	var l []providerView
	for _, d := range b.registry.All() {
		l = append(l, providerView{
			Scheme:      d.SchemeName,
			DisplayName: d.DisplayName,
			Type:        d.Type,
			SignInPath:  urlutil.JoinPath(b.cfg.pathBase, "/signin/"+d.SchemeName),
		})
	}
	writeJSON(w, l)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn(fmt.Sprintf("Could not write response: %v", err))
	}
}

// sessionID returns the session of the request, or an empty id when it has none.
func (b *Broker) sessionID(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	var id string
	if err := b.cookies.Decode(sessionCookieName, c.Value, &id); err != nil {
		slog.DebugContext(r.Context(), "Ignoring invalid session cookie")
		return ""
	}
	return id
}

func (b *Broker) setCookie(w http.ResponseWriter, r *http.Request, name, value, path string) error {
	encoded, err := b.cookies.Encode(name, value)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    encoded,
		Path:     path,
		HttpOnly: true,
		Secure:   urlutil.Scheme(r, b.cfg.trustForwardedHeaders) == "https",
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
