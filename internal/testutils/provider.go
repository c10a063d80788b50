// Package testutils provides an in-process OpenID Connect provider and helpers for tests.
package testutils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MockKey is the RSA key used to sign the JWTs for the mock provider.
var MockKey *rsa.PrivateKey

var mockCertificate *x509.Certificate

func init() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Sprintf("Setup: Could not generate RSA key for the Mock: %v", err))
	}
	MockKey = key

	certTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2024),
		Subject: pkix.Name{
			Organization: []string{"Mocks ltd."},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		SubjectKeyId:          []byte{1, 2, 3, 4, 5},
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		KeyUsage:              x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	c, err := x509.CreateCertificate(rand.Reader, certTemplate, certTemplate, &MockKey.PublicKey, MockKey)
	if err != nil {
		panic("Setup: Could not create certificate for the Mock")
	}

	cert, err := x509.ParseCertificate(c)
	if err != nil {
		panic("Setup: Could not parse certificate for the Mock")
	}
	mockCertificate = cert
}

const (
	// MockClientID is the client id the mock provider issues tokens for.
	MockClientID = "test-client-id"
	// MockSubject is the subject of the tokens issued by the mock provider.
	MockSubject = "test-user-id"
)

// ProviderHandler is a function that handles a request to the mock provider.
type ProviderHandler func(http.ResponseWriter, *http.Request)

// MockProvider is a running mock OpenID Connect provider.
type MockProvider struct {
	*httptest.Server

	mu    sync.Mutex
	codes map[string]authorizeRequest

	clientID       string
	claims         map[string]any
	userInfoClaims map[string]any
	authorizeError string
	tokenRequests  int
}

type authorizeRequest struct {
	nonce         string
	codeChallenge string
	redirectURI   string
	params        url.Values
}

type optionProvider struct {
	handlers       map[string]ProviderHandler
	clientID       string
	claims         map[string]any
	userInfoClaims map[string]any
	authorizeError string
}

// OptionProvider is a function that allows to override default options of the mock provider.
type OptionProvider func(*optionProvider)

// WithHandler specifies a handler to the requested path in the mock provider.
func WithHandler(path string, handler func(http.ResponseWriter, *http.Request)) OptionProvider {
	return func(o *optionProvider) {
		o.handlers[path] = handler
	}
}

// WithClientID sets the audience of the issued ID tokens.
func WithClientID(clientID string) OptionProvider {
	return func(o *optionProvider) {
		o.clientID = clientID
	}
}

// WithClaims adds or overrides claims of the issued ID tokens.
func WithClaims(claims map[string]any) OptionProvider {
	return func(o *optionProvider) {
		maps.Copy(o.claims, claims)
	}
}

// WithUserInfoClaims sets the claims returned by the userinfo endpoint, in addition to the subject.
func WithUserInfoClaims(claims map[string]any) OptionProvider {
	return func(o *optionProvider) {
		o.userInfoClaims = claims
	}
}

// WithAuthorizeError makes the authorize endpoint redirect back with the given error code.
func WithAuthorizeError(code string) OptionProvider {
	return func(o *optionProvider) {
		o.authorizeError = code
	}
}

// StartMockProvider starts a new HTTP server to be used as an OpenID Connect provider for tests.
func StartMockProvider(address string, args ...OptionProvider) (*MockProvider, func()) {
	servMux := http.NewServeMux()
	server := httptest.NewUnstartedServer(servMux)

	if address != "" {
		l, err := net.Listen("tcp", address)
		if err != nil {
			panic(fmt.Sprintf("error starting listener: %v", err))
		}
		server.Listener = l
	}
	server.Start()

	p := &MockProvider{Server: server, codes: make(map[string]authorizeRequest)}

	opts := optionProvider{
		handlers: map[string]ProviderHandler{
			"/.well-known/openid-configuration": DefaultOpenIDHandler(server.URL),
			"/authorize":                        p.authorizeHandler,
			"/token":                            p.tokenHandler,
			"/userinfo":                         p.userInfoHandler,
			"/keys":                             DefaultJWKHandler(),
		},
		clientID: MockClientID,
		claims: map[string]any{
			"name":               "test-user",
			"preferred_username": "test-user@email.com",
			"email":              "test-user@anotheremail.com",
			"email_verified":     true,
		},
	}
	for _, arg := range args {
		arg(&opts)
	}
	p.clientID, p.claims, p.userInfoClaims, p.authorizeError = opts.clientID, opts.claims, opts.userInfoClaims, opts.authorizeError

	for path, handler := range opts.handlers {
		if handler == nil {
			continue
		}
		servMux.HandleFunc(path, handler)
	}

	return p, func() {
		server.Close()
	}
}

// TokenRequests returns the number of requests the token endpoint received.
func (p *MockProvider) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// AuthorizeParams returns the query of the last authorize request for code.
func (p *MockProvider) AuthorizeParams(code string) url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.codes[code].params
}

func (p *MockProvider) authorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirectURI.Host == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	back := url.Values{}
	back.Set("state", q.Get("state"))
	if p.authorizeError != "" {
		back.Set("error", p.authorizeError)
		back.Set("error_description", "The user or the server denied the request")
	} else {
		code := uuid.NewString()
		p.mu.Lock()
		p.codes[code] = authorizeRequest{
			nonce:         q.Get("nonce"),
			codeChallenge: q.Get("code_challenge"),
			redirectURI:   redirectURI.String(),
			params:        q,
		}
		p.mu.Unlock()
		back.Set("code", code)
	}

	redirectURI.RawQuery = back.Encode()
	http.Redirect(w, r, redirectURI.String(), http.StatusFound)
}

func tokenError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = fmt.Fprintf(w, `{"error": %q}`, code)
}

func (p *MockProvider) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}

	p.mu.Lock()
	p.tokenRequests++
	req, ok := p.codes[r.PostForm.Get("code")]
	delete(p.codes, r.PostForm.Get("code"))
	p.mu.Unlock()

	if r.PostForm.Get("grant_type") != "authorization_code" || !ok {
		tokenError(w, "invalid_grant")
		return
	}
	if req.codeChallenge != "" {
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != req.codeChallenge {
			tokenError(w, "invalid_grant")
			return
		}
	}
	if r.PostForm.Get("redirect_uri") != req.redirectURI {
		tokenError(w, "invalid_grant")
		return
	}

	claims := jwt.MapClaims{
		"iss": p.URL,
		"sub": MockSubject,
		"aud": p.clientID,
		"exp": 9999999999,
		"iat": time.Now().Unix(),
	}
	if req.nonce != "" {
		claims["nonce"] = req.nonce
	}
	maps.Copy(claims, p.claims)

	rawToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(MockKey)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"access_token":  "accesstoken",
		"refresh_token": "refreshtoken",
		"token_type":    "Bearer",
		"scope":         strings.Join(strings.Fields(req.params.Get("scope")), " "),
		"expires_in":    3600,
		"id_token":      rawToken,
	}
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (p *MockProvider) userInfoHandler(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer accesstoken" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	claims := map[string]any{"sub": MockSubject}
	maps.Copy(claims, p.userInfoClaims)

	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(claims); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// DefaultOpenIDHandler returns a handler that returns a default OpenID Connect configuration.
func DefaultOpenIDHandler(serverURL string) ProviderHandler {
	return func(w http.ResponseWriter, _ *http.Request) {
		wellKnown := fmt.Sprintf(`{
			"issuer": "%[1]s",
			"authorization_endpoint": "%[1]s/authorize",
			"token_endpoint": "%[1]s/token",
			"userinfo_endpoint": "%[1]s/userinfo",
			"end_session_endpoint": "%[1]s/logout",
			"jwks_uri": "%[1]s/keys",
			"id_token_signing_alg_values_supported": ["RS256"]
		}`, serverURL)

		w.Header().Add("Content-Type", "application/json")
		_, err := w.Write([]byte(wellKnown))
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

// OpenIDHandlerWithNoEndSession returns a handler that returns an OpenID Connect configuration without end session
// endpoint.
func OpenIDHandlerWithNoEndSession(serverURL string) ProviderHandler {
	return func(w http.ResponseWriter, _ *http.Request) {
		wellKnown := fmt.Sprintf(`{
			"issuer": "%[1]s",
			"authorization_endpoint": "%[1]s/authorize",
			"token_endpoint": "%[1]s/token",
			"jwks_uri": "%[1]s/keys",
			"id_token_signing_alg_values_supported": ["RS256"]
		}`, serverURL)

		w.Header().Add("Content-Type", "application/json")
		_, err := w.Write([]byte(wellKnown))
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

// DefaultJWKHandler returns a handler that provides the signing keys from the broker.
//
// Meant to be used an the endpoint for /keys.
func DefaultJWKHandler() ProviderHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		jwk := jose.JSONWebKey{
			Key:          &MockKey.PublicKey,
			KeyID:        "fa834459-66c6-475a-852f-444262a07c13_sig_rs256",
			Algorithm:    "RS256",
			Use:          "sig",
			Certificates: []*x509.Certificate{mockCertificate},
		}

		encodedJWK, err := jwk.MarshalJSON()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}

		response := fmt.Sprintf(`{"keys": [%s]}`, encodedJWK)
		w.Header().Add("Content-Type", "application/json")
		if _, err := w.Write([]byte(response)); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

// UnavailableHandler returns a handler that returns a 503 Service Unavailable response.
func UnavailableHandler() ProviderHandler {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

// BadRequestHandler returns a handler that returns a 400 Bad Request response.
func BadRequestHandler() ProviderHandler {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}
}

// TokenErrorHandler returns a handler answering token requests with an OAuth error code.
func TokenErrorHandler(code string) ProviderHandler {
	return func(w http.ResponseWriter, _ *http.Request) {
		tokenError(w, code)
	}
}

// CustomResponseHandler returns a handler that returns a custom token response.
func CustomResponseHandler(response string) ProviderHandler {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		_, err := w.Write([]byte(response))
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

// HangingHandler returns a handler that hangs the request until the duration has elapsed.
func HangingHandler(d time.Duration) ProviderHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusRequestTimeout)
	}
}
