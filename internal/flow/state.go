package flow

import (
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/ubuntu/oidc-federation-broker/internal/consts"
	"github.com/ubuntu/oidc-federation-broker/internal/urlutil"
)

const (
	stateName               = "oidcfed_state"
	correlationCookiePrefix = "oidcfed_correlation."
)

// pendingState is carried through the provider in the signed and encrypted state parameter.
type pendingState struct {
	Scheme      string `json:"s"`
	Correlation string `json:"c"`
	Verifier    string `json:"v,omitempty"`
	Nonce       string `json:"n"`
	ReturnURL   string `json:"r,omitempty"`
	IssuedAt    int64  `json:"t"`
}

// NewCodec returns the codec used for the state parameter and the flow cookies. Empty keys are generated, which
// only works for a single broker instance.
func NewCodec(hashKey, blockKey []byte) *securecookie.SecureCookie {
	if len(hashKey) == 0 {
		hashKey = securecookie.GenerateRandomKey(64)
	}
	if len(blockKey) == 0 {
		blockKey = securecookie.GenerateRandomKey(32)
	}
	c := securecookie.New(hashKey, blockKey)
	c.SetSerializer(securecookie.JSONEncoder{})
	c.MaxAge(int(consts.StateLifetime / time.Second))
	return c
}

func correlationCookieName(correlationID string) string {
	return correlationCookiePrefix + correlationID
}

// setCorrelationCookie binds the attempt to the browser which started it.
func (rt *Router) setCorrelationCookie(w http.ResponseWriter, r *http.Request, a *Attempt, path string) error {
	name := correlationCookieName(a.CorrelationID)
	value, err := rt.codec.Encode(name, a.SchemeName)
	if err != nil {
		return err
	}

	secure := urlutil.Scheme(r, rt.trustForwarded) == "https"
	sameSite := http.SameSiteLaxMode
	if secure {
		// The form_post response mode is a cross-site POST.
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(consts.StateLifetime / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	})
	return nil
}

// checkCorrelationCookie returns an error unless the browser holds the cookie of the attempt.
func (rt *Router) checkCorrelationCookie(r *http.Request, a *Attempt) error {
	name := correlationCookieName(a.CorrelationID)
	c, err := r.Cookie(name)
	if err != nil {
		return localFailure("correlation cookie not found", err)
	}

	var scheme string
	if err := rt.codec.Decode(name, c.Value, &scheme); err != nil {
		return localFailure("invalid correlation cookie", err)
	}
	if scheme != a.SchemeName {
		return localFailure("correlation cookie belongs to another provider", nil)
	}
	return nil
}

func clearCorrelationCookie(w http.ResponseWriter, a *Attempt, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:     correlationCookieName(a.CorrelationID),
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
	})
}
