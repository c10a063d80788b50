// Package urlutil provides helpers to build absolute URLs from an inbound request and to validate redirects.
package urlutil

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Scheme returns the scheme the client used to reach us.
//
// X-Forwarded-Proto is only honoured when trustForwarded is set, i.e. when a known reverse proxy terminates TLS.
func Scheme(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			proto, _, _ = strings.Cut(proto, ",")
			return strings.ToLower(strings.TrimSpace(proto))
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Origin returns scheme://host of the request.
func Origin(r *http.Request, trustForwarded bool) string {
	host := r.Host
	if trustForwarded {
		if h := r.Header.Get("X-Forwarded-Host"); h != "" {
			host, _, _ = strings.Cut(h, ",")
			host = strings.TrimSpace(host)
		}
	}
	return Scheme(r, trustForwarded) + "://" + host
}

// Absolute returns the absolute URL of path under pathBase, on the origin of the request.
func Absolute(r *http.Request, trustForwarded bool, pathBase, path string) string {
	return Origin(r, trustForwarded) + JoinPath(pathBase, path)
}

// JoinPath prefixes path with the application path base.
func JoinPath(pathBase, path string) string {
	pathBase = strings.TrimRight(pathBase, "/")
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return pathBase + path
}

// IsLocalPath returns true if p is a path on the current origin. Protocol relative (//host) and
// backslash tricks (/\host) are rejected as browsers treat them as another origin.
func IsLocalPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if len(p) > 1 && (p[1] == '/' || p[1] == '\\') {
		return false
	}
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == ""
}

// ParseAndValidateURL parses an absolute http(s) URL.
func ParseAndValidateURL(rawurl string) (*url.URL, error) {
	if rawurl == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%s url does not have a valid scheme", rawurl)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%s url does contain a valid hostname", rawurl)
	}
	return u, nil
}

// OriginOf returns the scheme://host form of u, lowercased.
func OriginOf(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
