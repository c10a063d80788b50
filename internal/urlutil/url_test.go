package urlutil_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ubuntu/oidc-federation-broker/internal/urlutil"
)

func TestAbsolute(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		target         string
		headers        map[string]string
		trustForwarded bool
		pathBase       string
		path           string

		want string
	}{
		"Https_request":               {target: "https://example.org/x", path: "/account", want: "https://example.org/account"},
		"Http_request":                {target: "http://example.org/x", path: "/account", want: "http://example.org/account"},
		"With_path_base":              {target: "https://example.org/x", pathBase: "/app/", path: "/account", want: "https://example.org/app/account"},
		"Path_without_leading_slash":  {target: "https://example.org/x", path: "account", want: "https://example.org/account"},
		"Empty_path_is_root":          {target: "https://example.org/x", want: "https://example.org/"},
		"Trusted_forwarded_headers":   {target: "http://internal:8080/x", headers: map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "example.org"}, trustForwarded: true, path: "/a", want: "https://example.org/a"},
		"Untrusted_forwarded_headers": {target: "http://internal:8080/x", headers: map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "example.org"}, path: "/a", want: "http://internal:8080/a"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest("GET", tc.target, nil)
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}

			got := urlutil.Absolute(r, tc.trustForwarded, tc.pathBase, tc.path)
			require.Equal(t, tc.want, got, "Absolute should return the expected URL")
		})
	}
}

func TestIsLocalPath(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		path string
		want bool
	}{
		"Root":              {path: "/", want: true},
		"Nested_path":       {path: "/account/settings?tab=1", want: true},
		"Empty":             {path: ""},
		"Relative_path":     {path: "account"},
		"Protocol_relative": {path: "//evil.example"},
		"Backslash_trick":   {path: `/\evil.example`},
		"Absolute_url":      {path: "https://evil.example/"},
		"Javascript_pseudo": {path: "javascript:alert(1)"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.want, urlutil.IsLocalPath(tc.path), "IsLocalPath returned an unexpected result")
		})
	}
}
