package oauth

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DeriveResourceURI derives the canonical resource URI for an MCP endpoint
// per RFC 8707. Scheme and host are lowercased, default ports dropped, the
// path kept without a trailing slash, and query and fragment discarded.
func DeriveResourceURI(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "parse endpoint URL")
	}
	if parsed.Scheme == "" {
		return "", errors.Newf("endpoint URL missing scheme: %s", endpoint)
	}
	if parsed.Host == "" {
		return "", errors.Newf("endpoint URL missing host: %s", endpoint)
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Host)

	hostname, port, err := net.SplitHostPort(host)
	if err != nil {
		hostname = host
		port = ""
	}
	omitPort := (scheme == "https" && port == "443") || (scheme == "http" && port == "80")

	// SplitHostPort strips brackets from IPv6 literals.
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if omitPort || port == "" {
		host = hostname
	} else {
		host = hostname + ":" + port
	}

	path := parsed.Path
	if path != "/" && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	return scheme + "://" + host + path, nil
}

// resourceRoundTripper adds the RFC 8707 resource parameter to OAuth
// authorization and token requests.
type resourceRoundTripper struct {
	base        http.RoundTripper
	resourceURI string
	logger      *zap.Logger
}

// NewResourceRoundTripper wraps base so that OAuth requests carry the given
// resource indicator. An empty resourceURI disables the wrapper.
func NewResourceRoundTripper(resourceURI string, base http.RoundTripper, logger *zap.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if resourceURI == "" {
		return base
	}
	return &resourceRoundTripper{base: base, resourceURI: resourceURI, logger: logger}
}

func (t *resourceRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	if isOAuthRequest(cloned) {
		if err := t.addResourceParameter(cloned); err != nil {
			t.logger.Warn("failed to add resource parameter", zap.Error(err))
			return t.base.RoundTrip(req)
		}
		t.logger.Debug("added resource parameter to OAuth request",
			zap.String("resource", t.resourceURI))
	}
	return t.base.RoundTrip(cloned)
}

// isOAuthRequest identifies OAuth token requests (POST to a token endpoint)
// and authorization requests (GET with response_type=code).
func isOAuthRequest(req *http.Request) bool {
	if req.Method == http.MethodPost {
		path := strings.ToLower(req.URL.Path)
		return strings.HasSuffix(path, "/token") ||
			strings.HasSuffix(path, "/oauth/token") ||
			strings.HasSuffix(path, "/oauth2/token")
	}
	if req.Method == http.MethodGet {
		q := req.URL.Query()
		return q.Get("response_type") == "code" && q.Get("client_id") != ""
	}
	return false
}

func (t *resourceRoundTripper) addResourceParameter(req *http.Request) error {
	if req.Method == http.MethodGet {
		q := req.URL.Query()
		q.Set("resource", t.resourceURI)
		req.URL.RawQuery = q.Encode()
		return nil
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return errors.Wrap(err, "read request body")
	}
	_ = req.Body.Close()

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return errors.Wrap(err, "parse form data")
	}
	values.Set("resource", t.resourceURI)

	newBody := values.Encode()
	req.Body = io.NopCloser(strings.NewReader(newBody))
	req.ContentLength = int64(len(newBody))
	return nil
}

// registrationTokenRoundTripper adds a registration access token to Dynamic
// Client Registration requests, identified per RFC 7591 by POSTs to a
// registration endpoint.
type registrationTokenRoundTripper struct {
	base  http.RoundTripper
	token string
}

// NewRegistrationTokenRoundTripper wraps base so that DCR requests carry the
// registration access token as a Bearer credential.
func NewRegistrationTokenRoundTripper(token string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if token == "" {
		return base
	}
	return &registrationTokenRoundTripper{base: base, token: token}
}

func (rt *registrationTokenRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	if cloned.Method == http.MethodPost {
		path := strings.ToLower(cloned.URL.Path)
		if strings.Contains(path, "register") || strings.Contains(path, "registration") {
			cloned.Header.Set("Authorization", "Bearer "+rt.token)
		}
	}
	return rt.base.RoundTrip(cloned)
}
