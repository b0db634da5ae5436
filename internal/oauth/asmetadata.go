package oauth

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// pkceMethodS256 is the only code challenge method OAuth 2.1 clients must
// use when capable.
const pkceMethodS256 = "S256"

// AuthorizationServerMetadata is the RFC 8414 / OIDC Discovery document for
// an authorization server.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	CodeChallengeMethods              []string `json:"code_challenge_methods_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// SupportsPKCE reports whether the server advertises S256 PKCE support. MCP
// requires authorization servers to advertise code_challenge_methods_supported
// with S256.
func (m *AuthorizationServerMetadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethods {
		if method == pkceMethodS256 {
			return true
		}
	}
	return false
}

// SupportsDCR reports whether the server advertises a Dynamic Client
// Registration endpoint.
func (m *AuthorizationServerMetadata) SupportsDCR() bool {
	return m.RegistrationEndpoint != ""
}

// DiscoverAuthorizationServerMetadata probes the issuer's discovery endpoints
// in priority order: RFC 8414 path-inserted, OIDC path-inserted, OIDC
// path-appended (issuers with a path component), or the two root well-known
// URIs otherwise. Returns the first document that parses and validates.
func DiscoverAuthorizationServerMetadata(ctx context.Context, issuerURL string, logger *zap.Logger) (*AuthorizationServerMetadata, error) {
	endpoints, err := asMetadataEndpoints(issuerURL)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, endpoint := range endpoints {
		logger.Debug("probing authorization server metadata", zap.String("url", endpoint))

		body, err := fetchJSONDocument(ctx, endpoint)
		if err != nil {
			lastErr = err
			continue
		}
		var metadata AuthorizationServerMetadata
		if err := json.Unmarshal(body, &metadata); err != nil {
			lastErr = errors.Wrap(err, "parse authorization server metadata")
			continue
		}
		if err := validateASMetadata(&metadata); err != nil {
			lastErr = err
			continue
		}
		return &metadata, nil
	}

	if lastErr != nil {
		return nil, errors.Wrap(lastErr, "no valid authorization server metadata found")
	}
	return nil, errors.New("no authorization server metadata found at any discovery endpoint")
}

func asMetadataEndpoints(issuerURL string) ([]string, error) {
	parsed, err := url.Parse(issuerURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse issuer URL")
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return nil, errors.New("issuer URL must be absolute with a host")
	}
	if parsed.Scheme == "http" {
		if !isLoopbackHost(parsed.Host) {
			return nil, errors.Newf("issuer URL must use https (http only allowed for loopback, got %s)", parsed.Host)
		}
	} else if parsed.Scheme != "https" {
		return nil, errors.New("issuer URL must use http or https")
	}

	base := parsed.Scheme + "://" + parsed.Host
	path := strings.Trim(parsed.Path, "/")

	if path != "" {
		return []string{
			base + "/.well-known/oauth-authorization-server/" + path,
			base + "/.well-known/openid-configuration/" + path,
			base + "/" + path + "/.well-known/openid-configuration",
		}, nil
	}
	return []string{
		base + "/.well-known/oauth-authorization-server",
		base + "/.well-known/openid-configuration",
	}, nil
}

func isLoopbackHost(host string) bool {
	for _, prefix := range []string{"localhost", "127.0.0.1", "[::1]"} {
		if host == prefix || strings.HasPrefix(host, prefix+":") {
			return true
		}
	}
	return false
}

func validateASMetadata(metadata *AuthorizationServerMetadata) error {
	required := map[string]string{
		"issuer":                 metadata.Issuer,
		"authorization_endpoint": metadata.AuthorizationEndpoint,
		"token_endpoint":         metadata.TokenEndpoint,
	}
	for name, value := range required {
		if value == "" {
			return errors.Newf("authorization server metadata missing required field: %s", name)
		}
	}

	endpoints := map[string]string{
		"issuer":                 metadata.Issuer,
		"authorization_endpoint": metadata.AuthorizationEndpoint,
		"token_endpoint":         metadata.TokenEndpoint,
	}
	if metadata.RegistrationEndpoint != "" {
		endpoints["registration_endpoint"] = metadata.RegistrationEndpoint
	}
	for name, endpoint := range endpoints {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return errors.Wrapf(err, "invalid %s URL", name)
		}
		if !parsed.IsAbs() || parsed.Host == "" {
			return errors.Newf("%s must be an absolute URL with a host: %s", name, endpoint)
		}
		if parsed.Scheme == "http" {
			if !isLoopbackHost(parsed.Host) {
				return errors.Newf("%s must use https (http only allowed for loopback): %s", name, endpoint)
			}
		} else if parsed.Scheme != "https" {
			return errors.Newf("%s must use http or https: %s", name, endpoint)
		}
	}
	return nil
}
