package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	// maxMetadataSize caps discovery documents at 1MB.
	maxMetadataSize = 1 << 20

	metadataRequestTimeout = 10 * time.Second

	discoveryUserAgent = "mcp-test/1.0"
)

// ProtectedResourceMetadata is the RFC 9728 discovery document naming the
// authorization server(s) that protect a resource.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// Challenge is a parsed WWW-Authenticate header.
type Challenge struct {
	Scheme              string
	ResourceMetadataURL string
	Scopes              []string
	Error               string
	ErrorDescription    string
}

// ParseWWWAuthenticate extracts OAuth challenge parameters from a
// WWW-Authenticate header value per RFC 6750 and RFC 9728.
//
// Example:
//
//	Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource", scope="files:read"
func ParseWWWAuthenticate(header string) (*Challenge, error) {
	if header == "" {
		return nil, errors.New("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(header, " ", 2)
	challenge := &Challenge{Scheme: parts[0]}

	if len(parts) == 2 {
		params := parseAuthParams(parts[1])
		challenge.ResourceMetadataURL = params["resource_metadata"]
		challenge.Error = params["error"]
		challenge.ErrorDescription = params["error_description"]
		if scope := params["scope"]; scope != "" {
			challenge.Scopes = strings.Fields(scope)
		}
	}

	return challenge, nil
}

// parseAuthParams parses challenge parameters, handling quoted and unquoted
// values: key1="value1", key2=value2.
func parseAuthParams(params string) map[string]string {
	result := make(map[string]string)

	for _, part := range splitPreservingQuotes(params, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq == -1 {
			continue
		}
		key := strings.TrimSpace(part[:eq])
		value := strings.TrimSpace(part[eq+1:])
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		if key != "" {
			result[key] = value
		}
	}

	return result
}

func splitPreservingQuotes(s string, delimiter byte) []string {
	var result []string
	var current strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
			current.WriteByte(ch)
		case ch == delimiter && !inQuotes:
			result = append(result, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// DiscoverProtectedResourceMetadata locates the PRM document for an MCP
// endpoint per RFC 9728: the challenge's resource_metadata URL first, then
// the path-scoped well-known URI, then the root well-known URI.
func DiscoverProtectedResourceMetadata(ctx context.Context, endpoint string, challenge *Challenge, logger *zap.Logger) (*ProtectedResourceMetadata, error) {
	if challenge != nil && challenge.ResourceMetadataURL != "" {
		logger.Debug("using resource_metadata URL from WWW-Authenticate",
			zap.String("url", challenge.ResourceMetadataURL))
		return fetchProtectedResourceMetadata(ctx, challenge.ResourceMetadataURL)
	}

	uris, err := prmWellKnownURIs(endpoint)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, uri := range uris {
		logger.Debug("probing protected resource metadata", zap.String("url", uri))
		metadata, err := fetchProtectedResourceMetadata(ctx, uri)
		if err != nil {
			lastErr = err
			continue
		}
		return metadata, nil
	}

	if lastErr != nil {
		return nil, errors.Wrap(lastErr, "no protected resource metadata found at well-known URIs")
	}
	return nil, errors.New("no protected resource metadata found at well-known URIs")
}

// prmWellKnownURIs builds the RFC 9728 section 3 candidate URIs in priority
// order.
func prmWellKnownURIs(endpoint string) ([]string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parse endpoint URL")
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("endpoint URL must include scheme and host")
	}

	base := parsed.Scheme + "://" + parsed.Host
	var uris []string
	if parsed.Path != "" && parsed.Path != "/" {
		uris = append(uris, base+"/.well-known/oauth-protected-resource/"+strings.TrimPrefix(parsed.Path, "/"))
	}
	uris = append(uris, base+"/.well-known/oauth-protected-resource")
	return uris, nil
}

func fetchProtectedResourceMetadata(ctx context.Context, metadataURL string) (*ProtectedResourceMetadata, error) {
	body, err := fetchJSONDocument(ctx, metadataURL)
	if err != nil {
		return nil, err
	}

	var metadata ProtectedResourceMetadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, errors.Wrap(err, "parse protected resource metadata")
	}
	if err := validateProtectedResourceMetadata(&metadata); err != nil {
		return nil, err
	}
	return &metadata, nil
}

func validateProtectedResourceMetadata(metadata *ProtectedResourceMetadata) error {
	if metadata.Resource == "" {
		return errors.New("protected resource metadata missing required field: resource")
	}
	if len(metadata.AuthorizationServers) == 0 {
		return errors.New("protected resource metadata missing required field: authorization_servers")
	}
	for i, asURL := range metadata.AuthorizationServers {
		parsed, err := url.Parse(asURL)
		if err != nil {
			return errors.Wrapf(err, "invalid authorization server URL at index %d", i)
		}
		if !parsed.IsAbs() || parsed.Host == "" {
			return errors.Newf("authorization server URL at index %d must be an absolute URL with a host: %s", i, asURL)
		}
		if parsed.Scheme != "https" && parsed.Scheme != "http" {
			return errors.Newf("authorization server URL at index %d must use http or https: %s", i, asURL)
		}
	}
	return nil
}

// SelectAuthorizationServer picks an authorization server from the metadata.
// A configured preference must be present in the advertised list; otherwise
// the first advertised server is used per RFC 9728 section 3.
func SelectAuthorizationServer(metadata *ProtectedResourceMetadata, preferred string) (string, error) {
	if len(metadata.AuthorizationServers) == 0 {
		return "", errors.New("no authorization servers available")
	}
	if preferred != "" {
		for _, server := range metadata.AuthorizationServers {
			if server == preferred {
				return server, nil
			}
		}
		return "", errors.Newf("preferred authorization server not advertised: %s", preferred)
	}
	return metadata.AuthorizationServers[0], nil
}

// fetchJSONDocument fetches a size-capped application/json document.
func fetchJSONDocument(ctx context.Context, docURL string) ([]byte, error) {
	client := &http.Client{Timeout: metadataRequestTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build metadata request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", discoveryUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch metadata")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("metadata request to %s failed with status %d", docURL, resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		return nil, errors.Newf("unexpected Content-Type %q (expected application/json)", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, errors.Wrap(err, "read metadata response")
	}
	if int64(len(body)) >= maxMetadataSize {
		return nil, errors.Newf("metadata response exceeds maximum size of %d bytes", maxMetadataSize)
	}
	return body, nil
}
