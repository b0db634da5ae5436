package runner

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tobinsouth/mcp-test/internal/check"
	"github.com/tobinsouth/mcp-test/internal/oauth"
)

// runAuthDiscovery probes the server's OAuth surface without credentials:
// the 401 challenge, RFC 9728 protected resource metadata, and RFC 8414
// authorization server metadata. Missing optional metadata is a warning,
// never a failure; servers without authorization are a legitimate target.
func (o *Orchestrator) runAuthDiscovery(ctx context.Context, rec *check.Recorder) (func() error, error) {
	challenge := o.probeChallenge(ctx, rec)

	prm, err := oauth.DiscoverProtectedResourceMetadata(ctx, o.cfg.Server.URL, challenge, o.logger)
	if err != nil {
		rec.Warning("auth.prm", "Protected resource metadata",
			"RFC 9728 protected resource metadata discovery",
			err.Error(), nil)
		return nil, nil
	}
	rec.Success("auth.prm", "Protected resource metadata",
		"RFC 9728 protected resource metadata discovery",
		map[string]any{
			"resource":             prm.Resource,
			"authorizationServers": prm.AuthorizationServers,
			"scopesSupported":      prm.ScopesSupported,
		})

	issuer, err := oauth.SelectAuthorizationServer(prm, o.cfg.Auth.PreferredAS)
	if err != nil {
		rec.Warning("auth.as_select", "Authorization server selection",
			"An authorization server is listed in the resource metadata",
			err.Error(), nil)
		return nil, nil
	}

	asMeta, err := oauth.DiscoverAuthorizationServerMetadata(ctx, issuer, o.logger)
	if err != nil {
		rec.Warning("auth.as_metadata", "Authorization server metadata",
			"RFC 8414 authorization server metadata discovery",
			err.Error(), map[string]any{"issuer": issuer})
		return nil, nil
	}
	rec.Success("auth.as_metadata", "Authorization server metadata",
		"RFC 8414 authorization server metadata discovery",
		map[string]any{
			"issuer":                asMeta.Issuer,
			"authorizationEndpoint": asMeta.AuthorizationEndpoint,
			"tokenEndpoint":         asMeta.TokenEndpoint,
			"registrationEndpoint":  asMeta.RegistrationEndpoint,
		})

	if asMeta.SupportsPKCE() {
		rec.Success("auth.pkce", "PKCE support",
			"Authorization server advertises S256 code challenges",
			map[string]any{"methods": asMeta.CodeChallengeMethods})
	} else {
		rec.Warning("auth.pkce", "PKCE support",
			"Authorization server advertises S256 code challenges",
			"S256 is not listed in code_challenge_methods_supported", nil)
	}

	if asMeta.SupportsDCR() {
		rec.Info("auth.dcr", "Dynamic client registration",
			"Authorization server advertises a registration endpoint",
			map[string]any{"registrationEndpoint": asMeta.RegistrationEndpoint})
	}

	return nil, nil
}

// probeChallenge issues an unauthenticated request to the MCP endpoint and
// inspects the response for a WWW-Authenticate challenge.
func (o *Orchestrator) probeChallenge(ctx context.Context, rec *check.Recorder) *oauth.Challenge {
	httpClient := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.Server.URL, nil)
	if err != nil {
		rec.Warning("auth.challenge", "Authentication challenge",
			"Unauthenticated request is answered with a 401 challenge",
			err.Error(), nil)
		return nil
	}
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := httpClient.Do(req)
	if err != nil {
		rec.Warning("auth.challenge", "Authentication challenge",
			"Unauthenticated request is answered with a 401 challenge",
			err.Error(), nil)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		rec.Warning("auth.challenge", "Authentication challenge",
			"Unauthenticated request is answered with a 401 challenge",
			"server did not demand authentication",
			map[string]any{"statusCode": resp.StatusCode})
		return nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		rec.Warning("auth.challenge", "Authentication challenge",
			"Unauthenticated request is answered with a 401 challenge",
			"401 response carried no WWW-Authenticate header", nil)
		return nil
	}

	challenge, err := oauth.ParseWWWAuthenticate(header)
	if err != nil {
		rec.Warning("auth.challenge", "Authentication challenge",
			"Unauthenticated request is answered with a 401 challenge",
			err.Error(), map[string]any{"header": header})
		return nil
	}

	rec.Success("auth.challenge", "Authentication challenge",
		"Unauthenticated request is answered with a 401 challenge",
		map[string]any{
			"scheme":              challenge.Scheme,
			"resourceMetadataUrl": challenge.ResourceMetadataURL,
		})
	o.logger.Debug("parsed authentication challenge",
		zap.String("scheme", challenge.Scheme))
	return challenge
}
