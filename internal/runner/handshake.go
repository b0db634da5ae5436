package runner

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/tobinsouth/mcp-test/internal/check"
	"github.com/tobinsouth/mcp-test/internal/config"
	"github.com/tobinsouth/mcp-test/internal/interactive"
	"github.com/tobinsouth/mcp-test/internal/oauth"
)

// runHandshake connects to the server, drives the OAuth flow when the
// transport demands it, and performs the MCP initialization exchange. On
// success the live connection is kept for the phases after it; its Close is
// registered as cleanup either way.
func (o *Orchestrator) runHandshake(ctx context.Context, rec *check.Recorder) (func() error, error) {
	provider := oauth.NewProvider(rec, o.buildAuthHandler(), o.logger)

	mcpClient, err := o.buildClient(ctx, rec, provider)
	if err != nil {
		rec.Failure("handshake.client", "Client construction",
			"An MCP client can be constructed for the endpoint", err.Error(), nil)
		return nil, nil
	}
	cleanup := func() error { return mcpClient.Close() }

	if err := o.withAuthRetry(ctx, rec, provider, "transport start", func() error {
		return mcpClient.Start(ctx)
	}); err != nil {
		rec.Failure("handshake.start", "Transport start",
			"The transport connects to the endpoint", err.Error(), nil)
		return cleanup, nil
	}
	rec.Success("handshake.start", "Transport start",
		"The transport connects to the endpoint",
		map[string]any{"transport": o.cfg.Server.Transport})

	var initResult *mcp.InitializeResult
	if err := o.withAuthRetry(ctx, rec, provider, "initialization", func() error {
		var initErr error
		initResult, initErr = mcpClient.Initialize(ctx, initializeRequest())
		return initErr
	}); err != nil {
		rec.Failure("handshake.initialize", "MCP initialization",
			"The server answers the initialize request", err.Error(), nil)
		return cleanup, nil
	}

	rec.Success("handshake.initialize", "MCP initialization",
		"The server answers the initialize request",
		map[string]any{
			"protocolVersion": initResult.ProtocolVersion,
			"serverName":      initResult.ServerInfo.Name,
			"serverVersion":   initResult.ServerInfo.Version,
		})
	rec.Info("handshake.capabilities", "Server capabilities",
		"Capabilities advertised during initialization",
		map[string]any{
			"tools":     initResult.Capabilities.Tools != nil,
			"resources": initResult.Capabilities.Resources != nil,
			"prompts":   initResult.Capabilities.Prompts != nil,
		})

	o.conn = mcpClient
	return cleanup, nil
}

func initializeRequest() mcp.InitializeRequest {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "mcp-test",
		Version: "1.0.0",
	}
	req.Params.Capabilities = mcp.ClientCapabilities{}
	return req
}

// buildAuthHandler picks the interactive capability for this deployment.
// Returns nil when the run is non-interactive; the provider then fails any
// flow that reaches a redirect.
func (o *Orchestrator) buildAuthHandler() oauth.Handler {
	if !o.cfg.Auth.Interactive {
		return nil
	}
	if o.cfg.Auth.CrossProcess {
		return interactive.NewSessionStoreHandler(interactive.SessionStoreHandlerOptions{
			Store:        o.store,
			RunID:        o.runID,
			Timeout:      o.cfg.Auth.Timeout,
			PollInterval: o.cfg.Auth.PollInterval,
			Sink:         o.sink,
			Logger:       o.logger,
		})
	}
	return interactive.NewLocalBrowserHandler(o.cfg.Auth.RedirectURL, o.cfg.Auth.Timeout, o.logger)
}

// buildClient constructs the mcp-go client, OAuth-wired when the auth mode
// demands it.
func (o *Orchestrator) buildClient(ctx context.Context, rec *check.Recorder, provider *oauth.Provider) (*mcpclient.Client, error) {
	endpoint := o.cfg.Server.URL

	if o.cfg.Auth.Mode == config.AuthModeNone {
		var opts []transport.StreamableHTTPCOption
		if len(o.cfg.Server.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(o.cfg.Server.Headers))
		}
		return mcpclient.NewStreamableHttpClient(endpoint, opts...)
	}

	clientID, clientSecret := o.cfg.Auth.ClientID, o.cfg.Auth.ClientSecret
	if o.cfg.Auth.Keyring && clientID == "" {
		if cached := oauth.NewCredentialCache(o.logger).Load(endpoint); cached != nil {
			clientID, clientSecret = cached.ClientID, cached.ClientSecret
			rec.Info("handshake.cached_client", "Cached client identity",
				"A previously registered client identity was found in the keyring",
				map[string]any{"hasSecret": clientSecret != ""})
		}
	}

	if o.cfg.Auth.Mode == config.AuthModeClientCredentials {
		if err := o.seedClientCredentialsToken(ctx, provider, clientID, clientSecret); err != nil {
			return nil, err
		}
	}

	resourceURI, err := oauth.DeriveResourceURI(endpoint)
	if err != nil {
		return nil, err
	}
	var rt http.RoundTripper = http.DefaultTransport
	rt = oauth.NewRegistrationTokenRoundTripper(o.cfg.Auth.RegistrationToken, rt)
	rt = oauth.NewResourceRoundTripper(resourceURI, rt, o.logger)

	oauthConfig := mcpclient.OAuthConfig{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  o.cfg.Auth.RedirectURL,
		Scopes:       o.cfg.Auth.Scopes,
		TokenStore:   provider,
		PKCEEnabled:  o.cfg.Auth.Mode == config.AuthModeAuthorizationCode,
		HTTPClient:   &http.Client{Transport: rt},
	}
	return mcpclient.NewOAuthStreamableHttpClient(endpoint, oauthConfig)
}

// seedClientCredentialsToken performs the client_credentials grant up front
// so the transport finds a valid token in the store and never needs a
// redirect. The provider records the exchange.
func (o *Orchestrator) seedClientCredentialsToken(ctx context.Context, provider *oauth.Provider, clientID, clientSecret string) error {
	prm, err := oauth.DiscoverProtectedResourceMetadata(ctx, o.cfg.Server.URL, nil, o.logger)
	if err != nil {
		return errors.Wrap(err, "discover protected resource metadata")
	}
	issuer, err := oauth.SelectAuthorizationServer(prm, o.cfg.Auth.PreferredAS)
	if err != nil {
		return err
	}
	asMeta, err := oauth.DiscoverAuthorizationServerMetadata(ctx, issuer, o.logger)
	if err != nil {
		return errors.Wrap(err, "discover authorization server metadata")
	}

	resourceURI, err := oauth.DeriveResourceURI(o.cfg.Server.URL)
	if err != nil {
		return err
	}
	httpClient := &http.Client{
		Transport: oauth.NewResourceRoundTripper(resourceURI, nil, o.logger),
		Timeout:   30 * time.Second,
	}

	token, err := oauth.ClientCredentialsGrant(ctx, httpClient, asMeta.TokenEndpoint,
		clientID, clientSecret, o.cfg.Auth.Scopes)
	if err != nil {
		return errors.Wrap(err, "client credentials grant")
	}
	return provider.SaveToken(ctx, token)
}

// withAuthRetry runs fn once and, when it fails with an
// authorization-required error, drives the OAuth flow and retries exactly
// once.
func (o *Orchestrator) withAuthRetry(ctx context.Context, rec *check.Recorder, provider *oauth.Provider, operation string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !mcpclient.IsOAuthAuthorizationRequiredError(err) {
		return err
	}

	o.logger.Info("authorization required", zap.String("operation", operation))
	if authErr := o.runAuthorizationFlow(ctx, rec, provider, err); authErr != nil {
		return errors.Wrap(authErr, "authorization flow")
	}

	if retryErr := fn(); retryErr != nil {
		return errors.Wrapf(retryErr, "%s failed after authorization", operation)
	}
	return nil
}

// runAuthorizationFlow completes the authorization-code flow: dynamic client
// registration when no identity is configured, PKCE setup, the interactive
// redirect, and the code exchange. The provider records a check for each
// step.
func (o *Orchestrator) runAuthorizationFlow(ctx context.Context, rec *check.Recorder, provider *oauth.Provider, authErr error) error {
	handler := mcpclient.GetOAuthHandler(authErr)
	if handler == nil {
		return errors.New("authorization required but the error carried no OAuth handler")
	}

	if handler.GetClientID() == "" {
		if !o.cfg.Auth.UseDCR {
			rec.Failure("oauth-client-registration", "Client registration",
				"A client identity is available for the flow",
				"no client_id configured and dynamic client registration disabled", nil)
			return errors.New("no client identity available")
		}
		if err := handler.RegisterClient(ctx, "mcp-test"); err != nil {
			rec.Failure("oauth-client-registration", "Client registration",
				"Dynamic client registration succeeds", err.Error(), nil)
			return errors.Wrap(err, "dynamic client registration")
		}
		info := oauth.ClientInformation{ClientID: handler.GetClientID()}
		if err := provider.SaveClientInformation(ctx, info); err != nil {
			return err
		}
		if o.cfg.Auth.Keyring {
			oauth.NewCredentialCache(o.logger).Save(o.cfg.Server.URL, info)
		}
	}

	verifier, err := mcpclient.GenerateCodeVerifier()
	if err != nil {
		return errors.Wrap(err, "generate code verifier")
	}
	codeChallenge := mcpclient.GenerateCodeChallenge(verifier)
	if err := provider.SaveCodeVerifier(ctx, verifier); err != nil {
		return err
	}

	state, err := provider.State()
	if err != nil {
		return err
	}
	authURL, err := handler.GetAuthorizationURL(ctx, state, codeChallenge)
	if err != nil {
		return errors.Wrap(err, "build authorization URL")
	}

	if err := provider.RedirectToAuthorization(ctx, authURL); err != nil {
		return err
	}

	code, err := provider.AuthorizationCode()
	if err != nil {
		return err
	}
	storedVerifier, err := provider.CodeVerifier()
	if err != nil {
		return err
	}

	// ProcessAuthorizationResponse exchanges the code; the resulting
	// SaveToken on the provider records the exchange check.
	if err := handler.ProcessAuthorizationResponse(ctx, code, state, storedVerifier); err != nil {
		rec.Failure("oauth-token-exchange", "Token exchange",
			"The authorization code exchanges for a token set", err.Error(), nil)
		return errors.Wrap(err, "exchange authorization code")
	}
	return nil
}
