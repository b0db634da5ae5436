// Package oauth implements the authorization provider for OAuth-protected
// MCP servers: credential, PKCE, and token caching with an auditable check
// recorded for every state transition. The OAuth handshake itself (code
// exchange, refresh) stays in the protocol client; this package only feeds
// it and observes it.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/url"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/looplab/fsm"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"

	"github.com/tobinsouth/mcp-test/internal/check"
)

// Flow states tracked by the provider's state machine.
const (
	flowIdle         = "idle"
	flowRegistered   = "registered"
	flowPKCEReady    = "pkce_ready"
	flowAwaitingAuth = "awaiting_authorization"
	flowAuthorized   = "authorized"
	flowExchanged    = "exchanged"
)

// Flow events.
const (
	eventRegister     = "register"
	eventSaveVerifier = "save_verifier"
	eventRedirect     = "redirect"
	eventCallback     = "callback"
	eventExchange     = "exchange"
	eventInvalidate   = "invalidate"
)

// Sentinel errors for the authorization failure taxonomy. Every branch that
// returns one of these has already recorded a matching FAILURE check.
var (
	ErrNoCodeVerifier       = errors.New("no PKCE code verifier has been saved")
	ErrNoAuthorizationCode  = errors.New("no authorization code has been received")
	ErrNoToken              = errors.New("no token available")
	ErrStateMismatch        = errors.New("authorization state mismatch (CSRF protection)")
	ErrInteractionRequired  = errors.New("interactive consent required but no authorization handler is configured")
	ErrInvalidFlowStateBase = errors.New("invalid authorization flow state")
)

// InvalidateScope selects which cached credentials to drop.
type InvalidateScope string

const (
	InvalidateAll      InvalidateScope = "all"
	InvalidateClient   InvalidateScope = "client"
	InvalidateTokens   InvalidateScope = "tokens"
	InvalidateVerifier InvalidateScope = "verifier"
)

// ClientInformation is the registered OAuth client identity.
type ClientInformation struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Handler is the interactive branch of the authorization flow: something that
// can put the authorization URL in front of a human and deliver the callback.
// Implementations live in the interactive package.
type Handler interface {
	OnAuthorizationRequired(ctx context.Context, authURL string) error
	WaitForCallback(ctx context.Context) (code, state string, err error)
}

// Provider caches everything the protocol client needs to complete an
// OAuth-protected connection and records a check for each transition. It
// satisfies the protocol client's token-store plug point.
//
// A provider belongs to a single run; its state token is stable for the
// lifetime of the instance.
type Provider struct {
	mu       sync.Mutex
	recorder *check.Recorder
	handler  Handler
	logger   *zap.Logger
	flow     *fsm.FSM

	client     *ClientInformation
	token      *transport.Token
	verifier   string
	stateTok   string
	authCode   string
	tokenSaves int
}

// NewProvider creates a provider recording into rec. handler may be nil for
// non-interactive deployments; the flow then hard-stops at any authorization
// redirect.
func NewProvider(rec *check.Recorder, handler Handler, logger *zap.Logger) *Provider {
	return &Provider{
		recorder: rec,
		handler:  handler,
		logger:   logger,
		flow:     newFlowFSM(),
	}
}

func newFlowFSM() *fsm.FSM {
	return fsm.NewFSM(
		flowIdle,
		fsm.Events{
			{Name: eventRegister, Src: []string{flowIdle}, Dst: flowRegistered},
			{Name: eventSaveVerifier, Src: []string{flowIdle, flowRegistered}, Dst: flowPKCEReady},
			{Name: eventRedirect, Src: []string{flowIdle, flowRegistered, flowPKCEReady}, Dst: flowAwaitingAuth},
			{Name: eventCallback, Src: []string{flowAwaitingAuth}, Dst: flowAuthorized},
			{Name: eventExchange, Src: []string{flowIdle, flowRegistered, flowPKCEReady, flowAwaitingAuth, flowAuthorized, flowExchanged}, Dst: flowExchanged},
			{Name: eventInvalidate, Src: []string{flowIdle, flowRegistered, flowPKCEReady, flowAwaitingAuth, flowAuthorized, flowExchanged}, Dst: flowIdle},
		},
		fsm.Callbacks{},
	)
}

// step advances the flow machine, tolerating no-op transitions.
func (p *Provider) step(ctx context.Context, event string) error {
	err := p.flow.Event(ctx, event)
	if err == nil {
		return nil
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return nil
	}
	return errors.Wrapf(ErrInvalidFlowStateBase, "%s in state %s", event, p.flow.Current())
}

// FlowState returns the current flow-machine state, for check details.
func (p *Provider) FlowState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flow.Current()
}

// ClientInformation returns the cached registered client identity, or nil.
func (p *Provider) ClientInformation() *ClientInformation {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	c := *p.client
	return &c
}

// SaveClientInformation caches the registered client identity and records the
// registration as a check. Client ids that parse as HTTPS URLs are Client ID
// Metadata Documents rather than plain registered ids.
func (p *Provider) SaveClientInformation(ctx context.Context, info ClientInformation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.step(ctx, eventRegister); err != nil {
		return err
	}
	p.client = &info

	p.recorder.Add(check.Check{
		ID:          "oauth-client-registration",
		Name:        "OAuth client registration",
		Description: "Client identity cached for the authorization flow",
		Status:      check.StatusSuccess,
		Details: map[string]any{
			"clientIdKind": clientIDKind(info.ClientID),
			"secretIssued": info.ClientSecret != "",
		},
		SpecRefs: []string{"RFC 7591"},
	})
	return nil
}

// clientIDKind distinguishes a bare client id from a URL-addressable Client
// ID Metadata Document.
func clientIDKind(clientID string) string {
	u, err := url.Parse(clientID)
	if err == nil && u.Scheme == "https" && u.Host != "" {
		return "metadata-document-url"
	}
	return "string"
}

// GetToken returns the cached token set. Satisfies the protocol client's
// token store contract.
func (p *Provider) GetToken(_ context.Context) (*transport.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == nil {
		return nil, ErrNoToken
	}
	t := *p.token
	return &t, nil
}

// SaveToken caches a token set, distinguishing the first acquisition (token
// exchange) from later ones (token refresh). Token shape is recorded; raw
// secret values are not.
func (p *Provider) SaveToken(ctx context.Context, token *transport.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if token == nil {
		return errors.New("cannot save nil token")
	}
	if err := p.step(ctx, eventExchange); err != nil {
		return err
	}
	p.token = token
	p.tokenSaves++

	id, name := "oauth-token-exchange", "Token exchange"
	if p.tokenSaves > 1 {
		id, name = "oauth-token-refresh", "Token refresh"
	}
	p.recorder.Add(check.Check{
		ID:          id,
		Name:        name,
		Description: "Token set issued by the authorization server",
		Status:      check.StatusSuccess,
		Details: map[string]any{
			"hasAccessToken":  token.AccessToken != "",
			"hasRefreshToken": token.RefreshToken != "",
			"expiresAt":       token.ExpiresAt,
			"scope":           token.Scope,
			"tokenType":       token.TokenType,
		},
		SpecRefs: []string{"RFC 6749"},
	})
	return nil
}

// SaveCodeVerifier caches the PKCE verifier for the current authorization
// attempt. The verifier value itself is never recorded.
func (p *Provider) SaveCodeVerifier(ctx context.Context, verifier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if verifier == "" {
		return errors.New("cannot save empty code verifier")
	}
	if err := p.step(ctx, eventSaveVerifier); err != nil {
		return err
	}
	p.verifier = verifier

	p.recorder.Add(check.Check{
		ID:          "oauth-code-verifier",
		Name:        "PKCE code verifier generated",
		Status:      check.StatusSuccess,
		Details:     map[string]any{"verifierLength": len(verifier)},
		SpecRefs:    []string{"RFC 7636"},
		Description: "Code verifier cached for the pending authorization",
	})
	return nil
}

// CodeVerifier returns the cached PKCE verifier. Calling it before
// SaveCodeVerifier is an invalid-state error.
func (p *Provider) CodeVerifier() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verifier == "" {
		return "", ErrNoCodeVerifier
	}
	return p.verifier, nil
}

// State lazily generates the per-instance CSRF state token. The value is
// stable for the lifetime of the provider.
func (p *Provider) State() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Provider) stateLocked() (string, error) {
	if p.stateTok != "" {
		return p.stateTok, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generate state token")
	}
	p.stateTok = base64.RawURLEncoding.EncodeToString(buf)
	return p.stateTok, nil
}

// AuthorizationCode returns the code received from the interactive flow.
// Calling it before a callback has been accepted is an invalid-state error.
func (p *Provider) AuthorizationCode() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.authCode == "" {
		return "", ErrNoAuthorizationCode
	}
	return p.authCode, nil
}

// RedirectToAuthorization is the interactive branch point. It always records
// an INFO check describing the authorization URL's shape, then either drives
// the configured handler through consent and callback, or hard-stops when no
// handler is available. The flow never proceeds silently without either a
// handler or pre-provisioned credentials.
func (p *Provider) RedirectToAuthorization(ctx context.Context, authURL string) error {
	p.mu.Lock()

	p.recorder.Add(check.Check{
		ID:          "oauth-authorization-redirect",
		Name:        "Authorization redirect",
		Description: "Authorization URL produced for user consent",
		Status:      check.StatusInfo,
		Details:     describeAuthorizationURL(authURL),
	})

	if p.handler == nil {
		p.recorder.Add(check.Check{
			ID:           "oauth-interactive-handler",
			Name:         "Interactive authorization",
			Status:       check.StatusFailure,
			ErrorMessage: "interactive consent required but no authorization handler is configured",
		})
		p.mu.Unlock()
		return ErrInteractionRequired
	}

	if err := p.step(ctx, eventRedirect); err != nil {
		p.mu.Unlock()
		return err
	}
	expectedState, err := p.stateLocked()
	handler := p.handler
	p.mu.Unlock()
	if err != nil {
		return err
	}

	// The handler waits on the network; do not hold the lock across it.
	if err := handler.OnAuthorizationRequired(ctx, authURL); err != nil {
		p.failCallback("failed to present authorization URL: " + err.Error())
		return errors.Wrap(err, "present authorization URL")
	}
	code, gotState, err := handler.WaitForCallback(ctx)
	if err != nil {
		p.failCallback("authorization callback not received: " + err.Error())
		return errors.Wrap(err, "wait for authorization callback")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if gotState != expectedState {
		p.recorder.Add(check.Check{
			ID:           "oauth-callback-state",
			Name:         "Authorization callback state",
			Status:       check.StatusFailure,
			ErrorMessage: "callback state does not match the provider's state token",
		})
		return ErrStateMismatch
	}

	if err := p.step(ctx, eventCallback); err != nil {
		return err
	}
	p.authCode = code
	p.recorder.Add(check.Check{
		ID:          "oauth-callback-state",
		Name:        "Authorization callback state",
		Description: "Callback received with matching CSRF state",
		Status:      check.StatusSuccess,
	})
	return nil
}

// failCallback records the callback-path FAILURE check under the provider's
// lock.
func (p *Provider) failCallback(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorder.Add(check.Check{
		ID:           "oauth-callback-wait",
		Name:         "Authorization callback",
		Status:       check.StatusFailure,
		ErrorMessage: msg,
	})
}

// InvalidateCredentials clears the cached state named by scope and records a
// WARNING. Used by the protocol client when it detects stale or rejected
// credentials.
func (p *Provider) InvalidateCredentials(ctx context.Context, scope InvalidateScope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch scope {
	case InvalidateAll:
		p.client = nil
		p.token = nil
		p.verifier = ""
		p.authCode = ""
		p.tokenSaves = 0
		if err := p.step(ctx, eventInvalidate); err != nil {
			return err
		}
	case InvalidateClient:
		p.client = nil
	case InvalidateTokens:
		p.token = nil
	case InvalidateVerifier:
		p.verifier = ""
	default:
		return errors.Newf("unknown invalidation scope %q", scope)
	}

	p.recorder.Add(check.Check{
		ID:           "oauth-credentials-invalidated",
		Name:         "Credentials invalidated",
		Status:       check.StatusWarning,
		ErrorMessage: "cached credentials invalidated: " + string(scope),
		Details:      map[string]any{"scope": string(scope)},
	})
	return nil
}

// describeAuthorizationURL extracts the shape of an authorization URL without
// reproducing any secret material.
func describeAuthorizationURL(authURL string) map[string]any {
	details := map[string]any{"parseable": false}
	u, err := url.Parse(authURL)
	if err != nil {
		return details
	}
	q := u.Query()
	details["parseable"] = true
	details["authorizationHost"] = u.Host
	details["hasCodeChallenge"] = q.Get("code_challenge") != ""
	details["codeChallengeMethod"] = q.Get("code_challenge_method")
	details["hasState"] = q.Get("state") != ""
	details["hasResourceIndicator"] = q.Get("resource") != ""
	if scope := q.Get("scope"); scope != "" {
		details["requestedScopes"] = strings.Fields(scope)
	}
	return details
}
