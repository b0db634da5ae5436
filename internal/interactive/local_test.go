package interactive

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// freeLoopbackURL reserves an ephemeral loopback port and returns a redirect
// URL bound to it.
func freeLoopbackURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return fmt.Sprintf("http://%s/callback", addr)
}

// getWhenReady retries the request until the listener goroutine has bound
// the port.
func getWhenReady(t *testing.T, rawURL string) *http.Response {
	t.Helper()
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(rawURL)
		if err == nil {
			return resp
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("callback listener never became reachable: %v", err)
	return nil
}

func TestLocalHandlerDeliversCallback(t *testing.T) {
	redirectURL := freeLoopbackURL(t)

	var opened string
	h := NewLocalBrowserHandler(redirectURL, time.Minute, zap.NewNop())
	h.openURL = func(u string) error {
		opened = u
		return nil
	}

	require.NoError(t, h.OnAuthorizationRequired(context.Background(), "https://as.example/authorize?state=abc"))
	assert.Equal(t, "https://as.example/authorize?state=abc", opened)

	resp := getWhenReady(t, redirectURL+"?code=authcode-1&state=abc")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, state, err := h.WaitForCallback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "authcode-1", code)
	assert.Equal(t, "abc", state)
}

func TestLocalHandlerFirstCallbackWins(t *testing.T) {
	redirectURL := freeLoopbackURL(t)

	h := NewLocalBrowserHandler(redirectURL, time.Minute, zap.NewNop())
	h.openURL = func(string) error { return nil }
	require.NoError(t, h.OnAuthorizationRequired(context.Background(), "https://as.example/authorize"))

	resp := getWhenReady(t, redirectURL+"?code=first&state=s")
	resp.Body.Close()
	resp = getWhenReady(t, redirectURL+"?code=second&state=s")
	resp.Body.Close()

	code, _, err := h.WaitForCallback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", code)
}

func TestLocalHandlerAuthorizationError(t *testing.T) {
	redirectURL := freeLoopbackURL(t)

	h := NewLocalBrowserHandler(redirectURL, time.Minute, zap.NewNop())
	h.openURL = func(string) error { return nil }
	require.NoError(t, h.OnAuthorizationRequired(context.Background(), "https://as.example/authorize"))

	resp := getWhenReady(t, redirectURL+"?error=access_denied&error_description=nope")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, _, err := h.WaitForCallback(context.Background())
	require.ErrorIs(t, err, ErrAuthorizationDenied)
	assert.Contains(t, err.Error(), "access_denied")
}

func TestLocalHandlerTimeout(t *testing.T) {
	redirectURL := freeLoopbackURL(t)

	h := NewLocalBrowserHandler(redirectURL, 50*time.Millisecond, zap.NewNop())
	h.openURL = func(string) error { return nil }
	require.NoError(t, h.OnAuthorizationRequired(context.Background(), "https://as.example/authorize"))

	_, _, err := h.WaitForCallback(context.Background())
	require.ErrorIs(t, err, ErrCallbackTimeout)
}

func TestLocalHandlerBrowserFailureIsNotFatal(t *testing.T) {
	redirectURL := freeLoopbackURL(t)

	h := NewLocalBrowserHandler(redirectURL, time.Minute, zap.NewNop())
	h.openURL = func(string) error { return fmt.Errorf("no display") }

	assert.NoError(t, h.OnAuthorizationRequired(context.Background(), "https://as.example/authorize"))
	h.shutdown()
}

func TestOpenBrowserRejectsNonHTTPSchemes(t *testing.T) {
	err := openBrowser("javascript:alert(1)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to open")
}
