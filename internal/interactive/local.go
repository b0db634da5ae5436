package interactive

import (
	"context"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// callbackResult is the query material delivered to the loopback listener.
type callbackResult struct {
	code  string
	state string
}

// LocalBrowserHandler drives authorization in the same process as the run:
// it opens the user's browser and accepts exactly one callback on a
// short-lived loopback listener bound to the redirect URL's path.
type LocalBrowserHandler struct {
	redirectURL string
	timeout     time.Duration
	logger      *zap.Logger

	// openURL is swappable for tests.
	openURL func(string) error

	server     *http.Server
	callbackCh chan callbackResult
	errCh      chan error
	once       sync.Once
}

// NewLocalBrowserHandler creates a handler serving callbacks at redirectURL.
// A non-positive timeout falls back to the 5 minute default.
func NewLocalBrowserHandler(redirectURL string, timeout time.Duration, logger *zap.Logger) *LocalBrowserHandler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LocalBrowserHandler{
		redirectURL: redirectURL,
		timeout:     timeout,
		logger:      logger,
		openURL:     openBrowser,
		callbackCh:  make(chan callbackResult, 1),
		errCh:       make(chan error, 1),
	}
}

// OnAuthorizationRequired starts the loopback listener and opens the
// authorization URL in a browser. A browser that fails to open is not fatal;
// the URL is logged for manual use.
func (h *LocalBrowserHandler) OnAuthorizationRequired(_ context.Context, authURL string) error {
	parsed, err := url.Parse(h.redirectURL)
	if err != nil {
		return errors.Wrap(err, "invalid redirect URL")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(parsed.Path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()
		if errParam := q.Get("error"); errParam != "" {
			h.deliverError(errors.Wrapf(ErrAuthorizationDenied, "%s: %s", errParam, q.Get("error_description")))
			http.Error(w, "Authorization failed", http.StatusBadRequest)
			return
		}

		h.deliver(callbackResult{code: q.Get("code"), state: q.Get("state")})
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><h1>Authorization complete</h1><p>You can close this window and return to the terminal.</p></body></html>`))
	})

	h.server = &http.Server{
		Addr:         parsed.Host,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case h.errCh <- errors.Wrap(err, "callback listener"):
			default:
			}
		}
	}()

	h.logger.Info("opening browser for authorization", zap.String("url", authURL))
	if err := h.openURL(authURL); err != nil {
		h.logger.Warn("could not open browser automatically; open the URL manually",
			zap.String("url", authURL), zap.Error(err))
	}
	return nil
}

// deliver accepts the first callback only; later requests are ignored.
func (h *LocalBrowserHandler) deliver(result callbackResult) {
	h.once.Do(func() { h.callbackCh <- result })
}

func (h *LocalBrowserHandler) deliverError(err error) {
	h.once.Do(func() { h.errCh <- err })
}

// WaitForCallback blocks until the callback arrives, the authorization
// server reports an error, or the timeout elapses. The listener is torn down
// before returning.
func (h *LocalBrowserHandler) WaitForCallback(ctx context.Context) (string, string, error) {
	defer h.shutdown()

	select {
	case result := <-h.callbackCh:
		if result.code == "" {
			return "", "", errors.New("authorization callback carried no code")
		}
		return result.code, result.state, nil
	case err := <-h.errCh:
		return "", "", err
	case <-time.After(h.timeout):
		return "", "", ErrCallbackTimeout
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (h *LocalBrowserHandler) shutdown() {
	if h.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		h.logger.Debug("callback listener shutdown", zap.Error(err))
	}
}

// openBrowser opens the URL in the platform's default browser. Only http and
// https URLs are ever handed to the OS.
func openBrowser(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.Newf("refusing to open URL with scheme %q", parsed.Scheme)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", rawURL)
	case "darwin":
		cmd = exec.Command("open", rawURL)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", rawURL)
	default:
		return errors.Newf("unsupported platform %q", runtime.GOOS)
	}
	return cmd.Start()
}
