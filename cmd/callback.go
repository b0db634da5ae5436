package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tobinsouth/mcp-test/internal/session"
)

var (
	callbackNATSAddr string
	callbackListen   string
	callbackPath     string
)

var callbackCmd = &cobra.Command{
	Use:   "callback",
	Short: "Receive out-of-band OAuth callbacks for cross-process runs",
	Long: `Callback runs the HTTP receiver for authorization callbacks when the
test run itself cannot listen (headless hosts, containers, CI). It shares
the NATS-backed session store with the run process: the state parameter of
an incoming callback is the run id, which resolves the pending session.

Start this process before the run, pointed at the same NATS server, and
register its public URL as the OAuth redirect URL.`,
	RunE: runCallback,
}

func runCallback(cmd *cobra.Command, args []string) error {
	store, err := session.NewNATSStore(callbackNATSAddr, logger)
	if err != nil {
		return &exitError{code: exitRuntime, err: err}
	}
	defer store.Close()

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleCallback(r.Context(), store, w, r)
	})

	server := &http.Server{
		Addr:         callbackListen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("callback receiver listening",
			zap.String("addr", callbackListen), zap.String("path", callbackPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return &exitError{code: exitRuntime, err: err}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return nil
}

// handleCallback resolves the pending session named by the state parameter
// and records the authorization outcome in the shared store.
func handleCallback(ctx context.Context, store session.Store, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runID := q.Get("state")
	if runID == "" {
		http.Error(w, "Missing state parameter", http.StatusBadRequest)
		return
	}

	if errParam := q.Get("error"); errParam != "" {
		message := errParam
		if desc := q.Get("error_description"); desc != "" {
			message += ": " + desc
		}
		if err := store.UpdateWithError(ctx, runID, message); err != nil {
			respondStoreError(w, runID, err)
			return
		}
		logger.Info("authorization error recorded", zap.String("run_id", runID))
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "Missing code parameter", http.StatusBadRequest)
		return
	}

	if err := store.UpdateWithCallback(ctx, runID, code, runID); err != nil {
		respondStoreError(w, runID, err)
		return
	}

	logger.Info("authorization callback recorded", zap.String("run_id", runID))
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<html><body><h1>Authorization complete</h1><p>You can close this window and return to the test run.</p></body></html>`)
}

func respondStoreError(w http.ResponseWriter, runID string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "Unknown or completed run", http.StatusNotFound)
	case errors.Is(err, session.ErrExpired):
		http.Error(w, "Authorization session expired", http.StatusGone)
	default:
		logger.Error("failed to record callback",
			zap.String("run_id", runID), zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func init() {
	callbackCmd.Flags().StringVar(&callbackNATSAddr, "nats-addr", "nats://127.0.0.1:4222", "NATS server shared with the run process")
	callbackCmd.Flags().StringVar(&callbackListen, "listen", ":8765", "Listen address for the callback endpoint")
	callbackCmd.Flags().StringVar(&callbackPath, "path", "/callback", "HTTP path of the callback endpoint")
	rootCmd.AddCommand(callbackCmd)
}
