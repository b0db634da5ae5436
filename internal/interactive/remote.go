package interactive

import (
	"context"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/tobinsouth/mcp-test/internal/session"
)

// URLSink is notified once the rewritten authorization URL is ready to be
// presented to the user by whatever owns the user-facing surface.
type URLSink func(authURL string)

// SessionStoreHandler drives authorization when the process initiating it is
// not the process receiving the callback. The session store is the only
// state shared with the callback receiver: the handler parks the pending
// authorization there under the run id and polls until the receiver records
// a callback.
//
// The URL's state parameter is rewritten to the run id so the out-of-band
// receiver can resolve which session a callback belongs to; the original
// state value is retained in the session for CSRF comparison.
type SessionStoreHandler struct {
	store        session.Store
	runID        string
	timeout      time.Duration
	pollInterval time.Duration
	sink         URLSink
	logger       *zap.Logger
}

// SessionStoreHandlerOptions configures a SessionStoreHandler.
type SessionStoreHandlerOptions struct {
	Store        session.Store
	RunID        string
	Timeout      time.Duration
	PollInterval time.Duration
	Sink         URLSink
	Logger       *zap.Logger
}

// NewSessionStoreHandler creates the cross-process handler.
func NewSessionStoreHandler(opts SessionStoreHandlerOptions) *SessionStoreHandler {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &SessionStoreHandler{
		store:        opts.Store,
		runID:        opts.RunID,
		timeout:      opts.Timeout,
		pollInterval: opts.PollInterval,
		sink:         opts.Sink,
		logger:       opts.Logger,
	}
}

// OnAuthorizationRequired creates the pending session, rewrites the state
// parameter, and hands the URL to the sink.
func (h *SessionStoreHandler) OnAuthorizationRequired(ctx context.Context, authURL string) error {
	if _, err := h.store.Create(ctx, h.runID, h.timeout); err != nil {
		return errors.Wrap(err, "create authorization session")
	}

	rewritten, originalState, err := EncodeRunIDState(authURL, h.runID)
	if err != nil {
		return err
	}

	if err := h.store.SetAuthorizationURL(ctx, h.runID, rewritten, originalState); err != nil {
		return errors.Wrap(err, "store authorization URL")
	}

	h.logger.Info("authorization URL ready for out-of-band consent",
		zap.String("run_id", h.runID))
	if h.sink != nil {
		h.sink(rewritten)
	}
	return nil
}

// WaitForCallback polls the session store until the callback is recorded,
// the receiver stored an error, or the session expires. On success the
// session is deleted and the original (pre-rewrite) state is returned.
func (h *SessionStoreHandler) WaitForCallback(ctx context.Context) (string, string, error) {
	deadline := time.NewTimer(h.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-deadline.C:
			// Expired, not errored: a late callback gets a 410 from the
			// receiver instead of being read as a denial.
			if err := h.store.MarkExpired(ctx, h.runID); err != nil {
				h.logger.Debug("failed to mark session expired", zap.Error(err))
			}
			return "", "", ErrCallbackTimeout
		case <-ticker.C:
			sess, err := h.store.Get(ctx, h.runID)
			if err != nil {
				return "", "", errors.Wrap(err, "poll authorization session")
			}
			switch sess.Status {
			case session.StatusCallbackReceived:
				if sess.Callback == nil {
					return "", "", errors.New("session marked callback_received without callback data")
				}
				code := sess.Callback.Code
				originalState := sess.OriginalState
				if err := h.store.Delete(ctx, h.runID); err != nil {
					h.logger.Debug("failed to delete completed session", zap.Error(err))
				}
				return code, originalState, nil
			case session.StatusError:
				return "", "", errors.Wrapf(ErrAuthorizationDenied, "%s", sess.Error)
			case session.StatusExpired:
				return "", "", ErrCallbackTimeout
			case session.StatusPending:
				// Keep polling.
			default:
				return "", "", errors.Newf("unexpected session status %q", sess.Status)
			}
		}
	}
}

// EncodeRunIDState swaps the state query parameter of authURL for runID,
// returning the rewritten URL and the original state value. Shared with the
// callback receiver, which performs the reverse lookup.
func EncodeRunIDState(authURL, runID string) (rewritten, originalState string, err error) {
	parsed, err := url.Parse(authURL)
	if err != nil {
		return "", "", errors.Wrap(err, "parse authorization URL")
	}
	q := parsed.Query()
	originalState = q.Get("state")
	q.Set("state", runID)
	parsed.RawQuery = q.Encode()
	return parsed.String(), originalState, nil
}
