// Package session provides the shared store for pending cross-process OAuth
// authorization sessions, keyed by run id.
//
// The store is the only state shared between the process that initiates an
// authorization and the process that receives the callback. Callers must not
// assume in-process visibility of writes made by another component; both the
// in-memory backend (single process) and the NATS JetStream KV backend
// (multi-process) satisfy the same contract.
package session

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// Session status values.
const (
	StatusPending          = "pending"
	StatusCallbackReceived = "callback_received"
	StatusError            = "error"
	StatusExpired          = "expired"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound = errors.New("authorization session not found")
	ErrExpired  = errors.New("authorization session expired")
)

// CallbackData carries the authorization response delivered to the callback
// endpoint.
type CallbackData struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// Session is one pending cross-process authorization. A session belongs to
// exactly one run id and is never shared across concurrent runs.
type Session struct {
	RunID            string        `json:"runId"`
	Status           string        `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
	ExpiresAt        time.Time     `json:"expiresAt"`
	AuthorizationURL string        `json:"authorizationUrl,omitempty"`
	OriginalState    string        `json:"originalState,omitempty"`
	Callback         *CallbackData `json:"callbackData,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// ExpiredAt reports whether the session has passed its deadline at the given
// instant, regardless of the stored status.
func (s *Session) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store is the pluggable session backend.
//
// Get must lazily mark a session expired once the current time passes
// ExpiresAt, even if no writer ever set that status.
type Store interface {
	Create(ctx context.Context, runID string, ttl time.Duration) (*Session, error)
	Get(ctx context.Context, runID string) (*Session, error)
	SetAuthorizationURL(ctx context.Context, runID, authURL, originalState string) error
	UpdateWithCallback(ctx context.Context, runID, code, state string) error
	UpdateWithError(ctx context.Context, runID, message string) error
	MarkExpired(ctx context.Context, runID string) error
	Delete(ctx context.Context, runID string) error
}
