// Package interactive supplies the two interchangeable implementations of
// the interactive authorization capability: a local-process variant that
// opens a browser and listens for the loopback callback, and a cross-process
// variant that parks the authorization in the session store and polls for an
// out-of-band callback.
//
// Orchestration code never branches on deployment mode; it only sees the
// capability contract (the oauth package's Handler interface, which both
// variants satisfy).
package interactive

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Defaults shared by both handler variants.
const (
	DefaultTimeout      = 5 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

// ErrCallbackTimeout is returned when no authorization callback arrives
// before the configured deadline.
var ErrCallbackTimeout = errors.New("timed out waiting for authorization callback")

// ErrAuthorizationDenied is returned when the authorization server reported
// an error instead of a code.
var ErrAuthorizationDenied = errors.New("authorization was denied")
