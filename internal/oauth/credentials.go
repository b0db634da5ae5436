package oauth

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

// keyringService namespaces our entries in the OS credential store.
const keyringService = "mcp-test"

// CredentialCache persists dynamically registered client credentials in the
// OS keyring so repeated runs against the same server can skip re-registration.
// All operations are best effort: a missing or broken keyring degrades to
// fresh registration, never to a failed run.
type CredentialCache struct {
	logger *zap.Logger
}

// NewCredentialCache creates a keyring-backed cache.
func NewCredentialCache(logger *zap.Logger) *CredentialCache {
	return &CredentialCache{logger: logger}
}

// Load returns the cached client identity for serverURL, or nil when none is
// stored or the keyring is unavailable.
func (c *CredentialCache) Load(serverURL string) *ClientInformation {
	raw, err := keyring.Get(keyringService, serverURL)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			c.logger.Debug("keyring read failed", zap.String("server", serverURL), zap.Error(err))
		}
		return nil
	}
	var info ClientInformation
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		c.logger.Warn("discarding unparseable cached client credentials",
			zap.String("server", serverURL), zap.Error(err))
		_ = keyring.Delete(keyringService, serverURL)
		return nil
	}
	return &info
}

// Save stores the client identity for serverURL.
func (c *CredentialCache) Save(serverURL string, info ClientInformation) {
	data, err := json.Marshal(info)
	if err != nil {
		c.logger.Warn("failed to encode client credentials", zap.Error(err))
		return
	}
	if err := keyring.Set(keyringService, serverURL, string(data)); err != nil {
		c.logger.Warn("keyring write failed", zap.String("server", serverURL), zap.Error(err))
	}
}

// Forget removes any cached identity for serverURL.
func (c *CredentialCache) Forget(serverURL string) {
	if err := keyring.Delete(keyringService, serverURL); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		c.logger.Debug("keyring delete failed", zap.String("server", serverURL), zap.Error(err))
	}
}
