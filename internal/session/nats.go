package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// kvBucket holds authorization sessions in multi-process deployments.
	kvBucket = "mcp-test-sessions"

	// kvBucketTTL bounds how long abandoned sessions linger in the bucket.
	// Individual sessions expire earlier via their own ExpiresAt.
	kvBucketTTL = 30 * time.Minute
)

// NATSStore is the multi-process Store backend, persisting sessions in a
// NATS JetStream key-value bucket keyed by run id.
type NATSStore struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	logger *zap.Logger
	now    func() time.Time
}

// NewNATSStore connects to the NATS server at addr and binds (or creates)
// the session bucket.
func NewNATSStore(addr string, logger *zap.Logger) (*NATSStore, error) {
	nc, err := nats.Connect(addr,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to NATS")
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, errors.Wrap(err, "create JetStream context")
	}

	kv, err := js.KeyValue(kvBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: kvBucket,
			TTL:    kvBucketTTL,
		})
	}
	if err != nil {
		nc.Close()
		return nil, errors.Wrapf(err, "bind KV bucket %q", kvBucket)
	}

	return &NATSStore{nc: nc, kv: kv, logger: logger, now: time.Now}, nil
}

// Close releases the NATS connection.
func (n *NATSStore) Close() {
	n.nc.Close()
}

func (n *NATSStore) Create(_ context.Context, runID string, ttl time.Duration) (*Session, error) {
	now := n.now()
	s := &Session{
		RunID:     runID,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := n.put(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (n *NATSStore) Get(_ context.Context, runID string) (*Session, error) {
	s, err := n.load(runID)
	if err != nil {
		return nil, err
	}
	if s.ExpiredAt(n.now()) && s.Status != StatusExpired {
		s.Status = StatusExpired
		// Best effort: make the lazy expiry visible to other readers.
		if err := n.put(s); err != nil {
			n.logger.Warn("failed to persist lazy session expiry",
				zap.String("run_id", runID), zap.Error(err))
		}
	}
	return s, nil
}

func (n *NATSStore) SetAuthorizationURL(_ context.Context, runID, authURL, originalState string) error {
	s, err := n.load(runID)
	if err != nil {
		return err
	}
	s.AuthorizationURL = authURL
	s.OriginalState = originalState
	return n.put(s)
}

func (n *NATSStore) UpdateWithCallback(_ context.Context, runID, code, state string) error {
	s, err := n.load(runID)
	if err != nil {
		return err
	}
	if s.Status == StatusExpired || s.ExpiredAt(n.now()) {
		s.Status = StatusExpired
		_ = n.put(s)
		return ErrExpired
	}
	s.Status = StatusCallbackReceived
	s.Callback = &CallbackData{Code: code, State: state}
	return n.put(s)
}

func (n *NATSStore) UpdateWithError(_ context.Context, runID, message string) error {
	s, err := n.load(runID)
	if err != nil {
		return err
	}
	s.Status = StatusError
	s.Error = message
	return n.put(s)
}

func (n *NATSStore) MarkExpired(_ context.Context, runID string) error {
	s, err := n.load(runID)
	if err != nil {
		return err
	}
	s.Status = StatusExpired
	return n.put(s)
}

func (n *NATSStore) Delete(_ context.Context, runID string) error {
	err := n.kv.Delete(runID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return errors.Wrap(err, "delete session")
}

func (n *NATSStore) load(runID string) (*Session, error) {
	entry, err := n.kv.Get(runID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get session")
	}
	var s Session
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return nil, errors.Wrap(err, "decode session")
	}
	return &s, nil
}

func (n *NATSStore) put(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	if _, err := n.kv.Put(s.RunID, data); err != nil {
		return errors.Wrap(err, "put session")
	}
	return nil
}
