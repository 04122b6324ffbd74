package fanout

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry maps opaque api keys to user ids. Keys are issued at user
// creation and presented by clients in auth requests; the map is read-mostly
// so lookups take only the read lock.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]string
	byUser map[string]string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byKey:  make(map[string]string),
		byUser: make(map[string]string),
		logger: logger.With("component", "registry"),
	}
}

// IssueKey mints a fresh 128-bit key for the user. Issuing again revokes the
// user's previous key.
func (r *Registry) IssueKey(userID string) string {
	key := uuid.NewString()
	r.mu.Lock()
	if old, ok := r.byUser[userID]; ok {
		delete(r.byKey, old)
	}
	r.byKey[key] = userID
	r.byUser[userID] = key
	r.mu.Unlock()
	r.logger.Debug("api key issued", "user_id", userID)
	return key
}

// Resolve returns the user a key belongs to. Unknown keys resolve to no one,
// including keys that were revoked by reissue.
func (r *Registry) Resolve(apiKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byKey[apiKey]
	return userID, ok
}

// Revoke invalidates a user's current key, if any.
func (r *Registry) Revoke(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byUser[userID]
	if !ok {
		return false
	}
	delete(r.byKey, key)
	delete(r.byUser, userID)
	return true
}
