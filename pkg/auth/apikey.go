// Package auth validates the client-facing API keys that admit
// requests to the gateway. It validates callers of the gateway, not
// the upstream provider credentials, which live in the credential pool.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
)

// Errors returned by Validate.
var (
	ErrMissingKey  = errors.New("missing API key")
	ErrInvalidKey  = errors.New("invalid API key")
	ErrDisabledKey = errors.New("API key disabled")
)

// KeyInfo describes one configured client key.
type KeyInfo struct {
	// Key is the secret value presented by clients
	Key string

	// Name labels the key in logs without exposing the secret
	Name string

	// Enabled gates the key without deleting it
	Enabled bool
}

// Validator validates client API keys against a configured set. An
// empty set disables authentication, for local single-user use.
type Validator struct {
	mu   sync.RWMutex
	keys map[string]*KeyInfo
}

// NewValidator creates a validator over the given keys.
func NewValidator(keys []*KeyInfo) *Validator {
	keyMap := make(map[string]*KeyInfo, len(keys))
	for _, k := range keys {
		keyMap[k.Key] = k
	}
	return &Validator{keys: keyMap}
}

// Open reports whether authentication is disabled because no keys are
// configured.
func (v *Validator) Open() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys) == 0
}

// Validate checks one presented key.
func (v *Validator) Validate(key string) (*KeyInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.keys) == 0 {
		return &KeyInfo{Name: "anonymous", Enabled: true}, nil
	}
	if key == "" {
		return nil, ErrMissingKey
	}

	// Constant-time scan so valid and invalid keys take the same path.
	var found *KeyInfo
	for candidate, info := range v.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			found = info
		}
	}
	if found == nil {
		return nil, ErrInvalidKey
	}
	if !found.Enabled {
		return nil, ErrDisabledKey
	}
	return found, nil
}

// Replace swaps the whole key set, used on configuration reload.
func (v *Validator) Replace(keys []*KeyInfo) {
	keyMap := make(map[string]*KeyInfo, len(keys))
	for _, k := range keys {
		keyMap[k.Key] = k
	}
	v.mu.Lock()
	v.keys = keyMap
	v.mu.Unlock()
}

// FromRequest extracts the client key from the headers the three client
// protocols use: Authorization bearer tokens, x-api-key, and the Gemini
// x-goog-api-key.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	if h := r.Header.Get("x-api-key"); h != "" {
		return h
	}
	if h := r.Header.Get("x-goog-api-key"); h != "" {
		return h
	}
	return r.URL.Query().Get("key")
}
