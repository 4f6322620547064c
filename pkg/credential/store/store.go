// Package store provides durable credential storage. The pool depends
// only on the load/save contract here; persistence itself is pluggable.
package store

import (
	"context"

	"github.com/itsharex/proxycast/pkg/credential"
)

// Store is the persistence contract the core depends on. Load returns
// the full credential set at startup; Save and Delete track incremental
// mutations pushed by the pool and the admin layer.
type Store interface {
	// Load returns every persisted credential.
	Load(ctx context.Context) ([]*credential.Credential, error)

	// SaveCredential inserts or updates one credential.
	SaveCredential(cred *credential.Credential) error

	// Delete removes one credential by id.
	Delete(ctx context.Context, id string) error

	// Close releases backend resources.
	Close() error
}
