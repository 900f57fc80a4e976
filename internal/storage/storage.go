// Package storage provides the two-tier key-value storage the agent
// persists into: a durable tier that survives restarts (vault, setup
// flags) and a session tier that the host guarantees is cleared when
// the process ends (decrypted seed, active index, cached JWTs).
//
// Backends are selected by DSN through Open: "mem://",
// "sqlite://<path>" and "s3://bucket/prefix". The session tier is
// always in-memory; the agent never writes session keys durably.
package storage

import "context"

// Store is a minimal key-value store. Get and Delete return
// common.ErrNotFound for missing keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Tiers bundles the two storage namespaces handed to the agent.
type Tiers struct {
	// Durable survives restarts.
	Durable Store
	// Session is cleared when the process ends. Secrets cached here
	// must additionally be deleted on lock.
	Session Store
}
