// Package guard checks candidate IDs against every live and archived
// record in a namespace before a write is attempted.
//
// This pre-check is advisory: the authoritative check-then-insert runs
// inside the store's own transaction. The guard exists so callers in
// non-strict mode get a loggable answer without burning a transaction,
// and so strict callers fail fast with a typed error.
package guard

import (
	"context"
	"fmt"
	"log"

	"github.com/leonletto/keel/internal/safeerr"
	"github.com/leonletto/keel/internal/store"
)

// Guard answers "does this ID already exist?".
type Guard struct {
	store *store.Store
}

// New creates a collision guard over the store.
func New(s *store.Store) *Guard {
	return &Guard{store: s}
}

// Exists reports whether id occupies the namespace. Archived records
// count as collisions by policy: IDs are global per record type and are
// never reissued.
func (g *Guard) Exists(ctx context.Context, ns store.Namespace, id string) (bool, error) {
	exists, _, err := g.store.Exists(ctx, ns, id)
	if err != nil {
		return false, fmt.Errorf("collision check %s/%s: %w", ns, id, err)
	}
	return exists, nil
}

// Ensure fails when id already occupies the namespace. In strict mode
// the caller gets *safeerr.CollisionError; otherwise the collision is
// logged and nil is returned, leaving the final word to the store's
// transactional insert.
func (g *Guard) Ensure(ctx context.Context, ns store.Namespace, id string, strict bool) error {
	exists, archived, err := g.store.Exists(ctx, ns, id)
	if err != nil {
		return fmt.Errorf("collision check %s/%s: %w", ns, id, err)
	}
	if !exists {
		return nil
	}
	if strict {
		return &safeerr.CollisionError{Namespace: string(ns), ID: id, Archived: archived}
	}
	log.Printf("guard: ID %s already exists in namespace %q (non-strict, insert will decide)", id, ns)
	return nil
}
