// Package registry reads bot identities from the document store (M2).
// The controller owns no write path into this store; it only enumerates
// and loads the bots it deploys.
package registry

import (
	"context"
)

// Bot is a bot identity as owned by the document store: a stable opaque
// id, a display name, and a current rating.
type Bot struct {
	ID          string
	DisplayName string
	Rating      int
}

// Reader lists and loads bot identities.
type Reader interface {
	// ListIDs returns every known bot id, for reconciliation and limbo
	// recovery sweeps.
	ListIDs(ctx context.Context) ([]string, error)

	// Get loads one bot by id. ok is false if no such bot exists.
	Get(ctx context.Context, id string) (bot Bot, ok bool, err error)

	Close()
}
