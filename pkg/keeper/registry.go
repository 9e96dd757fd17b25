package keeper

import (
	"context"
	"time"
)

// Registry is the Keeper Key Registry port. There is no delete operation.
type Registry interface {
	RegisterKey(ctx context.Context, key KeeperKey) (*KeeperKey, error)
	GetKey(ctx context.Context, keyID string) (*KeeperKey, error)
	// GetActiveKeyForKeeper returns the key active at the given instant.
	// Unknown keepers fail with ErrKeeperNotFound, keepers with no key
	// active at that instant with ErrNoActiveKey.
	GetActiveKeyForKeeper(ctx context.Context, keeperID string, at time.Time) (*KeeperKey, error)
	// GetAllKeysForKeeper returns every key ever registered, ordered by active_from.
	GetAllKeysForKeeper(ctx context.Context, keeperID string) ([]KeeperKey, error)
	// DeactivateKey sets active_until. It never extends an existing bound.
	DeactivateKey(ctx context.Context, keyID string, at time.Time) error
	ListKeepers(ctx context.Context) ([]string, error)

	SaveTransition(ctx context.Context, t Transition) error
	GetTransition(ctx context.Context, oldKeyID string) (*Transition, error)
	ListTransitions(ctx context.Context, status TransitionStatus) ([]Transition, error)

	RecordRevocation(ctx context.Context, r Revocation) error
	ListRevocations(ctx context.Context, keeperID string) ([]Revocation, error)
}
