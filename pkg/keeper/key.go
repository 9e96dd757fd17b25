// Package keeper manages the lifecycle of keeper signing keys: registration,
// point-in-time lookup, overlapping rotation and emergency revocation.
//
// Keys are never deleted. active_until is the only field that changes after
// registration, and it can only move earlier.
package keeper

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"
)

var (
	ErrKeyNotFound          = errors.New("keeper: key not found")
	ErrKeeperNotFound       = errors.New("keeper: keeper has no registered keys")
	ErrDuplicateKeyID       = errors.New("keeper: key id already registered")
	ErrNoActiveKey          = errors.New("keeper: no key active at the requested time")
	ErrInvalidPublicKey     = errors.New("keeper: public key must be 32 bytes")
	ErrInvalidKey           = errors.New("keeper: invalid key")
	ErrWindowExtension      = errors.New("keeper: active_until may only move earlier")
	ErrTransitionNotFound   = errors.New("keeper: no active transition for key")
	ErrTransitionInProgress = errors.New("keeper: key is already in a transition")
	ErrTransitionWindowOpen = errors.New("keeper: transition window has not elapsed")
	ErrInvalidTransition    = errors.New("keeper: invalid transition")
	ErrInvalidRevocation    = errors.New("keeper: revocation requires a reason and a revoker")
	ErrSignatureInvalid     = errors.New("keeper: signature does not verify")
)

// KeeperKey is one signing key of one keeper.
type KeeperKey struct {
	ID          string            `json:"id"`
	KeeperID    string            `json:"keeper_id"`
	KeyID       string            `json:"key_id"`
	PublicKey   ed25519.PublicKey `json:"public_key"`
	ActiveFrom  time.Time         `json:"active_from"`
	ActiveUntil *time.Time        `json:"active_until,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// IsActiveAt reports whether the key may sign at t: active_from <= t and,
// when bounded, t < active_until.
func (k KeeperKey) IsActiveAt(t time.Time) bool {
	if t.Before(k.ActiveFrom) {
		return false
	}
	return k.ActiveUntil == nil || t.Before(*k.ActiveUntil)
}

func (k KeeperKey) validate() error {
	switch {
	case k.KeeperID == "":
		return fmt.Errorf("%w: keeper_id is required", ErrInvalidKey)
	case k.KeyID == "":
		return fmt.Errorf("%w: key_id is required", ErrInvalidKey)
	case len(k.PublicKey) != ed25519.PublicKeySize:
		return fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(k.PublicKey))
	case k.ActiveFrom.IsZero():
		return fmt.Errorf("%w: active_from is required", ErrInvalidKey)
	case k.ActiveUntil != nil && !k.ActiveUntil.After(k.ActiveFrom):
		return fmt.Errorf("%w: active_until must be after active_from", ErrInvalidKey)
	}
	return nil
}

// newestActive picks the key active at t with the latest active_from. During
// a rotation overlap this is the incoming key.
func newestActive(keys []KeeperKey, at time.Time) *KeeperKey {
	var best *KeeperKey
	for i := range keys {
		k := keys[i]
		if !k.IsActiveAt(at) {
			continue
		}
		if best == nil || k.ActiveFrom.After(best.ActiveFrom) {
			best = &k
		}
	}
	return best
}

// TransitionStatus tracks an overlapping rotation.
type TransitionStatus string

const (
	TransitionActive    TransitionStatus = "active"
	TransitionCompleted TransitionStatus = "completed"
	TransitionRevoked   TransitionStatus = "revoked"
)

// Transition is an in-flight or finished rotation from OldKeyID to NewKeyID.
type Transition struct {
	OldKeyID    string           `json:"old_key_id"`
	NewKeyID    string           `json:"new_key_id"`
	KeeperID    string           `json:"keeper_id"`
	StartedAt   time.Time        `json:"started_at"`
	EndsAt      time.Time        `json:"ends_at"`
	Status      TransitionStatus `json:"status"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Revocation is the audit record of an emergency revocation.
type Revocation struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"key_id"`
	KeeperID  string    `json:"keeper_id"`
	Reason    string    `json:"reason"`
	RevokedBy string    `json:"revoked_by"`
	RevokedAt time.Time `json:"revoked_at"`
}
