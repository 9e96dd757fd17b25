package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AuditSink receives emergency revocations so they can be recorded outside
// the registry (the integrity core appends them to the ledger).
type AuditSink interface {
	KeyRevoked(ctx context.Context, r Revocation) error
}

// RotationManager runs the rotation protocol on top of a Registry.
type RotationManager struct {
	registry Registry
	sink     AuditSink
	clock    func() time.Time
	logger   *slog.Logger
}

func NewRotationManager(registry Registry) *RotationManager {
	return &RotationManager{
		registry: registry,
		clock:    time.Now,
		logger:   slog.Default().With("component", "keeper_rotation"),
	}
}

// WithClock overrides the clock for testing.
func (m *RotationManager) WithClock(clock func() time.Time) *RotationManager {
	m.clock = clock
	return m
}

// WithAuditSink attaches a sink for emergency revocations.
func (m *RotationManager) WithAuditSink(sink AuditSink) *RotationManager {
	m.sink = sink
	return m
}

// BeginTransition bounds the old key at transitionEnd so both keys are valid
// until then.
func (m *RotationManager) BeginTransition(ctx context.Context, oldKeyID, newKeyID string, transitionEnd time.Time) (*Transition, error) {
	now := m.clock().UTC()
	if oldKeyID == newKeyID {
		return nil, fmt.Errorf("%w: old and new key are the same", ErrInvalidTransition)
	}
	if !transitionEnd.After(now) {
		return nil, fmt.Errorf("%w: transition end %s is not in the future", ErrInvalidTransition, transitionEnd.Format(time.RFC3339))
	}

	oldKey, err := m.registry.GetKey(ctx, oldKeyID)
	if err != nil {
		return nil, err
	}
	newKey, err := m.registry.GetKey(ctx, newKeyID)
	if err != nil {
		return nil, err
	}
	if oldKey.KeeperID != newKey.KeeperID {
		return nil, fmt.Errorf("%w: keys belong to different keepers", ErrInvalidTransition)
	}
	if !oldKey.IsActiveAt(now) {
		return nil, fmt.Errorf("%w: old key %s is not active", ErrInvalidTransition, oldKeyID)
	}
	if newKey.ActiveUntil != nil && !newKey.ActiveUntil.After(transitionEnd) {
		return nil, fmt.Errorf("%w: new key %s expires before the window ends", ErrInvalidTransition, newKeyID)
	}
	if newKey.ActiveFrom.After(transitionEnd) {
		return nil, fmt.Errorf("%w: new key %s activates after the window ends", ErrInvalidTransition, newKeyID)
	}
	if existing, err := m.registry.GetTransition(ctx, oldKeyID); err == nil && existing.Status == TransitionActive {
		return nil, fmt.Errorf("%w: %s", ErrTransitionInProgress, oldKeyID)
	} else if err != nil && !errors.Is(err, ErrTransitionNotFound) {
		return nil, err
	}

	if err := m.registry.DeactivateKey(ctx, oldKeyID, transitionEnd); err != nil {
		return nil, err
	}
	t := Transition{
		OldKeyID:  oldKeyID,
		NewKeyID:  newKeyID,
		KeeperID:  oldKey.KeeperID,
		StartedAt: now,
		EndsAt:    transitionEnd.UTC(),
		Status:    TransitionActive,
	}
	if err := m.registry.SaveTransition(ctx, t); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "key rotation started",
		"keeper_id", t.KeeperID, "old_key_id", oldKeyID, "new_key_id", newKeyID, "ends_at", t.EndsAt)
	return &t, nil
}

// CompleteTransition closes the bookkeeping once the window has elapsed. The
// old key already stopped being active at its active_until.
func (m *RotationManager) CompleteTransition(ctx context.Context, oldKeyID string) (*Transition, error) {
	t, err := m.registry.GetTransition(ctx, oldKeyID)
	if err != nil {
		return nil, err
	}
	if t.Status != TransitionActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrTransitionNotFound, oldKeyID, t.Status)
	}
	now := m.clock().UTC()
	if now.Before(t.EndsAt) {
		return nil, fmt.Errorf("%w: ends at %s", ErrTransitionWindowOpen, t.EndsAt.Format(time.RFC3339))
	}
	t.Status = TransitionCompleted
	t.CompletedAt = &now
	if err := m.registry.SaveTransition(ctx, *t); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "key rotation completed", "keeper_id", t.KeeperID, "old_key_id", oldKeyID)
	return t, nil
}

// ActiveTransitions lists rotations still inside their overlap window.
func (m *RotationManager) ActiveTransitions(ctx context.Context) ([]Transition, error) {
	return m.registry.ListTransitions(ctx, TransitionActive)
}

// EmergencyRevokeKey ends the key's validity now, cutting short any rotation
// window it is part of, and records who revoked it and why.
func (m *RotationManager) EmergencyRevokeKey(ctx context.Context, keyID, reason, revokedBy string) (*Revocation, error) {
	if reason == "" || revokedBy == "" {
		return nil, ErrInvalidRevocation
	}
	key, err := m.registry.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	now := m.clock().UTC()
	if err := m.registry.DeactivateKey(ctx, keyID, now); err != nil && !errors.Is(err, ErrWindowExtension) {
		return nil, err
	}

	if err := m.dropTransitions(ctx, keyID); err != nil {
		return nil, err
	}

	r := Revocation{
		ID:        uuid.NewString(),
		KeyID:     keyID,
		KeeperID:  key.KeeperID,
		Reason:    reason,
		RevokedBy: revokedBy,
		RevokedAt: now,
	}
	if err := m.registry.RecordRevocation(ctx, r); err != nil {
		return nil, err
	}
	m.logger.WarnContext(ctx, "keeper key emergency revoked",
		"keeper_id", key.KeeperID, "key_id", keyID, "revoked_by", revokedBy, "reason", reason)

	if m.sink != nil {
		if err := m.sink.KeyRevoked(ctx, r); err != nil {
			return &r, fmt.Errorf("keeper: revocation of %s recorded but audit sink failed: %w", keyID, err)
		}
	}
	return &r, nil
}

// dropTransitions marks every active rotation involving keyID as revoked.
func (m *RotationManager) dropTransitions(ctx context.Context, keyID string) error {
	active, err := m.registry.ListTransitions(ctx, TransitionActive)
	if err != nil {
		return err
	}
	for _, t := range active {
		if t.OldKeyID != keyID && t.NewKeyID != keyID {
			continue
		}
		now := m.clock().UTC()
		t.Status = TransitionRevoked
		t.CompletedAt = &now
		if err := m.registry.SaveTransition(ctx, t); err != nil {
			return err
		}
		m.logger.InfoContext(ctx, "rotation cancelled by revocation", "old_key_id", t.OldKeyID, "new_key_id", t.NewKeyID)
	}
	return nil
}
