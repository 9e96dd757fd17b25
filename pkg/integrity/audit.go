package integrity

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/helm/integrity/pkg/keeper"
	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
	"github.com/Mindburn-Labs/helm/integrity/pkg/observability"
)

// meteredAppender counts successful appends per event type. The rollback
// coordinator and the task engine write through it too.
type meteredAppender struct {
	inner *ledger.Appender
	obs   *observability.Provider
}

func (m *meteredAppender) Append(ctx context.Context, eventType string, payload any) (*ledger.Event, error) {
	ev, err := m.inner.Append(ctx, eventType, payload)
	if err != nil {
		return nil, err
	}
	m.obs.RecordAppend(ctx, eventType)
	return ev, nil
}

// KeyRevokedPayload is the payload of keeper.key_emergency_revoked.
type KeyRevokedPayload struct {
	RevocationID string    `json:"revocation_id"`
	KeeperID     string    `json:"keeper_id"`
	KeyID        string    `json:"key_id"`
	Reason       string    `json:"reason"`
	RevokedBy    string    `json:"revoked_by"`
	RevokedAt    time.Time `json:"revoked_at"`
}

// revocationAudit records emergency revocations in the ledger.
type revocationAudit struct {
	appender *meteredAppender
}

func (a revocationAudit) KeyRevoked(ctx context.Context, r keeper.Revocation) error {
	_, err := a.appender.Append(ctx, ledger.EventTypeKeyEmergencyRevoked, KeyRevokedPayload{
		RevocationID: r.ID,
		KeeperID:     r.KeeperID,
		KeyID:        r.KeyID,
		Reason:       r.Reason,
		RevokedBy:    r.RevokedBy,
		RevokedAt:    r.RevokedAt,
	})
	return err
}
