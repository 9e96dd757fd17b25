package rollback

import (
	"time"

	"github.com/Mindburn-Labs/helm/integrity/pkg/canonical"
)

// RollbackTargetSelectedPayload is appended as rollback.target_selected and is
// the content keepers sign during the execution ceremony.
type RollbackTargetSelectedPayload struct {
	RollbackID           string    `json:"rollback_id"`
	CheckpointID         string    `json:"checkpoint_id"`
	TargetEventSequence  uint64    `json:"target_event_sequence"`
	CheckpointAnchorHash string    `json:"checkpoint_anchor_hash"`
	CurrentHeadSequence  uint64    `json:"current_head_sequence"`
	SelectingKeepers     []string  `json:"selecting_keepers"`
	Reason               string    `json:"reason"`
	SelectedAt           time.Time `json:"selected_at"`
}

// SignableContent returns the canonical bytes approvers sign.
func (p RollbackTargetSelectedPayload) SignableContent() ([]byte, error) {
	return canonical.Marshal(p)
}

// RollbackCompletedPayload is appended as rollback.completed. The ledger flags
// sequences in [OrphanedStartSequence, OrphanedEndSequence) as orphaned when it
// stores this event.
type RollbackCompletedPayload struct {
	RollbackID            string    `json:"rollback_id"`
	CheckpointID          string    `json:"checkpoint_id"`
	TargetEventSequence   uint64    `json:"target_event_sequence"`
	PreviousHeadSequence  uint64    `json:"previous_head_sequence"`
	OrphanedStartSequence uint64    `json:"orphaned_start_sequence"`
	OrphanedEndSequence   uint64    `json:"orphaned_end_sequence"`
	CeremonyID            string    `json:"ceremony_id"`
	ApprovingKeepers      []string  `json:"approving_keepers"`
	Reason                string    `json:"reason"`
	CompletedAt           time.Time `json:"completed_at"`
}

func (p RollbackCompletedPayload) SignableContent() ([]byte, error) {
	return canonical.Marshal(p)
}

// OrphanedCount is the number of events the rollback supersedes.
func (p RollbackCompletedPayload) OrphanedCount() uint64 {
	if p.OrphanedEndSequence <= p.OrphanedStartSequence {
		return 0
	}
	return p.OrphanedEndSequence - p.OrphanedStartSequence
}
