package observability

import "go.opentelemetry.io/otel/attribute"

// Integrity semantic convention attributes.
var (
	AttrOperation      = attribute.Key("integrity.operation")
	AttrEventType      = attribute.Key("integrity.ledger.event_type")
	AttrSequence       = attribute.Key("integrity.ledger.sequence")
	AttrSystemStatus   = attribute.Key("integrity.system.status")
	AttrCorrelationID  = attribute.Key("integrity.halt.correlation_id")
	AttrTransitionKind = attribute.Key("integrity.sweep.transition")
	AttrCheckpointID   = attribute.Key("integrity.rollback.checkpoint_id")
	AttrKeeperID       = attribute.Key("integrity.keeper.id")
	AttrKeyID          = attribute.Key("integrity.keeper.key_id")
)
