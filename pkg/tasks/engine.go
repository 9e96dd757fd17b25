package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
)

// Audit event types written by the sweep.
const (
	EventTypeNullifiedOnHalt        = "task.nullified_on_halt"
	EventTypeQuarantinedOnHalt      = "task.quarantined_on_halt"
	EventTypePreservedOnHalt        = "task.preserved_on_halt"
	EventTypeTransitionFailedOnHalt = "task.transition_failed_on_halt"
	EventTypeHaltSweepCompleted     = "task.halt_sweep_completed"
)

// TransitionKind is what the sweep did to one task.
type TransitionKind string

const (
	KindNullify    TransitionKind = "nullify"
	KindQuarantine TransitionKind = "quarantine"
	KindPreserve   TransitionKind = "preserve"
	KindFailed     TransitionKind = "failed"
)

// EventAppender writes audit events. *ledger.Appender satisfies it.
type EventAppender interface {
	Append(ctx context.Context, eventType string, payload any) (*ledger.Event, error)
}

// HaltTransitionRecord is the audit record of one task in one sweep.
type HaltTransitionRecord struct {
	HaltCorrelationID string         `json:"halt_correlation_id"`
	TaskID            string         `json:"task_id"`
	PreviousStatus    Status         `json:"previous_status"`
	NewStatus         Status         `json:"new_status"`
	Category          Category       `json:"category"`
	Kind              TransitionKind `json:"transition"`
	Reason            string         `json:"reason"`
	Success           bool           `json:"success"`
	Error             string         `json:"error,omitempty"`
	EventSequence     uint64         `json:"-"`
}

// HaltTransitionResult aggregates one sweep. The four outcome counts always
// add up to TotalProcessed.
type HaltTransitionResult struct {
	HaltCorrelationID string                 `json:"halt_correlation_id"`
	Records           []HaltTransitionRecord `json:"-"`
	Nullified         int                    `json:"nullified"`
	Quarantined       int                    `json:"quarantined"`
	Preserved         int                    `json:"preserved"`
	Failed            int                    `json:"failed"`
	TotalProcessed    int                    `json:"total_processed"`
	AuditFailures     int                    `json:"audit_failures"`
	StartedAt         time.Time              `json:"started_at"`
	CompletedAt       time.Time              `json:"completed_at"`
	ElapsedMS         int64                  `json:"elapsed_ms"`
}

// Engine runs the halt sweep.
type Engine struct {
	port     StatePort
	appender EventAppender
	clock    func() time.Time
	logger   *slog.Logger
}

func NewEngine(port StatePort, appender EventAppender) *Engine {
	return &Engine{
		port:     port,
		appender: appender,
		clock:    time.Now,
		logger:   slog.Default().With("component", "halt_task_engine"),
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Sweep resolves every active task for the halt identified by correlationID.
// A failure on one task is recorded and the sweep continues. Task audit events
// that could not be written are counted in the summary and returned as an
// ErrAuditIncomplete error alongside the result.
func (e *Engine) Sweep(ctx context.Context, correlationID string) (*HaltTransitionResult, error) {
	started := e.clock()
	active, err := e.port.GetActiveTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("tasks: load active tasks: %w", err)
	}

	result := &HaltTransitionResult{
		HaltCorrelationID: correlationID,
		Records:           make([]HaltTransitionRecord, 0, len(active)),
		StartedAt:         started.UTC(),
	}

	var auditErrs []error
	for _, task := range active {
		rec := e.resolve(ctx, correlationID, task)

		eventType := eventTypeFor(rec)
		if ev, err := e.appender.Append(ctx, eventType, rec); err != nil {
			e.logger.ErrorContext(ctx, "halt transition audit event not written",
				"task_id", rec.TaskID, "event_type", eventType, "halt_correlation_id", correlationID, "error", err)
			result.AuditFailures++
			auditErrs = append(auditErrs, fmt.Errorf("task %s: %w", rec.TaskID, err))
		} else {
			rec.EventSequence = ev.Sequence
		}

		switch rec.Kind {
		case KindNullify:
			result.Nullified++
		case KindQuarantine:
			result.Quarantined++
		case KindPreserve:
			result.Preserved++
		default:
			result.Failed++
		}
		result.TotalProcessed++
		result.Records = append(result.Records, rec)
	}

	result.CompletedAt = e.clock().UTC()
	result.ElapsedMS = result.CompletedAt.Sub(result.StartedAt).Milliseconds()

	if _, err := e.appender.Append(ctx, EventTypeHaltSweepCompleted, result); err != nil {
		auditErrs = append(auditErrs, fmt.Errorf("tasks: write sweep summary: %w", err))
		return result, errors.Join(auditErrs...)
	}
	e.logger.InfoContext(ctx, "halt sweep completed",
		"halt_correlation_id", correlationID,
		"nullified", result.Nullified,
		"quarantined", result.Quarantined,
		"preserved", result.Preserved,
		"failed", result.Failed,
		"total_processed", result.TotalProcessed,
		"audit_failures", result.AuditFailures,
		"elapsed_ms", result.ElapsedMS,
	)
	if len(auditErrs) > 0 {
		return result, fmt.Errorf("%w: %d of %d task events: %w",
			ErrAuditIncomplete, len(auditErrs), result.TotalProcessed, errors.Join(auditErrs...))
	}
	return result, nil
}

func (e *Engine) resolve(ctx context.Context, correlationID string, task Task) HaltTransitionRecord {
	rec := HaltTransitionRecord{
		HaltCorrelationID: correlationID,
		TaskID:            task.ID,
		PreviousStatus:    task.Status,
		NewStatus:         task.Status,
		Category:          Categorize(task.Status),
	}

	switch rec.Category {
	case CategoryTerminal:
		rec.Kind = KindPreserve
		rec.Success = true
		rec.Reason = "terminal status preserved on halt"
		return rec
	case CategoryUnknown:
		rec.Kind = KindFailed
		rec.Reason = "unrecognised status"
		rec.Error = fmt.Sprintf("%v: %s", ErrUnknownStatus, task.Status)
		e.logger.WarnContext(ctx, "task with unknown status in halt sweep", "task_id", task.ID, "status", task.Status)
		return rec
	}

	target, _ := TargetStatus(task.Status)
	intended := KindNullify
	rec.Reason = "pre-consent task nullified on halt"
	if rec.Category == CategoryPostConsent {
		intended = KindQuarantine
		rec.Reason = "post-consent task quarantined on halt"
	}

	if err := e.port.AtomicTransition(ctx, task.ID, task.Status, target); err != nil {
		rec.Kind = KindFailed
		rec.Error = err.Error()
		rec.Reason = fmt.Sprintf("%s transition failed", intended)
		e.logger.WarnContext(ctx, "halt transition failed", "task_id", task.ID, "from", task.Status, "to", target, "error", err)
		return rec
	}
	rec.Kind = intended
	rec.NewStatus = target
	rec.Success = true
	return rec
}

func eventTypeFor(rec HaltTransitionRecord) string {
	switch rec.Category {
	case CategoryPreConsent:
		return EventTypeNullifiedOnHalt
	case CategoryPostConsent:
		return EventTypeQuarantinedOnHalt
	case CategoryTerminal:
		return EventTypePreservedOnHalt
	default:
		return EventTypeTransitionFailedOnHalt
	}
}
