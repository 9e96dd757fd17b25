package halt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HaltDetails is the record stored under the halt flag.
type HaltDetails struct {
	Reason        string    `json:"reason"`
	HaltedAt      time.Time `json:"halted_at"`
	TriggeredBy   string    `json:"triggered_by,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// CessationDetails is the record stored under the cease flag. It is written
// once per system lifetime.
type CessationDetails struct {
	CeasedAt            time.Time `json:"ceased_at"`
	FinalSequenceNumber uint64    `json:"final_sequence_number"`
	Reason              string    `json:"reason"`
	CessationEventID    string    `json:"cessation_event_id"`
}

const defaultCompensationAttempts = 3

// Controller owns the halt and cessation state. Nothing else reads or writes
// the flags directly.
//
// Writes go to both channels with all-or-nothing semantics: the durable write
// is staged, the fast write is applied, then the durable write is committed.
// A failed fast write aborts the stage; a failed commit is compensated by
// deleting the fast key. Reads return the flag as set if either channel says
// so, and fail closed only when neither channel answers.
//
// Flag transitions on one Controller are serialized. Across processes the
// durable cease write only succeeds if no cessation record exists yet.
type Controller struct {
	fast    FlagChannel
	durable StagingChannel

	mu sync.Mutex

	clock                func() time.Time
	compensationAttempts int
	compensationBackoff  time.Duration
	logger               *slog.Logger
}

func NewController(fast FlagChannel, durable StagingChannel) *Controller {
	return &Controller{
		fast:                 fast,
		durable:              durable,
		clock:                time.Now,
		compensationAttempts: defaultCompensationAttempts,
		compensationBackoff:  50 * time.Millisecond,
		logger:               slog.Default().With("component", "halt_controller"),
	}
}

// WithClock overrides the clock for testing.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// WithCompensationBackoff sets the pause between compensation attempts.
func (c *Controller) WithCompensationBackoff(d time.Duration) *Controller {
	c.compensationBackoff = d
	return c
}

// IsHalted reports whether a halt is in effect.
func (c *Controller) IsHalted(ctx context.Context) (bool, error) {
	_, set, err := c.read(ctx, FlagHalt)
	return set, err
}

// IsCeased reports whether the system has ceased.
func (c *Controller) IsCeased(ctx context.Context) (bool, error) {
	_, set, err := c.read(ctx, FlagCease)
	return set, err
}

// CurrentHalt returns the active halt record, or nil.
func (c *Controller) CurrentHalt(ctx context.Context) (*HaltDetails, error) {
	raw, set, err := c.read(ctx, FlagHalt)
	if err != nil || !set {
		return nil, err
	}
	var d HaltDetails
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("halt: decode halt record: %w", err)
	}
	return &d, nil
}

// CurrentCessation returns the cessation record, or nil.
func (c *Controller) CurrentCessation(ctx context.Context) (*CessationDetails, error) {
	raw, set, err := c.read(ctx, FlagCease)
	if err != nil || !set {
		return nil, err
	}
	var d CessationDetails
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("halt: decode cessation record: %w", err)
	}
	return &d, nil
}

// read consults the fast channel, then the durable one unless the fast
// channel already reports the flag set.
func (c *Controller) read(ctx context.Context, flag Flag) ([]byte, bool, error) {
	v, set, fastErr := c.fast.Get(ctx, flag)
	if fastErr == nil && set {
		return v, true, nil
	}
	if fastErr != nil {
		c.logger.WarnContext(ctx, "fast channel unavailable, using durable", "flag", flag, "channel", c.fast.Name(), "error", fastErr)
	}

	dv, dset, durErr := c.durable.Get(ctx, flag)
	if durErr == nil {
		return dv, dset, nil
	}
	if fastErr == nil {
		c.logger.WarnContext(ctx, "durable channel unavailable, using fast", "flag", flag, "channel", c.durable.Name(), "error", durErr)
		return nil, false, nil
	}
	c.logger.ErrorContext(ctx, "both flag channels unavailable", "flag", flag, "fast_error", fastErr, "durable_error", durErr)
	return nil, false, fmt.Errorf("%w: %s: %v; %s: %v", ErrFlagUnavailable, c.fast.Name(), fastErr, c.durable.Name(), durErr)
}

// Halt sets the halt flag. Halting a ceased system is rejected.
func (c *Controller) Halt(ctx context.Context, d HaltDetails) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.EnsureNotFrozen(ctx); err != nil {
		return err
	}
	halted, err := c.IsHalted(ctx)
	if err != nil {
		return err
	}
	if halted {
		return ErrAlreadyHalted
	}
	if d.HaltedAt.IsZero() {
		d.HaltedAt = c.clock().UTC()
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("halt: encode halt record: %w", err)
	}
	if err := c.writeBoth(ctx, FlagHalt, raw, c.durable.Prepare); err != nil {
		return err
	}
	c.logger.WarnContext(ctx, "system halted", "reason", d.Reason, "triggered_by", d.TriggeredBy, "correlation_id", d.CorrelationID)
	return nil
}

// ClearHalt lifts a halt. A ceased system can never be cleared.
func (c *Controller) ClearHalt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.EnsureNotFrozen(ctx); err != nil {
		return err
	}
	raw, set, err := c.read(ctx, FlagHalt)
	if err != nil {
		return err
	}
	if !set {
		return ErrNotHalted
	}

	if err := c.fast.Delete(ctx, FlagHalt); err != nil {
		return fmt.Errorf("%w: clear fast channel: %v", ErrFlagWrite, err)
	}
	if err := c.durable.Delete(ctx, FlagHalt); err != nil {
		// Put the fast flag back so both channels still agree the system is halted.
		if rerr := c.fast.Set(ctx, FlagHalt, raw); rerr != nil {
			c.logger.ErrorContext(ctx, "could not restore fast halt flag", "error", rerr)
			return fmt.Errorf("%w: restore fast halt flag: %v (durable clear failed: %v)", ErrCompensationFailed, rerr, err)
		}
		return fmt.Errorf("%w: clear durable channel: %v", ErrFlagWrite, err)
	}
	c.logger.InfoContext(ctx, "halt cleared")
	return nil
}

// SetCeased records permanent cessation on both channels. There is no way to
// undo it, and an existing cessation record is never replaced: a second call
// fails with ErrAlreadyCeased even if it raced past the read.
func (c *Controller) SetCeased(ctx context.Context, d CessationDetails) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ceased, err := c.IsCeased(ctx)
	if err != nil {
		return err
	}
	if ceased {
		return ErrAlreadyCeased
	}
	if d.CeasedAt.IsZero() {
		d.CeasedAt = c.clock().UTC()
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("halt: encode cessation record: %w", err)
	}
	if err := c.writeBoth(ctx, FlagCease, raw, c.durable.PrepareCreate); err != nil {
		if errors.Is(err, ErrFlagExists) {
			c.logger.WarnContext(ctx, "cessation already recorded on durable channel", "reason", d.Reason)
			return ErrAlreadyCeased
		}
		return err
	}
	c.logger.WarnContext(ctx, "system ceased",
		"reason", d.Reason,
		"final_sequence_number", d.FinalSequenceNumber,
		"cessation_event_id", d.CessationEventID,
	)
	return nil
}

type prepareFunc func(ctx context.Context, flag Flag, value []byte) (StagedWrite, error)

func (c *Controller) writeBoth(ctx context.Context, flag Flag, value []byte, prepare prepareFunc) error {
	staged, err := prepare(ctx, flag, value)
	if errors.Is(err, ErrFlagExists) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: stage %s on %s: %v", ErrFlagWrite, flag, c.durable.Name(), err)
	}

	if err := c.fast.Set(ctx, flag, value); err != nil {
		if aerr := staged.Abort(); aerr != nil {
			c.logger.WarnContext(ctx, "abort of staged durable write failed", "flag", flag, "error", aerr)
		}
		return fmt.Errorf("%w: set %s on %s: %v", ErrFlagWrite, flag, c.fast.Name(), err)
	}

	if err := staged.Commit(); err != nil {
		c.logger.WarnContext(ctx, "durable commit failed, compensating fast channel", "flag", flag, "error", err)
		if cerr := c.compensate(ctx, flag); cerr != nil {
			c.logger.ErrorContext(ctx, "flag channels inconsistent", "flag", flag, "commit_error", err, "compensation_error", cerr)
			return fmt.Errorf("%w: %s left set on %s after commit failure (%v): %v", ErrCompensationFailed, flag, c.fast.Name(), err, cerr)
		}
		if errors.Is(err, ErrFlagExists) {
			return err
		}
		return fmt.Errorf("%w: commit %s on %s: %v", ErrFlagWrite, flag, c.durable.Name(), err)
	}
	return nil
}

func (c *Controller) compensate(ctx context.Context, flag Flag) error {
	var err error
	for attempt := 1; attempt <= c.compensationAttempts; attempt++ {
		if err = c.fast.Delete(ctx, flag); err == nil {
			return nil
		}
		if attempt < c.compensationAttempts && c.compensationBackoff > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(c.compensationBackoff):
			}
		}
	}
	return err
}

// EnsureNotFrozen fails once the system has ceased. The rejection is permanent.
func (c *Controller) EnsureNotFrozen(ctx context.Context) error {
	return c.ensureNotFrozen(ctx, "")
}

// EnsureNotHalted fails while a halt is in effect.
func (c *Controller) EnsureNotHalted(ctx context.Context) error {
	return c.ensureNotHalted(ctx, "")
}

func (c *Controller) ensureNotFrozen(ctx context.Context, op string) error {
	d, err := c.CurrentCessation(ctx)
	if err != nil {
		return err
	}
	if d != nil {
		return &SystemCeasedError{Operation: op, CeasedAt: d.CeasedAt, FinalSequenceNumber: d.FinalSequenceNumber, Reason: d.Reason}
	}
	return nil
}

func (c *Controller) ensureNotHalted(ctx context.Context, op string) error {
	d, err := c.CurrentHalt(ctx)
	if err != nil {
		return err
	}
	if d != nil {
		return &SystemHaltedError{Operation: op, Reason: d.Reason, HaltedAt: d.HaltedAt}
	}
	return nil
}

// OperationGuard is a freeze check bound to a named write operation.
type OperationGuard struct {
	c    *Controller
	name string
}

// ForOperation returns a guard whose rejections name the operation.
func (c *Controller) ForOperation(name string) OperationGuard {
	return OperationGuard{c: c, name: name}
}

// Check fails if the system has ceased.
func (g OperationGuard) Check(ctx context.Context) error {
	return g.c.ensureNotFrozen(ctx, g.name)
}

// CheckNotHalted fails if the system has ceased or is halted.
func (g OperationGuard) CheckNotHalted(ctx context.Context) error {
	if err := g.c.ensureNotFrozen(ctx, g.name); err != nil {
		return err
	}
	return g.c.ensureNotHalted(ctx, g.name)
}
