package halt

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// SystemStatus is the coarse state attached to every read.
type SystemStatus string

const (
	StatusOperational SystemStatus = "OPERATIONAL"
	StatusHalted      SystemStatus = "HALTED"
	StatusCeased      SystemStatus = "CEASED"
	// StatusUnknown is reported when neither flag channel answers.
	StatusUnknown SystemStatus = "UNKNOWN"
)

// StatusHeader is attached to read responses. Once ceased it carries the
// cessation record on every response indefinitely.
type StatusHeader struct {
	SystemStatus        SystemStatus `json:"system_status"`
	CeasedAt            *time.Time   `json:"ceased_at,omitempty"`
	FinalSequenceNumber *uint64      `json:"final_sequence_number,omitempty"`
	Reason              string       `json:"reason,omitempty"`
	CessationEventID    string       `json:"cessation_event_id,omitempty"`
	HaltedAt            *time.Time   `json:"halted_at,omitempty"`
	HaltReason          string       `json:"halt_reason,omitempty"`
}

// Status builds the header for the current state. Cessation outranks halt.
func (c *Controller) Status(ctx context.Context) (StatusHeader, error) {
	ceased, err := c.CurrentCessation(ctx)
	if err != nil {
		return StatusHeader{SystemStatus: StatusUnknown}, err
	}
	if ceased != nil {
		at, seq := ceased.CeasedAt, ceased.FinalSequenceNumber
		return StatusHeader{
			SystemStatus:        StatusCeased,
			CeasedAt:            &at,
			FinalSequenceNumber: &seq,
			Reason:              ceased.Reason,
			CessationEventID:    ceased.CessationEventID,
		}, nil
	}

	halted, err := c.CurrentHalt(ctx)
	if err != nil {
		return StatusHeader{SystemStatus: StatusUnknown}, err
	}
	if halted != nil {
		at := halted.HaltedAt
		return StatusHeader{SystemStatus: StatusHalted, HaltedAt: &at, HaltReason: halted.Reason}, nil
	}
	return StatusHeader{SystemStatus: StatusOperational}, nil
}

// CeasedHeader returns the header only when the system has ceased.
func (c *Controller) CeasedHeader(ctx context.Context) (*StatusHeader, error) {
	h, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	if h.SystemStatus != StatusCeased {
		return nil, nil
	}
	return &h, nil
}

// Headers renders the header as HTTP response headers.
func (h StatusHeader) Headers() http.Header {
	out := http.Header{}
	out.Set("X-System-Status", string(h.SystemStatus))
	if h.CeasedAt != nil {
		out.Set("X-Ceased-At", h.CeasedAt.UTC().Format(time.RFC3339Nano))
	}
	if h.FinalSequenceNumber != nil {
		out.Set("X-Final-Sequence-Number", strconv.FormatUint(*h.FinalSequenceNumber, 10))
	}
	if h.Reason != "" {
		out.Set("X-Cessation-Reason", h.Reason)
	}
	if h.CessationEventID != "" {
		out.Set("X-Cessation-Event-Id", h.CessationEventID)
	}
	if h.HaltedAt != nil {
		out.Set("X-Halted-At", h.HaltedAt.UTC().Format(time.RFC3339Nano))
	}
	if h.HaltReason != "" {
		out.Set("X-Halt-Reason", h.HaltReason)
	}
	return out
}

// ReadResponse wraps any read result with the system status.
type ReadResponse[T any] struct {
	Data   T            `json:"data"`
	Status StatusHeader `json:"status"`
}

// WrapRead attaches the current status to data. Reads never fail because of
// the flag channels; an unreadable state is reported as UNKNOWN.
func WrapRead[T any](ctx context.Context, c *Controller, data T) ReadResponse[T] {
	h, err := c.Status(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "status unavailable for read response", "error", err)
	}
	return ReadResponse[T]{Data: data, Status: h}
}
