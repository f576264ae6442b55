package medication

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPrescriptionSchedule marks a prescription whose times cannot be scheduled.
	ErrInvalidPrescriptionSchedule = errors.New("invalid prescription schedule")
	// ErrInvalidTransition marks an administration attempt on a non-pending entry.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrUnauthorized marks an actor whose role does not permit the operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound marks a missing patient, prescription, entry or log record.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest marks malformed caller input.
	ErrInvalidRequest = errors.New("invalid request")
)

// ScheduleError reports why a single prescription was skipped during
// generation. Err, when set, is the underlying cause.
type ScheduleError struct {
	PrescriptionID string `json:"prescription_id"`
	Reason         string `json:"reason"`
	Err            error  `json:"-"`
}

func (e *ScheduleError) Error() string {
	return fmt.Sprintf("prescription %s: %s", e.PrescriptionID, e.Reason)
}

func (e *ScheduleError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidPrescriptionSchedule}
	}
	return []error{ErrInvalidPrescriptionSchedule, e.Err}
}

// ScheduleErrors flattens a joined generation error back into its parts
func ScheduleErrors(err error) []*ScheduleError {
	if err == nil {
		return nil
	}
	var out []*ScheduleError
	var se *ScheduleError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if errors.As(e, &se) {
				out = append(out, se)
			}
		}
		return out
	}
	if errors.As(err, &se) {
		out = append(out, se)
	}
	return out
}

// Permanent reports whether err is a rule violation that fails the same way
// on every retry
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidPrescriptionSchedule) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidRequest)
}

func unauthorized(actor Actor, op string) error {
	return fmt.Errorf("%w: role %q may not %s", ErrUnauthorized, actor.Role, op)
}

func requireRole(actor Actor, op string, roles ...Role) error {
	if actor.ID == "" {
		return fmt.Errorf("%w: actor id required to %s", ErrUnauthorized, op)
	}
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return unauthorized(actor, op)
}
