package register

import (
	"fmt"

	"github.com/google/uuid"
)

// InsufficientOverlapError reports a pair whose posed bounding boxes do not
// overlap enough to attempt registration.
type InsufficientOverlapError struct {
	A, B     uuid.UUID
	Fraction float64 // overlap area over the smaller fragment's area
	Area     float64 // overlap area in full-resolution pixels
}

func (e *InsufficientOverlapError) Error() string {
	return fmt.Sprintf("fragments %s and %s overlap by %.1f%% (%.0f px), not enough to register",
		e.A, e.B, e.Fraction*100, e.Area)
}

// RegistrationFailedError reports a pair that overlapped but produced no
// acceptable rigid fit.
type RegistrationFailedError struct {
	A, B   uuid.UUID
	Reason string
}

func (e *RegistrationFailedError) Error() string {
	return fmt.Sprintf("registration of %s against %s failed: %s", e.B, e.A, e.Reason)
}

// LowConfidenceError reports a pair whose rigid fit held together but scored
// below the configured confidence floor. The estimate is recorded as a
// rejected edge; callers may lower MinConfidence and re-register.
type LowConfidenceError struct {
	A, B       uuid.UUID
	Confidence float64
	Minimum    float64
}

func (e *LowConfidenceError) Error() string {
	return fmt.Sprintf("registration of %s against %s scored confidence %.2f, below minimum %.2f",
		e.B, e.A, e.Confidence, e.Minimum)
}
