package fragment

import (
	"fmt"

	"github.com/google/uuid"
)

// NotFoundError reports an operation against a fragment id that is not in
// the store.
type NotFoundError struct {
	ID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("fragment %s not found", e.ID)
}

// StaleEstimateError reports a pose commit whose initial-guess pose was
// superseded by a concurrent mutation. The caller must re-attempt with a
// fresh initial guess; the newer pose is left intact.
type StaleEstimateError struct {
	ID      uuid.UUID
	Seen    uint64 // pose version the estimate was computed against
	Current uint64 // pose version at commit time
}

func (e *StaleEstimateError) Error() string {
	return fmt.Sprintf("fragment %s: pose changed since estimate (version %d, now %d)",
		e.ID, e.Seen, e.Current)
}
