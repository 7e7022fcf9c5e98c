package livequery

import "fmt"

// Sentinel errors observers may see via errors.Is. Only these three ever
// reach a callback; WrongThreadError is a panic (programmer error) and
// UnregisteredError is never surfaced at all — both are handled locally.
var (
	// ErrQueryExecution wraps a failure re-running the query during Run.
	ErrQueryExecution = fmt.Errorf("livequery: query execution failed")
	// ErrHandoverExport wraps a failure exporting a view during PrepareHandover.
	ErrHandoverExport = fmt.Errorf("livequery: handover export failed")
	// ErrHandoverImport wraps a failure importing a view during Deliver.
	ErrHandoverImport = fmt.Errorf("livequery: handover import failed")
)

// WrongThreadError is panicked when an owner-thread-only operation (Deliver)
// is invoked with an AffinityToken that doesn't match the LiveQuery's owner.
// This is always a caller bug, never a runtime condition to recover from.
type WrongThreadError struct {
	Want, Got AffinityToken
}

func (e WrongThreadError) Error() string {
	return fmt.Sprintf("livequery: called from wrong owning context (want %v, got %v)", e.Want, e.Got)
}
