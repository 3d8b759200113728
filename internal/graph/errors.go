package graph

import "fmt"

// GraphVersionConflictError is returned by Store.ReplaceGraph when the
// caller's ifMatchGraphVersion no longer matches the stored graph's
// current version (§4.F.1).
type GraphVersionConflictError struct {
	GraphID         string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *GraphVersionConflictError) Error() string {
	return fmt.Sprintf("graph %s: version conflict (expected %d, got %d)", e.GraphID, e.ExpectedVersion, e.ActualVersion)
}
