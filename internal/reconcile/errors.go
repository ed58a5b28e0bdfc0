package reconcile

import "fmt"

// DuplicateIdentityError is returned when two mounted nodes resolve to the
// same node id, or two siblings share a key.
type DuplicateIdentityError struct {
	NodeID     string
	FirstPath  string
	SecondPath string
	Reason     string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("%s: %s and %s resolve to node %s", e.Reason, e.FirstPath, e.SecondPath, e.NodeID)
}

// InvalidNodeError is returned for nodes the reconciler cannot place.
type InvalidNodeError struct {
	Path    string
	Message string
}

func (e *InvalidNodeError) Error() string {
	return fmt.Sprintf("invalid node at %s: %s", e.Path, e.Message)
}
