package cluster

import (
	"errors"
	"fmt"
)

// ErrDataIntegrity marks malformed cluster data read back from the store.
var ErrDataIntegrity = errors.New("cluster: data integrity")

// IntegrityError reports a stored cluster whose centroid cannot take part in
// a clustering decision. It matches both ErrDataIntegrity and its cause
// under errors.Is.
type IntegrityError struct {
	ClusterID int64
	Err       error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("cluster %d: malformed centroid: %v", e.ClusterID, e.Err)
}

func (e *IntegrityError) Unwrap() []error { return []error{ErrDataIntegrity, e.Err} }
