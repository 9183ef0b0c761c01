package space

import "fmt"

// IncompatibleLegError reports a leg pairing or construction that violates
// the charged-vector-space rules and cannot be auto-corrected.
type IncompatibleLegError struct {
	Sector int // offending sector or leg position, when applicable
	Reason string
}

func (e *IncompatibleLegError) Error() string {
	return fmt.Sprintf("incompatible leg (sector %d): %s", e.Sector, e.Reason)
}
