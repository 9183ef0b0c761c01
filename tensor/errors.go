package tensor

import "fmt"

// LegMismatchError reports a shape or leg-structure disagreement between
// operands, or between a block and the legs it is being stored under.
type LegMismatchError struct {
	Leg    int // offending leg position, -1 when the mismatch is global
	Reason string
}

func (e *LegMismatchError) Error() string {
	if e.Leg < 0 {
		return fmt.Sprintf("leg mismatch: %s", e.Reason)
	}
	return fmt.Sprintf("leg mismatch at leg %d: %s", e.Leg, e.Reason)
}
