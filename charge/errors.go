package charge

import "fmt"

// InvalidChargeError reports a charge value that does not belong to the
// declared group structure, or a malformed symmetry declaration.
type InvalidChargeError struct {
	Charge    Charge // offending charge, nil when the symmetry itself is malformed
	Component int    // index of the offending component, when applicable
	Reason    string
}

func (e *InvalidChargeError) Error() string {
	if e.Charge == nil {
		return fmt.Sprintf("invalid charge: %s", e.Reason)
	}
	return fmt.Sprintf("invalid charge %s: %s", e.Charge, e.Reason)
}
