package gateway

import "fmt"

// ArgumentError reports an out-of-range bit index or wrong-sized buffer,
// rejected before any controller I/O.
type ArgumentError struct {
	Param  string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("gateway: invalid %s: %s", e.Param, e.Reason)
}
