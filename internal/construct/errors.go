package construct

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation marks a protocol or caller bug. The distributed
	// structure is not usable after it is returned.
	ErrContractViolation = errors.New("construct: contract violation")
	ErrTopology          = fmt.Errorf("%w: topology inconsistency", ErrContractViolation)
	ErrSelfMatch         = fmt.Errorf("%w: vertex matched to itself", ErrContractViolation)
	ErrIDOverflow        = errors.New("construct: global id exceeds configured width")
	ErrMixedTopology     = errors.New("construct: mixed element types")
	ErrInconsistent      = errors.New("construct: inconsistent distributed mesh")
)

func contractf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...))
}

// IsContractViolation reports whether err came from a broken protocol or
// caller contract.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrContractViolation)
}
