package measure

import (
	"errors"
	"fmt"
)

// ErrUnsupported marks an operation a measurement kind does not provide.
var ErrUnsupported = errors.New("measure: operation not supported")

// ValidationError reports invalid operation parameters.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("measure: %s: %s", e.Op, e.Reason)
}

// CompatibilityError reports two measurements that cannot be combined,
// naming the first field on which they disagree.
type CompatibilityError struct {
	Field  string
	Detail string
}

func (e *CompatibilityError) Error() string {
	return fmt.Sprintf("measure: incompatible measurements: %s: %s", e.Field, e.Detail)
}

// AxesError reports an operation addressing axes it must not touch, such as
// reducing or indexing a base axis.
type AxesError struct {
	Op     string
	Reason string
}

func (e *AxesError) Error() string {
	return fmt.Sprintf("measure: %s: %s", e.Op, e.Reason)
}

// RangeError reports integration or detection limits outside the valid range.
type RangeError struct {
	Op     string
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("measure: %s: %s", e.Op, e.Reason)
}

// TypeError reports a value kind mismatch, such as a real-valued image where
// a complex one is required or an unknown measurement tag in a file.
type TypeError struct {
	Op   string
	Want string
	Got  string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("measure: %s: want %s, got %s", e.Op, e.Want, e.Got)
}
