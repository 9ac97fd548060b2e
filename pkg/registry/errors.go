package registry

import "fmt"

// NotFoundError reports an unknown operation or variant.
type NotFoundError struct {
	Operation string
	Variant   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("variant %q of operation %q not found", e.Variant, e.Operation)
}

// InvocationError wraps a failure raised by a variant while it executed.
type InvocationError struct {
	Operation string
	Variant   string
	Err       error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s/%s: %v", e.Operation, e.Variant, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}
