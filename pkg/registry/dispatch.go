package registry

import (
	"context"

	"github.com/HatiCode/synapse/pkg/telemetry"
)

// Dispatch invokes a variant inside a telemetry scope so the call is measured.
// Lookup failures are not recorded: a missing variant never executed.
func (r *Registry) Dispatch(ctx context.Context, agg *telemetry.Aggregator, operation, variant string, args []any) (any, error) {
	return r.DispatchChecked(ctx, agg, operation, variant, args, nil)
}

// DispatchChecked is Dispatch with check applied to the result before the
// sample is recorded. A result rejected by check is returned as an
// *InvocationError and measured as a failed call.
func (r *Registry) DispatchChecked(ctx context.Context, agg *telemetry.Aggregator, operation, variant string, args []any, check func(any) error) (any, error) {
	unit, ok := r.Lookup(operation, variant)
	if !ok {
		return nil, &NotFoundError{Operation: operation, Variant: variant}
	}

	scope := agg.Start(operation, variant)
	defer scope.Close()

	result, err := call(ctx, operation, variant, unit, args)
	if err == nil && check != nil {
		if cerr := check(result); cerr != nil {
			result, err = nil, &InvocationError{Operation: operation, Variant: variant, Err: cerr}
		}
	}
	if err != nil {
		scope.MarkFailed()
	}
	return result, err
}
