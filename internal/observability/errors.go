package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors collapses the non-nil entries of errs into a single error,
// logging them once under the given operation name. It returns nil when every
// entry is nil, so callers can pass the raw results of a teardown sequence.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	var (
		kept     []error
		messages []string
	)
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
			messages = append(messages, err.Error())
		}
	}
	if len(kept) == 0 {
		return nil
	}
	logFields := append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(kept)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(kept...))
}
