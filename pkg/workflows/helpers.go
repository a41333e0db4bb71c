// Package workflows implements the three orchestration authorings:
// create-instance, delete-instance, and health-monitor (§4.6).
package workflows

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/affandar/toygres/pkg/durable"
)

// callActivity marshals in, schedules name, awaits its future, and decodes
// the result into Out. Every workflow step in this package goes through
// this helper so replay determinism stays confined to context.go.
func callActivity[Out any](c *durable.OrchestrationContext, name string, in any) (Out, error) {
	var zero Out
	payload, err := json.Marshal(in)
	if err != nil {
		return zero, fmt.Errorf("marshaling %s input: %w", name, err)
	}
	future := c.ScheduleActivity(name, payload)
	out, err := c.Await(future)
	if err != nil {
		return zero, err
	}
	if len(out) == 0 {
		return zero, nil
	}
	var result Out
	if err := json.Unmarshal(out, &result); err != nil {
		return zero, fmt.Errorf("decoding %s output: %w", name, err)
	}
	return result, nil
}

// isAppError reports whether err (or something it wraps) is a durable.AppError.
func isAppError(err error) (*durable.AppError, bool) {
	var appErr *durable.AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}
