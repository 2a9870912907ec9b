// Package notify tells people a flight has landed and its data is ready.
package notify

import (
	"context"
	"errors"

	"flight_monitor/internal/telemetry"
)

// DefaultMessage is sent when a flight logged nothing.
const DefaultMessage = "Data attached"

// Notifier delivers the landing notice for one flight.
type Notifier interface {
	Notify(ctx context.Context, meta telemetry.Metadata, paths []string, message string) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, meta telemetry.Metadata, paths []string, message string) error

func (f Func) Notify(ctx context.Context, meta telemetry.Metadata, paths []string, message string) error {
	return f(ctx, meta, paths, message)
}

// Multi notifies every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, meta telemetry.Metadata, paths []string, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, meta, paths, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
