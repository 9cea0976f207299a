package bus

import (
	"context"
	"fmt"
)

// Handler processes a single event. A non-nil error is counted against the
// handler and logged, it never propagates to the publisher or to other
// handlers.
type Handler func(ctx context.Context, event Event) error

// Typed adapts a payload-typed callback into a Handler. The single type
// assertion lives here, subscribers work with their concrete payload.
func Typed[T Payload](fn func(ctx context.Context, event Event, payload T) error) Handler {
	return func(ctx context.Context, event Event) error {
		payload, ok := event.Payload.(T)
		if !ok {
			return fmt.Errorf("event %s: unexpected payload type %T", event.Type, event.Payload)
		}
		return fn(ctx, event, payload)
	}
}
