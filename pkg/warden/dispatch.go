// Copyright 2024-2026 Aiku AI

package warden

import (
	"context"

	"github.com/rs/zerolog"
)

// HandlerFunc processes one translated event.
type HandlerFunc func(ctx context.Context, evt Event) error

// Dispatcher routes each event to exactly one handler on a single worker,
// in arrival order. A failing handler is isolated: the error (or panic) is
// logged with the event kind and the stream continues. A transport-level
// stream error is not swallowed; it is returned to the session manager.
type Dispatcher struct {
	log      zerolog.Logger
	handlers map[EventKind]HandlerFunc

	// OnStreamLive, when set, is invoked once per Run call, when the stream
	// delivers its first event. The session manager hooks it to reset the
	// reconnect attempt counter: a delivered event is the proof that a
	// (re)attached stream actually came up.
	OnStreamLive func()
}

func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log.With().Str("component", "dispatcher").Logger(),
		handlers: make(map[EventKind]HandlerFunc),
	}
}

// Handle registers the handler for an event kind.
func (d *Dispatcher) Handle(kind EventKind, fn HandlerFunc) {
	d.handlers[kind] = fn
}

// Run consumes the event channel until it closes or the context is
// cancelled. It returns ErrStreamClosed when the stream drops.
func (d *Dispatcher) Run(ctx context.Context, events <-chan Event) error {
	live := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return ErrStreamClosed
			}
			if !live {
				live = true
				if d.OnStreamLive != nil {
					d.OnStreamLive()
				}
			}
			d.dispatch(ctx, evt)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, evt Event) {
	handler, ok := d.handlers[evt.Kind]
	if !ok {
		d.log.Trace().Str("event_kind", evt.Kind.String()).Msg("Unhandled event kind")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("event_kind", evt.Kind.String()).
				Str("group_id", evt.GroupID).
				Interface("panic", r).
				Msg("Handler panicked")
		}
	}()
	if err := handler(ctx, evt); err != nil {
		d.log.Error().Err(err).
			Str("event_kind", evt.Kind.String()).
			Str("group_id", evt.GroupID).
			Msg("Handler failed")
	}
}
