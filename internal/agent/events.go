package agent

import (
	"context"

	"github.com/oxideagent/runtime/pkg/models"
)

type eventsContextKey struct{}

// WithEvents attaches the run's AgentEvent channel to ctx so a Tool's
// Execute method can emit side-channel events (§9's send_file_to_user
// ordering decision: a FileToSendWithConfirmation event and its ack-sink
// wait live entirely inside the tool call, before Execute returns).
func WithEvents(ctx context.Context, events chan<- models.AgentEvent) context.Context {
	return context.WithValue(ctx, eventsContextKey{}, events)
}

// EventsFromContext returns the channel attached by WithEvents, or nil if
// none was attached (e.g. in unit tests that call a tool directly).
func EventsFromContext(ctx context.Context) chan<- models.AgentEvent {
	events, _ := ctx.Value(eventsContextKey{}).(chan<- models.AgentEvent)
	return events
}
