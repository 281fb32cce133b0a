package dispatch

import "context"

// CommandBus receives the domain mutation behind each successful call: the
// parsed arguments plus whatever the handler returned. Implementations own
// cart/order state; the registry only routes.
type CommandBus interface {
	Apply(ctx context.Context, sessionID, function string, args map[string]any, data any)
}

type CommandFunc func(ctx context.Context, sessionID, function string, args map[string]any, data any)

func (f CommandFunc) Apply(ctx context.Context, sessionID, function string, args map[string]any, data any) {
	f(ctx, sessionID, function, args, data)
}

// PresentationBus receives every dispatch outcome, failures included, for
// UI-facing subscribers. Distinct from the command bus so view code never
// mutates domain state.
type PresentationBus interface {
	Publish(sessionID string, result Result)
}

type PresentationFunc func(sessionID string, result Result)

func (f PresentationFunc) Publish(sessionID string, result Result) { f(sessionID, result) }
