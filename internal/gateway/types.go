// Package gateway fans simulation output to live listeners: the SSE
// bus, the websocket hub and optional chat platform broadcasters.
package gateway

import "context"

// Adapter is an outbound sink for simulation events.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Deliver(ctx context.Context, event *Event) error
	Close() error
}

// Event is one simulation update fanned out to every adapter.
type Event struct {
	Kind    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}
