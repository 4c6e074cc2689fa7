// Package events defines the fire-and-forget status notification contract
// consumed by UI and real-time layers. The core never awaits delivery.
package events

import "github.com/rs/zerolog"

// ProxyStatusChanged notifies backend observers that a server's proxy
// status moved.
type ProxyStatusChanged struct {
	ServerID string `json:"server_id"`
}

// ProxyStatusChangedUI notifies the team's real-time UI channels.
type ProxyStatusChangedUI struct {
	TeamID string `json:"team_id"`
}

// ServerValidated notifies that a server finished its validation pipeline.
type ServerValidated struct {
	ServerID string `json:"server_id"`
	State    string `json:"state"`
}

// Bus publishes events to whatever transport the deployment wires in.
type Bus interface {
	Publish(event any)
}

// LogBus is the default bus: it records events in the structured log.
// Deployments with a real-time layer replace it.
type LogBus struct {
	Logger zerolog.Logger
}

func (b *LogBus) Publish(event any) {
	b.Logger.Debug().Type("event", event).Interface("payload", event).Msg("event published")
}
