// Package connector links chat platforms and webhooks to the pipeline
// engine: inbound commands control pipelines, outbound notifications
// announce the states that need a human.
package connector

import "context"

// Connector is the interface for external messaging platforms (Telegram, Slack, etc.).
type Connector interface {
	// Name returns the connector type (e.g., "telegram", "slack").
	Name() string
	// Start begins listening for inbound messages. Blocks until context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
	// Send delivers an outbound message to the external platform.
	Send(ctx context.Context, msg OutboundMessage) error
}

// Sender delivers outbound messages. Every Connector is a Sender.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// OutboundMessage is a message sent from relay to an external platform.
type OutboundMessage struct {
	ChatID  string // Platform-specific chat identifier
	Content string // Message text (Markdown)
}

// InboundMessage is a message received from an external platform.
type InboundMessage struct {
	Channel  string // Connector name (e.g., "telegram")
	SenderID string // Platform-specific sender identifier
	ChatID   string // Platform-specific chat identifier
	Content  string // Message text
}

// InboundHandler processes messages received from external platforms.
type InboundHandler func(ctx context.Context, msg InboundMessage) error
