// ABOUTME: Adapter contract and wire types shared by all channel platforms
// ABOUTME: Adapters deliver inbound messages to a handler and send replies out

package channel

import (
	"context"
)

// Message types carried by InboundMessage.MessageType.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeFile  = "file"
	TypeAudio = "audio"
	TypePost  = "post"
)

// MediaItem is one downloaded attachment from an inbound message.
type MediaItem struct {
	Kind      string // "image", "file", "audio"
	FileName  string
	MediaType string // MIME type
	LocalPath string // absolute path of the saved attachment
	Data      []byte
}

// InboundMessage is a platform message normalized for routing.
type InboundMessage struct {
	ChannelType       string
	AppID             string // credential identity of the receiving adapter, if any
	ExternalID        string // platform chat/group id
	ExternalMessageID string
	SenderID          string
	SenderName        string
	Content           string
	MessageType       string
	Media             []MediaItem
}

// HasMedia reports whether the message carries any attachment.
func (m *InboundMessage) HasMedia() bool {
	return len(m.Media) > 0
}

// OutboundMessage is a reply headed to a platform chat.
type OutboundMessage struct {
	ExternalID string
	Text       string
	FilePaths  []string // local files to upload alongside the text
}

// Handler receives inbound messages from a connected adapter. Adapters
// call it from their receive goroutine; implementations that block
// should spawn their own work.
type Handler func(ctx context.Context, msg InboundMessage)

// Adapter is one long-lived connection to a chat platform. An adapter
// instance serves every binding that shares its credential identity.
type Adapter interface {
	// Name identifies the adapter in logs and status output,
	// e.g. "feishu:cli_a1b2" or "telegram".
	Name() string

	// SetHandler installs the inbound handler. Must be called before
	// Connect.
	SetHandler(h Handler)

	// Connect establishes the platform connection and starts receiving.
	// It returns once the connection is up; receiving continues in the
	// background until Disconnect or ctx cancellation.
	Connect(ctx context.Context) error

	// Disconnect tears down the connection and stops the receive loop.
	Disconnect() error

	// Connected reports whether the adapter currently holds a live
	// platform connection.
	Connected() bool

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error
}

// Factory builds an adapter for a channel type from binding credentials.
// The manager uses it so platform SDKs stay out of routing logic.
type Factory func(channelType string, config map[string]string) (Adapter, error)
