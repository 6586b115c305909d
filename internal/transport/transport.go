// Package transport defines the contract between the gateway core and
// whatever heterogeneous chat surface (web, mobile, email, issue tracker)
// delivers and receives messages. The gateway treats every Channel as
// opaque and queries its capabilities per call rather than assuming any
// are present.
package transport

import "context"

// EventKind distinguishes a user message from a reaction to a prior
// message.
type EventKind string

const (
	KindMessage  EventKind = "message"
	KindReaction EventKind = "reaction"
)

// InboundEvent is what a transport pushes onto the shared inbound queue on
// receipt. It is immutable and consumed exactly once by its lane.
type InboundEvent struct {
	MessageID  string
	ChannelID  string
	SenderID   string
	ThreadID   string // optional, empty if not applicable
	IsGroup    bool
	Kind       EventKind
	Content    string
	Metadata   map[string]any // opaque JSON, transport-defined
	ReceivedAt int64          // unix nanos
}

// Attachment is a file or media reference carried by an OutboundMessage.
type Attachment struct {
	Name      string
	MediaType string
	URL       string
	Data      []byte
}

// OutboundMessage is what the core asks a transport to deliver.
// Metadata is opaque JSON; specific transports interpret recognized keys
// (e.g. an edit-target message id, a clear-markup flag, an inline-keyboard
// spec whose button callbacks are "approve:{uuid}" / "deny:{uuid}").
type OutboundMessage struct {
	Content           string
	ReplyToMessageID  string
	Attachments       []Attachment
	Metadata          map[string]any
}

// Common recognized OutboundMessage.Metadata keys (§6).
const (
	MetaEditMessageID  = "edit_message_id"
	MetaClearMarkup    = "clear_markup"
	MetaInlineKeyboard = "inline_keyboard"
)

// InlineButton is one button in an OutboundMessage.Metadata
// "inline_keyboard" spec.
type InlineButton struct {
	Label    string `json:"label"`
	Callback string `json:"callback"` // "approve:{uuid}" or "deny:{uuid}"
}

// Channel is the polymorphic capability set every transport implements.
// The gateway never assumes a capability is available — it asks.
type Channel interface {
	// ID is this channel's identity, e.g. "telegram", "webchat".
	ID() string

	// Start begins asynchronous ingestion, pushing InboundEvents onto
	// inbound until ctx is canceled. It must return once ingestion has
	// wound down (or immediately, if it runs ingestion in its own
	// goroutine and returns after setup).
	Start(ctx context.Context, inbound chan<- InboundEvent) error

	// Send delivers a complete OutboundMessage to recipientID.
	Send(ctx context.Context, recipientID string, msg OutboundMessage) error

	// SendDelta forwards one incremental content token, valid only when
	// SupportsStreamingDeltas() is true.
	SendDelta(ctx context.Context, recipientID string, delta string) error

	// SendTyping toggles a typing indicator, a no-op if unsupported.
	SendTyping(ctx context.Context, recipientID string, on bool) error

	SupportsStreamingDeltas() bool
	SupportsTypingEvents() bool
	SupportsReactions() bool
}

// Notifier adapts a Channel+recipient pair to llm.Notifier, used for
// rate-limit and backoff notices sent to non-streaming transports.
type Notifier struct {
	Channel     Channel
	RecipientID string
}

func (n Notifier) Notify(ctx context.Context, text string) error {
	return n.Channel.Send(ctx, n.RecipientID, OutboundMessage{Content: text})
}
