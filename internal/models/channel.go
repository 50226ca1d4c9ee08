package models

// NoMessageID marks an absent message id (never written, unknown top).
const NoMessageID int64 = -1

// ChatKind is the source-platform type of a conversation.
type ChatKind string

// ChatKind constants mirror the chat_type enum in the messages schema.
const (
	ChatKindChannel    ChatKind = "channel"
	ChatKindGroup      ChatKind = "group"
	ChatKindSupergroup ChatKind = "supergroup"
	ChatKindPrivate    ChatKind = "private"
	ChatKindBot        ChatKind = "bot"
)

// IsGroup reports whether the chat is a basic group or a supergroup.
func (k ChatKind) IsGroup() bool {
	return k == ChatKindGroup || k == ChatKindSupergroup
}

// Channel is one observation of a conversation made by a message source.
type Channel struct {
	ChatID     int64    `json:"chat_id"`
	Title      string   `json:"title"`
	Username   string   `json:"username,omitempty"`
	InviteLink string   `json:"invite_link,omitempty"`
	Kind       ChatKind `json:"kind"`
	Restricted bool     `json:"restricted,omitempty"`

	// TopAvailableMessageID is the highest message id the source reports,
	// nil when unknown or when the chat is not readable.
	TopAvailableMessageID *int64 `json:"top_available_message_id,omitempty"`
}

// Top returns the top available message id or NoMessageID.
func (c Channel) Top() int64 {
	if c.TopAvailableMessageID == nil {
		return NoMessageID
	}
	return *c.TopAvailableMessageID
}

// Accessible reports whether the channel has a readable history.
func (c Channel) Accessible() bool {
	return !c.Restricted && c.TopAvailableMessageID != nil
}

// StoredChannel is the persisted projection of a Channel.
type StoredChannel struct {
	Channel

	// CommittedHighWaterMark is the highest message id durably written,
	// nil when nothing was committed yet.
	CommittedHighWaterMark *int64 `json:"committed_high_water_mark,omitempty"`
}

// Committed returns the committed high-water mark or NoMessageID.
func (s StoredChannel) Committed() int64 {
	if s.CommittedHighWaterMark == nil {
		return NoMessageID
	}
	return *s.CommittedHighWaterMark
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}
