package models

import "time"

// MediaKind names the attachment carried by a message.
type MediaKind string

// MediaKind constants follow the media_type enum in the messages schema.
const (
	MediaNone      MediaKind = ""
	MediaPhoto     MediaKind = "photo"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaVideo     MediaKind = "video"
	MediaVideoNote MediaKind = "video_note"
	MediaSticker   MediaKind = "sticker"
	MediaAnimation MediaKind = "animation"
	MediaPoll      MediaKind = "poll"
	MediaWebPage   MediaKind = "web_page"
	MediaGeo       MediaKind = "location"
	MediaContact   MediaKind = "contact"
	MediaOther     MediaKind = "other"
)

// Message is a normalized message record keyed by (ChatID, MessageID).
type Message struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int64     `json:"message_id"`
	Date      time.Time `json:"date"`
	Text      string    `json:"text,omitempty"`

	SenderID             *int64 `json:"sender_id,omitempty"`
	ReplyToMessageID     *int64 `json:"reply_to_message_id,omitempty"`
	ForwardFromChatID    *int64 `json:"forward_from_chat_id,omitempty"`
	ForwardFromMessageID *int64 `json:"forward_from_message_id,omitempty"`

	Views              *int      `json:"views,omitempty"`
	Forwards           *int      `json:"forwards,omitempty"`
	ReactionsVoteCount *int      `json:"reactions_vote_count,omitempty"`
	MediaType          MediaKind `json:"media_type,omitempty"`
	HasPoll            bool      `json:"has_poll"`
}

// HasText reports whether the message carries text.
func (m Message) HasText() bool {
	return m.Text != ""
}

// HasMedia reports whether the message carries an attachment.
func (m Message) HasMedia() bool {
	return m.MediaType != MediaNone
}
