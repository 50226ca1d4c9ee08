package telegram

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msx98/telelog/internal/models"
)

func TestNormalizeMessage(t *testing.T) {
	m := &tg.Message{
		ID:      42,
		Date:    1700000000,
		Message: "hello",
		PeerID:  &tg.PeerChannel{ChannelID: 10},
		Media:   &tg.MessageMediaPoll{},
	}
	m.SetFromID(&tg.PeerUser{UserID: 7})
	reply := &tg.MessageReplyHeader{}
	reply.SetReplyToMsgID(40)
	m.SetReplyTo(reply)
	fwd := tg.MessageFwdHeader{}
	fwd.SetFromID(&tg.PeerChannel{ChannelID: 99})
	fwd.SetChannelPost(5)
	m.SetFwdFrom(fwd)
	m.SetViews(100)
	m.SetForwards(3)
	m.SetReactions(tg.MessageReactions{Results: []tg.ReactionCount{{Count: 2}, {Count: 5}}})

	got := normalizeMessage(-1000000000010, m)

	assert.Equal(t, int64(-1000000000010), got.ChatID)
	assert.Equal(t, int64(42), got.MessageID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), got.Date)
	assert.Equal(t, "hello", got.Text)
	require.NotNil(t, got.SenderID)
	assert.Equal(t, int64(7), *got.SenderID)
	require.NotNil(t, got.ReplyToMessageID)
	assert.Equal(t, int64(40), *got.ReplyToMessageID)
	require.NotNil(t, got.ForwardFromChatID)
	assert.Equal(t, int64(-1000000000099), *got.ForwardFromChatID)
	require.NotNil(t, got.ForwardFromMessageID)
	assert.Equal(t, int64(5), *got.ForwardFromMessageID)
	require.NotNil(t, got.Views)
	assert.Equal(t, 100, *got.Views)
	require.NotNil(t, got.Forwards)
	assert.Equal(t, 3, *got.Forwards)
	require.NotNil(t, got.ReactionsVoteCount)
	assert.Equal(t, 7, *got.ReactionsVoteCount)
	assert.True(t, got.HasPoll)
	assert.Equal(t, models.MediaPoll, got.MediaType)
}

func TestNormalizeMessage_Plain(t *testing.T) {
	got := normalizeMessage(-12, &tg.Message{ID: 1, Date: 1, Message: "hi"})

	assert.Nil(t, got.SenderID)
	assert.Nil(t, got.ReplyToMessageID)
	assert.Nil(t, got.ForwardFromChatID)
	assert.Nil(t, got.Views)
	assert.Nil(t, got.ReactionsVoteCount)
	assert.False(t, got.HasMedia())
	assert.True(t, got.HasText())
}

func TestMediaKind(t *testing.T) {
	doc := func(attrs ...tg.DocumentAttributeClass) tg.MessageMediaClass {
		return &tg.MessageMediaDocument{Document: &tg.Document{Attributes: attrs}}
	}

	tests := []struct {
		name  string
		media tg.MessageMediaClass
		want  models.MediaKind
	}{
		{"none", nil, models.MediaNone},
		{"empty", &tg.MessageMediaEmpty{}, models.MediaNone},
		{"photo", &tg.MessageMediaPhoto{}, models.MediaPhoto},
		{"file", doc(&tg.DocumentAttributeFilename{FileName: "a.pdf"}), models.MediaDocument},
		{"video", doc(&tg.DocumentAttributeVideo{}), models.MediaVideo},
		{"round video", doc(&tg.DocumentAttributeVideo{RoundMessage: true}), models.MediaVideoNote},
		{"gif", doc(&tg.DocumentAttributeVideo{}, &tg.DocumentAttributeAnimated{}), models.MediaAnimation},
		{"audio", doc(&tg.DocumentAttributeAudio{}), models.MediaAudio},
		{"voice", doc(&tg.DocumentAttributeAudio{Voice: true}), models.MediaVoice},
		{"sticker", doc(&tg.DocumentAttributeSticker{}), models.MediaSticker},
		{"poll", &tg.MessageMediaPoll{}, models.MediaPoll},
		{"web page", &tg.MessageMediaWebPage{}, models.MediaWebPage},
		{"venue", &tg.MessageMediaVenue{}, models.MediaGeo},
		{"contact", &tg.MessageMediaContact{}, models.MediaContact},
		{"dice", &tg.MessageMediaDice{}, models.MediaOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mediaKind(tt.media))
		})
	}
}

func TestNormalizeHistory(t *testing.T) {
	raw := []tg.MessageClass{
		&tg.Message{ID: 3, Date: 3},
		&tg.MessageService{ID: 2, Date: 2},
		&tg.MessageEmpty{ID: 1},
	}

	got := normalizeHistory(-12, raw)

	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].MessageID)
	assert.Equal(t, int64(2), got[1].MessageID)
	assert.Equal(t, models.MediaOther, got[1].MediaType)
}

func TestPeerID(t *testing.T) {
	assert.Equal(t, int64(5), peerID(&tg.PeerUser{UserID: 5}))
	assert.Equal(t, int64(-5), peerID(&tg.PeerChat{ChatID: 5}))
	assert.Equal(t, int64(-1000000000005), peerID(&tg.PeerChannel{ChannelID: 5}))
	assert.Equal(t, int64(0), peerID(nil))
}
