package telegram

import (
	"time"

	"github.com/gotd/td/tg"

	"github.com/msx98/telelog/internal/models"
)

// normalizeMessage converts an SDK message into the stored record of chatID.
func normalizeMessage(chatID int64, m *tg.Message) models.Message {
	out := models.Message{
		ChatID:    chatID,
		MessageID: int64(m.ID),
		Date:      time.Unix(int64(m.Date), 0).UTC(),
		Text:      m.Message,
		MediaType: mediaKind(m.Media),
	}

	if from, ok := m.GetFromID(); ok {
		out.SenderID = peerPtr(from)
	}
	out.ReplyToMessageID = replyTo(m.ReplyTo)

	if fwd, ok := m.GetFwdFrom(); ok {
		if from, ok := fwd.GetFromID(); ok {
			out.ForwardFromChatID = peerPtr(from)
		}
		if post, ok := fwd.GetChannelPost(); ok {
			out.ForwardFromMessageID = models.Int64Ptr(int64(post))
		}
	}

	if views, ok := m.GetViews(); ok {
		out.Views = &views
	}
	if forwards, ok := m.GetForwards(); ok {
		out.Forwards = &forwards
	}
	if reactions, ok := m.GetReactions(); ok {
		total := 0
		for _, r := range reactions.Results {
			total += r.Count
		}
		out.ReactionsVoteCount = &total
	}
	if _, ok := m.Media.(*tg.MessageMediaPoll); ok {
		out.HasPoll = true
	}

	return out
}

// normalizeService keeps service messages (joins, pins, title changes) as
// text-less records so the stored id sequence has no holes.
func normalizeService(chatID int64, m *tg.MessageService) models.Message {
	out := models.Message{
		ChatID:    chatID,
		MessageID: int64(m.ID),
		Date:      time.Unix(int64(m.Date), 0).UTC(),
		MediaType: models.MediaOther,
	}
	if from, ok := m.GetFromID(); ok {
		out.SenderID = peerPtr(from)
	}
	out.ReplyToMessageID = replyTo(m.ReplyTo)
	return out
}

// normalizeHistory converts one history page. Empty messages are dropped.
func normalizeHistory(chatID int64, messages []tg.MessageClass) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, raw := range messages {
		switch m := raw.(type) {
		case *tg.Message:
			out = append(out, normalizeMessage(chatID, m))
		case *tg.MessageService:
			out = append(out, normalizeService(chatID, m))
		}
	}
	return out
}

func peerPtr(p tg.PeerClass) *int64 {
	if id := peerID(p); id != 0 {
		return &id
	}
	return nil
}

func replyTo(h tg.MessageReplyHeaderClass) *int64 {
	header, ok := h.(*tg.MessageReplyHeader)
	if !ok {
		return nil
	}
	if id, ok := header.GetReplyToMsgID(); ok {
		return models.Int64Ptr(int64(id))
	}
	return nil
}

func mediaKind(media tg.MessageMediaClass) models.MediaKind {
	switch m := media.(type) {
	case nil, *tg.MessageMediaEmpty:
		return models.MediaNone
	case *tg.MessageMediaPhoto:
		return models.MediaPhoto
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return models.MediaDocument
		}
		return documentKind(doc)
	case *tg.MessageMediaPoll:
		return models.MediaPoll
	case *tg.MessageMediaWebPage:
		return models.MediaWebPage
	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive, *tg.MessageMediaVenue:
		return models.MediaGeo
	case *tg.MessageMediaContact:
		return models.MediaContact
	default:
		return models.MediaOther
	}
}

// documentKind classifies a document by its attributes. Animations carry a
// video attribute too, so they are checked first.
func documentKind(doc *tg.Document) models.MediaKind {
	var (
		video, round, audio, voice bool
	)
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeSticker:
			return models.MediaSticker
		case *tg.DocumentAttributeAnimated:
			return models.MediaAnimation
		case *tg.DocumentAttributeVideo:
			video = true
			round = a.RoundMessage
		case *tg.DocumentAttributeAudio:
			audio = true
			voice = a.Voice
		}
	}

	switch {
	case round:
		return models.MediaVideoNote
	case video:
		return models.MediaVideo
	case voice:
		return models.MediaVoice
	case audio:
		return models.MediaAudio
	default:
		return models.MediaDocument
	}
}

// dialogChannel describes the chat behind a dialog and returns the input
// peer used to query its history.
func dialogChannel(peer tg.PeerClass, chats map[int64]tg.ChatClass, users map[int64]tg.UserClass) (models.Channel, tg.InputPeerClass, bool) {
	switch p := peer.(type) {
	case *tg.PeerChannel:
		switch ch := chats[markChannel(p.ChannelID)].(type) {
		case *tg.Channel:
			kind := models.ChatKindChannel
			if ch.Megagroup {
				kind = models.ChatKindSupergroup
			}
			return models.Channel{
				ChatID:     markChannel(ch.ID),
				Title:      ch.Title,
				Username:   ch.Username,
				Kind:       kind,
				Restricted: ch.Restricted || ch.Left,
			}, &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, true
		case *tg.ChannelForbidden:
			kind := models.ChatKindChannel
			if ch.Megagroup {
				kind = models.ChatKindSupergroup
			}
			return models.Channel{
				ChatID:     markChannel(ch.ID),
				Title:      ch.Title,
				Kind:       kind,
				Restricted: true,
			}, &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, true
		}
	case *tg.PeerChat:
		switch ch := chats[markChat(p.ChatID)].(type) {
		case *tg.Chat:
			return models.Channel{
				ChatID:     markChat(ch.ID),
				Title:      ch.Title,
				Kind:       models.ChatKindGroup,
				Restricted: ch.Deactivated || ch.Left,
			}, &tg.InputPeerChat{ChatID: ch.ID}, true
		case *tg.ChatForbidden:
			return models.Channel{
				ChatID:     markChat(ch.ID),
				Title:      ch.Title,
				Kind:       models.ChatKindGroup,
				Restricted: true,
			}, &tg.InputPeerChat{ChatID: ch.ID}, true
		}
	case *tg.PeerUser:
		if u, ok := users[p.UserID].(*tg.User); ok {
			kind := models.ChatKindPrivate
			if u.Bot {
				kind = models.ChatKindBot
			}
			return models.Channel{
				ChatID:     u.ID,
				Title:      userTitle(u),
				Username:   u.Username,
				Kind:       kind,
				Restricted: u.Deleted,
			}, &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}, true
		}
	}
	return models.Channel{}, nil, false
}

func userTitle(u *tg.User) string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	default:
		return u.Username
	}
}
