package telegram

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/msx98/telelog/internal/logger"
	"github.com/msx98/telelog/internal/status"
	"github.com/msx98/telelog/internal/store"
)

// Settings stores the id of each session's status message.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// StatusMessageKey returns the configuration key holding the status
// message id of session.
func StatusMessageKey(session string) string {
	return "status_msg:" + session
}

// StatusMessage keeps one editable message per session in a debug chat.
type StatusMessage struct {
	client   *Client
	settings Settings
	chatID   int64
	log      *logger.Logger

	mu   sync.Mutex
	last map[string]string
}

var _ status.Reporter = (*StatusMessage)(nil)

// NewStatusMessage creates a reporter that posts through client into chatID.
// The chat must be among the client's listed dialogs.
func NewStatusMessage(client *Client, settings Settings, chatID int64, log *logger.Logger) *StatusMessage {
	if log == nil {
		log = logger.Get()
	}
	return &StatusMessage{
		client:   client,
		settings: settings,
		chatID:   chatID,
		log:      log,
		last:     make(map[string]string),
	}
}

// Publish edits the session's status message, sending a new one when none
// exists yet. Unchanged text and active flood waits skip the update.
func (r *StatusMessage) Publish(ctx context.Context, s status.Snapshot) error {
	text := s.Text()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.last[s.Session] == text {
		return nil
	}
	if r.client.RateLimiter().FloodWaitRemaining() > 0 {
		return nil
	}

	peer, ok := r.client.peer(r.chatID)
	if !ok {
		return fmt.Errorf("status chat %d is not among the dialogs of %s", r.chatID, r.client.Name())
	}
	api, err := r.client.api()
	if err != nil {
		return err
	}

	key := StatusMessageKey(s.Session)
	id, err := r.messageID(ctx, key)
	if err != nil {
		return err
	}

	if id > 0 {
		_, err = api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
			Peer:    peer,
			ID:      id,
			Message: text,
		})
		switch {
		case err == nil, tgerr.Is(err, "MESSAGE_NOT_MODIFIED"):
			r.last[s.Session] = text
			return nil
		case tgerr.Is(err, "MESSAGE_ID_INVALID", "MESSAGE_EDIT_TIME_EXPIRED", "MESSAGE_AUTHOR_REQUIRED"):
			r.log.Info().Str("session", s.Session).Int("message_id", id).Msg("status message gone, sending a new one")
		default:
			return fmt.Errorf("edit status message: %w", r.client.mapError(err))
		}
	}

	updates, err := api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rand.Int64(),
	})
	if err != nil {
		return fmt.Errorf("send status message: %w", r.client.mapError(err))
	}
	r.last[s.Session] = text

	if sent := sentMessageID(updates); sent > 0 {
		if err := r.settings.PutSetting(ctx, key, strconv.Itoa(sent)); err != nil {
			return fmt.Errorf("save status message id: %w", err)
		}
	}
	return nil
}

func (r *StatusMessage) messageID(ctx context.Context, key string) (int, error) {
	raw, err := r.settings.GetSetting(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load status message id: %w", err)
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, nil
	}
	return id, nil
}

// sentMessageID extracts the id of a message we just sent.
func sentMessageID(updates tg.UpdatesClass) int {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID
	case *tg.Updates:
		for _, upd := range u.Updates {
			switch v := upd.(type) {
			case *tg.UpdateMessageID:
				return v.ID
			case *tg.UpdateNewMessage:
				return messageID(v.Message)
			case *tg.UpdateNewChannelMessage:
				return messageID(v.Message)
			}
		}
	}
	return 0
}

func messageID(m tg.MessageClass) int {
	if msg, ok := m.(*tg.Message); ok {
		return msg.ID
	}
	return 0
}
