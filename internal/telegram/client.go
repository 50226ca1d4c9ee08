// Package telegram implements the message source over the Telegram MTProto
// API (gotd/td through gotgproto).
package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/msx98/telelog/internal/logger"
	"github.com/msx98/telelog/internal/metrics"
	"github.com/msx98/telelog/internal/models"
	"github.com/msx98/telelog/internal/source"
)

// pageLimit is the largest page the API serves for dialogs and history.
const pageLimit = 100

// inaccessibleErrors are RPC error types that make a chat unreadable.
var inaccessibleErrors = []string{
	"CHANNEL_PRIVATE",
	"CHANNEL_INVALID",
	"CHANNEL_PUBLIC_GROUP_NA",
	"CHAT_FORBIDDEN",
	"CHAT_ID_INVALID",
	"PEER_ID_INVALID",
	"USER_BANNED_IN_CHANNEL",
}

// API is the subset of tg.Client used by the source.
type API interface {
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	MessagesSendMessage(ctx context.Context, request *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
	MessagesEditMessage(ctx context.Context, request *tg.MessagesEditMessageRequest) (tg.UpdatesClass, error)
}

// Client is a source.MessageSource backed by one Telegram account.
type Client struct {
	name        string
	manager     *Manager
	api         func() (API, error)
	rateLimiter *RateLimiter
	log         *logger.Logger

	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass
}

var _ source.MessageSource = (*Client)(nil)

// NewClient creates a message source on top of an initialized manager.
func NewClient(manager *Manager, rateLimiter *RateLimiter, log *logger.Logger) *Client {
	c := newClient(manager.Name(), func() (API, error) {
		proto := manager.GetClient()
		if proto == nil {
			return nil, ErrNotAuthorized
		}
		return proto.API(), nil
	}, rateLimiter, log)
	c.manager = manager
	return c
}

func newClient(name string, api func() (API, error), rateLimiter *RateLimiter, log *logger.Logger) *Client {
	if rateLimiter == nil {
		rateLimiter = DefaultRateLimiter()
	}
	if log == nil {
		log = logger.Get()
	}
	return &Client{
		name:        name,
		api:         api,
		rateLimiter: rateLimiter,
		log:         log.WithSession(name),
		peers:       make(map[int64]tg.InputPeerClass),
	}
}

// Name returns the account name.
func (c *Client) Name() string { return c.name }

// Close stops the underlying client.
func (c *Client) Close() error {
	if c.manager != nil {
		c.manager.Stop()
	}
	return nil
}

// RateLimiter returns the account's request limiter.
func (c *Client) RateLimiter() *RateLimiter { return c.rateLimiter }

// ListDialogs walks the account's dialog list and returns every chat it
// can see, remembering input peers for later history requests.
func (c *Client) ListDialogs(ctx context.Context) ([]models.Channel, error) {
	api, err := c.api()
	if err != nil {
		return nil, err
	}

	var (
		out        []models.Channel
		seen       = make(map[int64]bool)
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)

	for {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      pageLimit,
		})
		if err != nil {
			if _, limited := source.IsRateLimited(c.mapError(err)); limited {
				continue
			}
			return nil, fmt.Errorf("get dialogs: %w", err)
		}

		var (
			dialogs  []tg.DialogClass
			messages []tg.MessageClass
			rawChats []tg.ChatClass
			rawUsers []tg.UserClass
			last     bool
		)
		switch d := res.(type) {
		case *tg.MessagesDialogs:
			dialogs, messages, rawChats, rawUsers, last = d.Dialogs, d.Messages, d.Chats, d.Users, true
		case *tg.MessagesDialogsSlice:
			dialogs, messages, rawChats, rawUsers = d.Dialogs, d.Messages, d.Chats, d.Users
		default:
			return out, nil
		}

		chats := make(map[int64]tg.ChatClass)
		for _, ch := range rawChats {
			switch v := ch.(type) {
			case *tg.Channel:
				chats[markChannel(v.ID)] = v
			case *tg.ChannelForbidden:
				chats[markChannel(v.ID)] = v
			case *tg.Chat:
				chats[markChat(v.ID)] = v
			case *tg.ChatForbidden:
				chats[markChat(v.ID)] = v
			}
		}
		users := make(map[int64]tg.UserClass)
		for _, u := range rawUsers {
			if v, ok := u.(*tg.User); ok {
				users[v.ID] = v
			}
		}
		dates := make(map[dialogMessageKey]int)
		for _, raw := range messages {
			switch m := raw.(type) {
			case *tg.Message:
				dates[dialogMessageKey{peerID(m.PeerID), m.ID}] = m.Date
			case *tg.MessageService:
				dates[dialogMessageKey{peerID(m.PeerID), m.ID}] = m.Date
			}
		}

		var lastPeer tg.InputPeerClass
		var lastTop int
		for _, raw := range dialogs {
			d, ok := raw.(*tg.Dialog)
			if !ok {
				continue
			}
			ch, input, ok := dialogChannel(d.Peer, chats, users)
			if !ok {
				continue
			}
			lastPeer, lastTop = input, d.TopMessage
			if date, ok := dates[dialogMessageKey{ch.ChatID, d.TopMessage}]; ok {
				offsetDate = date
			}
			if seen[ch.ChatID] {
				continue
			}
			seen[ch.ChatID] = true

			if d.TopMessage > 0 {
				ch.TopAvailableMessageID = models.Int64Ptr(int64(d.TopMessage))
			}
			c.rememberPeer(ch.ChatID, input)
			out = append(out, ch)
		}

		if last || len(dialogs) < pageLimit || lastPeer == nil {
			break
		}
		offsetID, offsetPeer = lastTop, lastPeer
	}

	c.log.Info().Int("dialogs", len(out)).Msg("telegram: dialogs listed")
	return out, nil
}

// GetHistory streams messages of chatID with id < before, newest first.
func (c *Client) GetHistory(ctx context.Context, chatID int64, before int64) source.HistoryIterator {
	return &historyIterator{c: c, chatID: chatID, before: before, idx: -1}
}

func (c *Client) rememberPeer(chatID int64, peer tg.InputPeerClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[chatID] = peer
}

func (c *Client) peer(chatID int64) (tg.InputPeerClass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[chatID]
	return p, ok
}

// mapError translates RPC errors into the source taxonomy. Flood waits also
// pause the account's limiter.
func (c *Client) mapError(err error) error {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		c.log.Warn().Dur("wait", wait).Msg("telegram: FLOOD_WAIT received")
		c.rateLimiter.SetFloodWait(wait)
		metrics.FloodWaitSeconds.WithLabelValues(c.name).Observe(wait.Seconds())
		return &source.RateLimitedError{Wait: wait}
	}
	if tgerr.Is(err, inaccessibleErrors...) {
		return fmt.Errorf("%w: %w", source.ErrChannelInaccessible, err)
	}
	return err
}

type historyIterator struct {
	c      *Client
	chatID int64
	before int64

	page []models.Message
	idx  int
	done bool
	err  error
}

func (it *historyIterator) Next(ctx context.Context) bool {
	for {
		if it.err != nil {
			return false
		}
		if it.idx+1 < len(it.page) {
			it.idx++
			return true
		}
		if it.done {
			return false
		}
		if err := it.fetch(ctx); err != nil {
			it.err = err
			return false
		}
	}
}

func (it *historyIterator) Message() models.Message { return it.page[it.idx] }

func (it *historyIterator) Err() error { return it.err }

func (it *historyIterator) fetch(ctx context.Context) error {
	peer, ok := it.c.peer(it.chatID)
	if !ok {
		return fmt.Errorf("%w: chat %d was not listed by %s", source.ErrChannelInaccessible, it.chatID, it.c.name)
	}
	api, err := it.c.api()
	if err != nil {
		return err
	}
	if err := it.c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	offsetID := 0
	if it.before > 0 {
		offsetID = int(it.before)
	}

	start := time.Now()
	res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: offsetID,
		Limit:    pageLimit,
	})
	if err != nil {
		return fmt.Errorf("get history of %d: %w", it.chatID, it.c.mapError(err))
	}

	var raw []tg.MessageClass
	switch h := res.(type) {
	case *tg.MessagesMessages:
		raw = h.Messages
	case *tg.MessagesMessagesSlice:
		raw = h.Messages
	case *tg.MessagesChannelMessages:
		raw = h.Messages
	}

	it.page = normalizeHistory(it.chatID, raw)
	it.idx = -1
	if len(it.page) == 0 {
		it.done = true
		return nil
	}
	it.before = it.page[len(it.page)-1].MessageID

	it.c.log.Debug().
		Int64("channel_id", it.chatID).
		Int("offset_id", offsetID).
		Int("messages", len(it.page)).
		Dur("took", time.Since(start)).
		Msg("telegram: history page")
	return nil
}
