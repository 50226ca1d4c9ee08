package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msx98/telelog/internal/memstore"
	"github.com/msx98/telelog/internal/status"
)

func newStatusHarness(t *testing.T) (*fakeAPI, *Client, *memstore.Store, *StatusMessage) {
	t.Helper()
	api := &fakeAPI{dialogs: []tg.MessagesDialogsClass{sampleDialogs()}}
	c := newTestClient(api)
	_, err := c.ListDialogs(context.Background())
	require.NoError(t, err)

	st := memstore.New()
	return api, c, st, NewStatusMessage(c, st, -12, nil)
}

func TestStatusMessage_SendThenEdit(t *testing.T) {
	api, _, st, r := newStatusHarness(t)
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, status.Snapshot{Session: "alice", Pending: 3}))
	require.Len(t, api.sent, 1)
	assert.Equal(t, &tg.InputPeerChat{ChatID: 12}, api.sent[0].Peer)

	id, err := st.GetSetting(ctx, StatusMessageKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	// identical text is not re-sent
	require.NoError(t, r.Publish(ctx, status.Snapshot{Session: "alice", Pending: 3}))
	assert.Empty(t, api.edits)

	require.NoError(t, r.Publish(ctx, status.Snapshot{Session: "alice", Pending: 2}))
	require.Len(t, api.edits, 1)
	assert.Equal(t, 1, api.edits[0].ID)
	assert.Len(t, api.sent, 1)

	// each session gets its own message
	require.NoError(t, r.Publish(ctx, status.Snapshot{Session: "bob", Pending: 2}))
	assert.Len(t, api.sent, 2)
}

func TestStatusMessage_ResendsDeletedMessage(t *testing.T) {
	api, _, st, r := newStatusHarness(t)
	ctx := context.Background()
	require.NoError(t, st.PutSetting(ctx, StatusMessageKey("alice"), "77"))
	api.editErr = tgerr.New(400, "MESSAGE_ID_INVALID")

	require.NoError(t, r.Publish(ctx, status.Snapshot{Session: "alice"}))

	require.Len(t, api.edits, 1)
	assert.Equal(t, 77, api.edits[0].ID)
	require.Len(t, api.sent, 1)
	id, err := st.GetSetting(ctx, StatusMessageKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, "1", id)
}

func TestStatusMessage_SkipsDuringFloodWait(t *testing.T) {
	api, c, _, r := newStatusHarness(t)
	c.RateLimiter().SetFloodWait(time.Minute)

	require.NoError(t, r.Publish(context.Background(), status.Snapshot{Session: "alice"}))
	assert.Empty(t, api.sent)
}

func TestStatusMessage_UnknownChat(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(api)
	r := NewStatusMessage(c, memstore.New(), -12, nil)

	assert.Error(t, r.Publish(context.Background(), status.Snapshot{Session: "alice"}))
}
