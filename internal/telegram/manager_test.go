package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/celestix/gotgproto"
	"github.com/glebarez/sqlite"
	"github.com/gotd/td/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestManager_Init_FactoryError(t *testing.T) {
	m := NewManager(Credentials{APIID: 1, APIHash: "hash", Name: "alice", SessionString: "s"}, nil)

	var got Credentials
	m.SetClientFactory(func(ctx context.Context, creds Credentials) (*gotgproto.Client, error) {
		got = creds
		return nil, errors.New("factory failure")
	})

	err := m.Init(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "alice")
	assert.Contains(t, err.Error(), "factory failure")
	assert.Equal(t, StatusUnauthorized, m.GetStatus())
	assert.Equal(t, "s", got.SessionString)
	assert.Nil(t, m.GetClient())
}

func TestNewSessionClient_NoSession(t *testing.T) {
	_, err := NewSessionClient(context.Background(), Credentials{Name: "bob"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bob")
}

func TestManager_StartQR_FactoryError(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	m := NewManager(Credentials{APIID: 1, APIHash: "hash", Name: "alice", DB: db}, nil)
	m.SetQRClientFactory(func(creds Credentials) (*QRClientBundle, error) {
		return nil, errors.New("factory reached")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var receivedURL string
	err = m.StartQR(ctx, func(url string) { receivedURL = url })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "factory reached")
	assert.Empty(t, receivedURL)
	assert.False(t, m.IsQRInProgress())
}

func TestManager_StartQR_NeedsDatabase(t *testing.T) {
	m := NewManager(Credentials{Name: "alice"}, nil)
	err := m.StartQR(context.Background(), func(string) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session database")
}

func TestManager_GetStatus_Concurrent(t *testing.T) {
	m := NewManager(Credentials{Name: "alice"}, nil)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			m.GetStatus()
		}()
	}

	close(start)
	wg.Wait()
}

func TestManager_Stop_Graceful(t *testing.T) {
	m := NewManager(Credentials{Name: "alice"}, nil)
	assert.NotPanics(t, func() {
		m.Stop()
	})
}

func TestStoredSession(t *testing.T) {
	input := &session.Data{
		DC:      2,
		Addr:    "149.154.167.40:443",
		AuthKey: []byte("test-auth-key-32-bytes-long-abc"),
	}

	result, err := storedSession(input)
	require.NoError(t, err)
	assert.NotZero(t, result.Version)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(result.Data, &parsed))
	assert.Equal(t, float64(2), parsed["DC"])
	assert.Equal(t, "149.154.167.40:443", parsed["Addr"])

	_, err = storedSession(nil)
	assert.Error(t, err)
}

func TestManager_SaveSession(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	m := NewManager(Credentials{Name: "alice", DB: db}, nil)
	require.NoError(t, m.saveSession(&session.Data{DC: 2}))
	require.NoError(t, m.saveSession(&session.Data{DC: 4}))

	var count int64
	require.NoError(t, db.Table("sessions").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
