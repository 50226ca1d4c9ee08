package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/storage"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram/auth/qrlogin"

	"github.com/msx98/telelog/internal/logger"
)

// Status represents the Telegram client status.
type Status string

// Status constants define the possible states of the Telegram client.
const (
	StatusInitializing Status = "INITIALIZING"
	StatusReady        Status = "READY"
	StatusUnauthorized Status = "UNAUTHORIZED"
	StatusError        Status = "ERROR"
)

// ErrNotAuthorized is returned when the account has no running client.
var ErrNotAuthorized = errors.New("telegram client not authorized")

// ClientFactory is a function that creates a telegram client.
type ClientFactory func(ctx context.Context, creds Credentials) (*gotgproto.Client, error)

// QRClientFactory is a function that creates a raw telegram client for QR auth.
type QRClientFactory func(creds Credentials) (*QRClientBundle, error)

// Manager handles the client lifecycle of one account.
type Manager struct {
	creds  Credentials
	client *gotgproto.Client
	log    *logger.Logger

	status Status
	mu     sync.RWMutex

	clientFactory   ClientFactory
	qrClientFactory QRClientFactory

	qrInProgress atomic.Bool
}

// NewManager creates a manager for one account.
func NewManager(creds Credentials, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Get()
	}
	return &Manager{
		creds:           creds,
		log:             log.WithSession(creds.Name),
		status:          StatusInitializing,
		clientFactory:   NewSessionClient,
		qrClientFactory: NewQRClient,
	}
}

// SetClientFactory allows overriding the client creation logic (e.g. for testing).
func (m *Manager) SetClientFactory(f ClientFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientFactory = f
}

// SetQRClientFactory allows overriding the QR client creation logic (e.g. for testing).
func (m *Manager) SetQRClientFactory(f QRClientFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qrClientFactory = f
}

// Name returns the account name.
func (m *Manager) Name() string { return m.creds.Name }

// GetStatus returns the current Telegram client status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// GetClient returns the underlying Telegram client.
func (m *Manager) GetClient() *gotgproto.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Init connects the account. Unlike an interactive app, a crawler cannot
// wait for a login, so a failure is returned to the caller.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	m.status = StatusInitializing
	factory := m.clientFactory
	m.mu.Unlock()

	client, err := factory(ctx, m.creds)
	if err != nil {
		m.mu.Lock()
		m.status = StatusUnauthorized
		m.mu.Unlock()
		return fmt.Errorf("init session %q: %w", m.creds.Name, err)
	}

	m.mu.Lock()
	m.client = client
	m.status = StatusReady
	m.mu.Unlock()

	m.log.Info().Msg("telegram: client is ready")
	return nil
}

// IsQRInProgress returns true if a QR login flow is currently in progress.
func (m *Manager) IsQRInProgress() bool {
	return m.qrInProgress.Load()
}

// StartQR runs the QR login flow, stores the session in the credentials'
// database and initializes the client from it. It blocks until login
// succeeds or ctx is cancelled.
func (m *Manager) StartQR(ctx context.Context, onQRCode func(url string)) error {
	if m.creds.DB == nil {
		return fmt.Errorf("QR login needs a session database")
	}
	if m.GetStatus() == StatusReady {
		return fmt.Errorf("already logged in")
	}
	if !m.qrInProgress.CompareAndSwap(false, true) {
		return fmt.Errorf("QR login already in progress")
	}
	defer m.qrInProgress.Store(false)

	m.mu.RLock()
	factory := m.qrClientFactory
	m.mu.RUnlock()

	bundle, err := factory(m.creds)
	if err != nil {
		return fmt.Errorf("create QR client: %w", err)
	}

	var authErr error
	var sessionData *session.Data

	err = bundle.Client.Run(ctx, func(ctx context.Context) error {
		qr := bundle.Client.QR()
		loggedIn := qrlogin.OnLoginToken(&bundle.Dispatcher)

		_, authErr = qr.Auth(ctx, loggedIn, func(_ context.Context, token qrlogin.Token) error {
			m.log.Info().Msg("telegram: QR token generated")
			onQRCode(token.URL())
			return nil
		})
		if authErr != nil {
			return authErr
		}

		loader := session.Loader{Storage: bundle.Storage}
		sessionData, authErr = loader.Load(ctx)
		return authErr
	})
	if err != nil || authErr != nil {
		if errors.Is(err, context.Canceled) || errors.Is(authErr, context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("QR auth flow failed: %w", errors.Join(err, authErr))
	}
	if sessionData == nil {
		return fmt.Errorf("session data is nil after successful auth")
	}

	m.log.Info().Msg("telegram: QR auth success, saving session")
	if err := m.saveSession(sessionData); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return m.Init(ctx)
}

func (m *Manager) saveSession(data *session.Data) error {
	sess, err := storedSession(data)
	if err != nil {
		return err
	}
	if err := m.creds.DB.AutoMigrate(&storage.Session{}); err != nil {
		return err
	}
	// Version is the primary key, so Save replaces the previous session.
	return m.creds.DB.Save(sess).Error
}

// storedSession converts gotd session data to the row gotgproto's SQL
// session loader reads.
func storedSession(data *session.Data) (*storage.Session, error) {
	if data == nil {
		return nil, fmt.Errorf("session data is nil")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal session data: %w", err)
	}

	return &storage.Session{
		Version: storage.LatestVersion,
		Data:    raw,
	}, nil
}

// Stop stops the Telegram client.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Stop()
		m.client = nil
	}
	m.status = StatusInitializing
}
