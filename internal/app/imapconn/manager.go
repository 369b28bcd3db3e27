// Package imapconn manages the two long-lived IMAP connections per backend
// described in spec §4.4: one shared read session reused across fetches,
// and an ephemeral-session factory for mutations that must not share state
// with it. It is grounded on the teacher's IMAP dialer interface
// (internal/app/retriever/retriever.go's ImapDialer) generalized from a
// one-shot dial-login-select-fetch-close call into a managed session with
// its own reconnect state machine.
package imapconn

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"mime"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/inboxhub/aggregator/internal/app/config"
)

// State is the connection lifecycle of spec §4.4:
// Disconnected -> Connecting -> Connected -> Error -> Disconnected.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	ConnectTimeout = 15 * time.Second
	FetchTimeout   = 20 * time.Second

	baseReconnectBackoff = 1 * time.Second
	maxReconnectBackoff  = 60 * time.Second
	maxReconnectAttempts = 10
	reconnectCooldown    = 5 * time.Minute
)

// Dialer abstracts imapclient.DialTLS so tests can substitute a fake IMAP
// server, matching the teacher's ImapDialer seam.
type Dialer interface {
	DialTLS(address string, options *imapclient.Options) (*imapclient.Client, error)
}

// DialerFunc adapts a plain function to a Dialer.
type DialerFunc func(address string, options *imapclient.Options) (*imapclient.Client, error)

func (f DialerFunc) DialTLS(address string, options *imapclient.Options) (*imapclient.Client, error) {
	return f(address, options)
}

// Manager owns one backend's shared read session plus its ephemeral-session
// factory. Callers must serialize calls to Session through the Admission
// Queue (spec §4.6, §5); Manager itself only guards its own state.
type Manager struct {
	backend     string
	host        string
	port        int
	credentials config.AccountCredentials
	dialer      Dialer
	logger      *slog.Logger

	unilateralHandler *imapclient.UnilateralDataHandler

	mu            sync.Mutex
	state         State
	client        *imapclient.Client
	attempts      int
	cooldownUntil time.Time
}

// SetUnilateralDataHandler installs the handler used for unsolicited
// server data (new-mail/expunge notices during IDLE). It only takes effect
// on the next dial, so the IDLE Listener must call it before its first
// Session call (spec §4.5).
func (m *Manager) SetUnilateralDataHandler(handler *imapclient.UnilateralDataHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unilateralHandler = handler
}

// New builds a Manager for one backend. It does not connect; the first
// call to Session does.
func New(backend, host string, port int, credentials config.AccountCredentials, dialer Dialer, logger *slog.Logger) *Manager {
	return &Manager{
		backend:     backend,
		host:        host,
		port:        port,
		credentials: credentials,
		dialer:      dialer,
		logger:      logger,
		state:       StateDisconnected,
	}
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the shared, already-selected read session, connecting or
// reconnecting as needed. It returns an error rather than blocking past the
// reconnect cooldown.
func (m *Manager) Session(ctx context.Context) (*imapclient.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateConnected && m.client != nil {
		return m.client, nil
	}

	if now := time.Now(); now.Before(m.cooldownUntil) {
		return nil, fmt.Errorf("imapconn: backend %q in reconnect cooldown until %s", m.backend, m.cooldownUntil.Format(time.RFC3339))
	}

	return m.connectLocked(ctx)
}

// Invalidate discards the shared session, forcing the next Session call to
// reconnect. Callers reach for this when a fetch against the shared session
// fails in a way that suggests the connection itself is dead.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	m.state = StateDisconnected
}

// Close tears the manager down for shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	m.state = StateDisconnected
}

func (m *Manager) closeLocked() {
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
}

// EphemeralSession dials, authenticates, and selects INBOX on a fresh
// connection independent of the shared session, for mutation operations
// (spec §4.4). The caller owns the returned client and must close it.
func (m *Manager) EphemeralSession(ctx context.Context) (*imapclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := m.dial()
		resultCh <- dialResult{client: client, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.client, res.err
	case <-dialCtx.Done():
		return nil, dialCtx.Err()
	}
}

type dialResult struct {
	client *imapclient.Client
	err    error
}

func (m *Manager) connectLocked(ctx context.Context) (*imapclient.Client, error) {
	m.state = StateConnecting
	m.logger.Info("imapconn: connecting", slog.String("backend", m.backend))

	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := m.dial()
		resultCh <- dialResult{client: client, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			m.onConnectFailureLocked(res.err)
			return nil, res.err
		}
		m.client = res.client
		m.state = StateConnected
		m.attempts = 0
		return m.client, nil
	case <-dialCtx.Done():
		m.onConnectFailureLocked(dialCtx.Err())
		return nil, dialCtx.Err()
	}
}

func (m *Manager) dial() (*imapclient.Client, error) {
	address := fmt.Sprintf("%s:%d", m.host, m.port)
	client, err := m.dialer.DialTLS(address, &imapclient.Options{
		WordDecoder:           &mime.WordDecoder{CharsetReader: charset.Reader},
		UnilateralDataHandler: m.unilateralHandler,
	})
	if err != nil {
		return nil, fmt.Errorf("dial tls %q: %w", address, err)
	}

	if err := client.Login(m.credentials.Login(), m.credentials.Password()).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("login: %w", err)
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select inbox: %w", err)
	}

	return client, nil
}

func (m *Manager) onConnectFailureLocked(err error) {
	m.closeLocked()
	m.state = StateError
	m.attempts++

	if m.attempts >= maxReconnectAttempts {
		m.logger.Warn("imapconn: reconnect attempts exhausted, entering cooldown",
			slog.String("backend", m.backend), slog.Int("attempts", m.attempts))
		m.cooldownUntil = time.Now().Add(reconnectCooldown)
		m.attempts = 0
		return
	}

	delay := reconnectBackoff(m.attempts)
	m.logger.Warn("imapconn: connect failed, backing off",
		slog.String("backend", m.backend), slog.Int("attempt", m.attempts), slog.Duration("delay", delay), slog.Any("error", err))
	m.cooldownUntil = time.Now().Add(delay)
}

// reconnectBackoff mirrors the Admission Queue's backoff shape
// (min(base*2^(attempt-1), cap) * uniform(0.75, 1.25)) with its own base
// and cap per spec §4.4.
func reconnectBackoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	delay := baseReconnectBackoff << (attempt - 1)
	if delay > maxReconnectBackoff || delay <= 0 {
		delay = maxReconnectBackoff
	}

	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}
