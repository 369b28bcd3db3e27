package imapconn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"

	"github.com/inboxhub/aggregator/internal/app/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errDial = errors.New("dial failed")

func failingDialer() Dialer {
	return DialerFunc(func(address string, options *imapclient.Options) (*imapclient.Client, error) {
		return nil, errDial
	})
}

func TestSessionReturnsDialErrorAndEntersErrorState(t *testing.T) {
	creds := config.NewAccountCredentials("user", "pass")
	m := New("backend", "imap.example.com", 993, creds, failingDialer(), testLogger())

	_, err := m.Session(context.Background())
	assert.ErrorIs(t, err, errDial)
	assert.Equal(t, StateError, m.State())
}

func TestSessionBlocksRetryUntilBackoffElapses(t *testing.T) {
	creds := config.NewAccountCredentials("user", "pass")
	m := New("backend", "imap.example.com", 993, creds, failingDialer(), testLogger())

	_, err := m.Session(context.Background())
	assert.ErrorIs(t, err, errDial)

	// The first failure armed a backoff window; a call made immediately
	// after lands inside it rather than re-dialing.
	_, err = m.Session(context.Background())
	assert.Contains(t, err.Error(), "reconnect cooldown")
}

func TestStateStringsAreHumanReadable(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "error", StateError.String())
}
