// Package idle implements the IDLE Listener of spec §4.5: a second
// long-lived IMAP session per backend that waits on the server's IDLE
// untagged responses, debounces bursts of mailbox activity, and fans out a
// single change notification to subscribers (the cache layer, mainly).
// It is grounded on the retrieved coreseekdev-emx-mail watch.go's IDLE
// loop — start IDLE, race it against a timer, reconnect on failure — which
// this package narrows to IDLE-only (no poll fallback; spec has no
// Non-IDLE-server path) and adds debounce coalescing and the periodic
// re-SELECT+re-IDLE cycle spec §4.5 requires.
package idle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/inboxhub/aggregator/internal/app/imapconn"
)

// Event is delivered to subscribers on a debounced mailbox change.
type Event struct {
	Backend string
	At      time.Time
}

// Subscriber receives Events. It must not block for long: it runs on the
// Listener's own goroutine, and a slow subscriber delays delivery to every
// other subscriber.
type Subscriber func(Event)

// Listener owns one backend's IDLE session and debounce timer.
type Listener struct {
	backend string
	manager *imapconn.Manager
	logger  *slog.Logger

	debounceMin time.Duration
	debounceMax time.Duration
	cycle       time.Duration

	reconnectBase time.Duration
	reconnectCap  time.Duration

	subMu       sync.Mutex
	subscribers map[int]Subscriber
	nextSubID   int

	pendingMu   sync.Mutex
	pendingTimer *time.Timer
	firstPending time.Time

	onActivity func()
}

// OnActivity installs a callback invoked synchronously on every raw mailbox
// update, before debouncing — spec §4.5 step 1, "immediately zero the
// all-messages cache timestamp", which must happen on the first event of a
// burst rather than waiting for the debounce window to close.
func (l *Listener) OnActivity(fn func()) {
	l.subMu.Lock()
	l.onActivity = fn
	l.subMu.Unlock()
}

// New builds a Listener over manager, which must be dedicated to IDLE —
// never the shared read session — since Session blocks for the duration of
// each IDLE command (spec §4.4, §4.5).
func New(backend string, manager *imapconn.Manager, debounceMin, debounceMax, cycle time.Duration, logger *slog.Logger) *Listener {
	l := &Listener{
		backend:       backend,
		manager:       manager,
		logger:        logger,
		debounceMin:   debounceMin,
		debounceMax:   debounceMax,
		cycle:         cycle,
		reconnectBase: 1 * time.Second,
		reconnectCap:  60 * time.Second,
		subscribers:   make(map[int]Subscriber),
	}
	manager.SetUnilateralDataHandler(&imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			l.onMailboxUpdate()
		},
	})
	return l
}

// Subscribe registers fn for debounced change events and returns a function
// that unsubscribes it. Safe to call from within fn itself (spec §4.5).
func (l *Listener) Subscribe(fn Subscriber) func() {
	l.subMu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = fn
	l.subMu.Unlock()

	return func() {
		l.subMu.Lock()
		delete(l.subscribers, id)
		l.subMu.Unlock()
	}
}

// Run drives the IDLE loop until ctx is canceled. It reconnects with
// backoff on failure and never returns a non-nil error except ctx's own.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		client, err := l.manager.Session(ctx)
		if err != nil {
			attempt++
			delay := backoff(attempt, l.reconnectBase, l.reconnectCap)
			l.logger.Warn("idle: session unavailable, retrying",
				slog.String("backend", l.backend), slog.Duration("delay", delay), slog.Any("error", err))
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			continue
		}
		attempt = 0

		if err := l.idleCycle(ctx, client); err != nil {
			l.logger.Warn("idle: cycle failed, reconnecting", slog.String("backend", l.backend), slog.Any("error", err))
			l.manager.Invalidate()
			continue
		}

		if _, err := client.Select("INBOX", nil).Wait(); err != nil {
			l.logger.Warn("idle: re-select failed, reconnecting", slog.String("backend", l.backend), slog.Any("error", err))
			l.manager.Invalidate()
		}
	}
}

// idleCycle runs one IDLE command for up to l.cycle, after which it closes
// the command so the caller re-selects and re-issues IDLE (spec §4.5's
// "cycle every 25 minutes").
func (l *Listener) idleCycle(ctx context.Context, client *imapclient.Client) error {
	cycleCtx, cancel := context.WithTimeout(ctx, l.cycle)
	defer cancel()

	idleCmd, err := client.Idle()
	if err != nil {
		return fmt.Errorf("start idle: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- idleCmd.Wait() }()

	select {
	case <-cycleCtx.Done():
		_ = idleCmd.Close()
		<-done
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	case err := <-done:
		if err != nil {
			return fmt.Errorf("idle wait: %w", err)
		}
		return nil
	}
}

// onMailboxUpdate is the UnilateralDataHandler callback. It resets the
// debounce window and schedules a fanout if one is not already pending.
func (l *Listener) onMailboxUpdate() {
	l.subMu.Lock()
	onActivity := l.onActivity
	l.subMu.Unlock()
	if onActivity != nil {
		onActivity()
	}

	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	now := time.Now()
	if l.pendingTimer == nil {
		l.firstPending = now
		l.pendingTimer = time.AfterFunc(l.debounceMin, l.fanout)
		return
	}

	// A fanout is already pending from earlier in this burst. Push it out
	// by debounceMin again, but never past debounceMax measured from the
	// burst's first event, so a constant trickle of updates can't starve
	// subscribers indefinitely.
	wait := l.debounceMin
	if remaining := l.debounceMax - now.Sub(l.firstPending); remaining < wait {
		wait = remaining
	}
	if wait < 0 {
		wait = 0
	}

	l.pendingTimer.Stop()
	l.pendingTimer = time.AfterFunc(wait, l.fanout)
}

func (l *Listener) fanout() {
	l.pendingMu.Lock()
	l.pendingTimer = nil
	l.pendingMu.Unlock()

	event := Event{Backend: l.backend, At: time.Now()}

	l.subMu.Lock()
	subs := make([]Subscriber, 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	l.subMu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

func backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		return base
	}
	delay := base << (attempt - 1)
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
