package idle

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// newBareListener builds a Listener without a real imapconn.Manager, since
// onMailboxUpdate, Subscribe, and OnActivity exercise only the debounce and
// fanout bookkeeping, not the IMAP session itself.
func newBareListener() *Listener {
	return &Listener{
		backend:       "backend",
		debounceMin:   20 * time.Millisecond,
		debounceMax:   60 * time.Millisecond,
		reconnectBase: time.Second,
		reconnectCap:  time.Minute,
		subscribers:   make(map[int]Subscriber),
	}
}

func TestSubscribeReceivesOneEventAfterDebounceWindow(t *testing.T) {
	l := newBareListener()

	var fired atomic.Int32
	unsubscribe := l.Subscribe(func(Event) { fired.Add(1) })
	defer unsubscribe()

	l.onMailboxUpdate()

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBurstOfUpdatesCoalescesIntoOneFanout(t *testing.T) {
	l := newBareListener()

	var fired atomic.Int32
	l.Subscribe(func(Event) { fired.Add(1) })

	for i := 0; i < 5; i++ {
		l.onMailboxUpdate()
		time.Sleep(5 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return fired.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestOnActivityFiresImmediatelyBeforeDebounce(t *testing.T) {
	l := newBareListener()

	var activityFired atomic.Bool
	var subscriberFired atomic.Bool
	l.OnActivity(func() { activityFired.Store(true) })
	l.Subscribe(func(Event) { subscriberFired.Store(true) })

	l.onMailboxUpdate()

	assert.True(t, activityFired.Load())
	assert.False(t, subscriberFired.Load())
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	l := newBareListener()

	var fired atomic.Int32
	unsubscribe := l.Subscribe(func(Event) { fired.Add(1) })
	unsubscribe()

	l.onMailboxUpdate()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(0), fired.Load())
}

func TestBackoffGrowsExponentiallyUpToCeiling(t *testing.T) {
	base := 100 * time.Millisecond
	ceiling := time.Second

	assert.Equal(t, base, backoff(0, base, ceiling))
	assert.Equal(t, base, backoff(1, base, ceiling))
	assert.Equal(t, 2*base, backoff(2, base, ceiling))
	assert.Equal(t, ceiling, backoff(10, base, ceiling))
}
