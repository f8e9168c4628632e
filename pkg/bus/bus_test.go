package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe_Basic(t *testing.T) {
	b := New(Options{})
	var received Message
	var mu sync.Mutex
	b.Subscribe("task.*", "sub1", "builder", func(m Message) {
		mu.Lock()
		received = m
		mu.Unlock()
	})

	res := b.Publish("task.completed", "eng", "scheduler", map[string]any{"taskId": "t1"})
	require.True(t, res.Success)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "task.completed", received.Topic)
}

func TestSubscriberPanic_DoesNotBlockOthers(t *testing.T) {
	b := New(Options{})
	var secondCalled bool
	b.Subscribe("x", "panicky", "r", func(m Message) { panic("boom") })
	b.Subscribe("x", "calm", "r", func(m Message) { secondCalled = true })

	res := b.Publish("x", "s", "r", nil)
	assert.True(t, res.Success)
	assert.True(t, secondCalled)
}

func TestRBAC_DeniesUnknownPrefix(t *testing.T) {
	b := New(Options{RBAC: map[string]string{"task.*": "scheduler"}})
	res := b.Publish("auction.bid", "s", "builder", nil)
	assert.Equal(t, ReasonRBACDenied, res.Reason)
}

func TestTTL_ExpiredMessagesPurged(t *testing.T) {
	b := New(Options{})
	b.Publish("x", "s", "r", nil, WithTTL(1))
	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, b.GetMessages())
	assert.Equal(t, 1, b.PurgeExpired())
}

func TestChannelFull_RejectsFurtherPublish(t *testing.T) {
	b := New(Options{MaxPerChannel: 1})
	r1 := b.Publish("x", "s", "r", nil)
	require.True(t, r1.Success)
	r2 := b.Publish("x", "s", "r", nil)
	assert.Equal(t, ReasonChannelFull, r2.Reason)
}

func TestBarrier_ResolvesAtN(t *testing.T) {
	barrier := NewBarrier(2)
	assert.False(t, barrier.Arrive("a"))
	assert.True(t, barrier.Arrive("b"))
	select {
	case <-barrier.Wait():
	default:
		t.Fatal("expected barrier to be resolved")
	}
}

func TestSignalFlag_OneShot(t *testing.T) {
	flag := NewSignalFlag()
	assert.False(t, flag.IsRaised())
	flag.Raise()
	flag.Raise()
	assert.True(t, flag.IsRaised())
	select {
	case <-flag.Wait():
	default:
		t.Fatal("expected flag wait to be immediately satisfied")
	}
}
