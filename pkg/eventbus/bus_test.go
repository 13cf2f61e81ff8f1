package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_ReceivesPublishedEvent(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()
	defer sub.Close()

	ev := Event{TransferID: "t1", Kind: KindTransferStarted, Payload: TransferStartedFields{FileName: "a.bin"}}
	bus.Publish(ev)

	select {
	case got := <-sub.Events:
		assert.Equal(t, "t1", got.TransferID)
		assert.Equal(t, KindTransferStarted, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_FanOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus(4)
	subA := bus.Subscribe()
	subB := bus.Subscribe()
	defer subA.Close()
	defer subB.Close()

	bus.Publish(Event{TransferID: "t1", Kind: KindTransferProgress})

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case got := <-sub.Events:
			assert.Equal(t, KindTransferProgress, got.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out event")
		}
	}
}

func TestPublish_DropsOldestWhenFull(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(Event{TransferID: "first"})
	bus.Publish(Event{TransferID: "second"})

	got := <-sub.Events
	assert.Equal(t, "second", got.TransferID, "buffer of 1 should keep only the latest event")
}

func TestClose_ClosesSubscriberChannel(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe()
	bus.Close()

	_, ok := <-sub.Events
	require.False(t, ok)
}
