package hub

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingStream(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	h.Dispatch("s1", []byte("frame"))
	h.Dispatch("s2", []byte("other"))

	msg := <-ch
	assert.Equal(t, "s1", msg.StreamID)

	select {
	case m := <-ch:
		t.Fatalf("unexpected second message: %+v", m)
	default:
	}
}

func TestSubscribeWithEmptyFilterReceivesAll(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("")
	defer cancel()

	h.Dispatch("s1", []byte("a"))
	h.Dispatch("s2", []byte("b"))

	first := <-ch
	second := <-ch
	assert.ElementsMatch(t, []string{"s1", "s2"}, []string{first.StreamID, second.StreamID})
}

func TestDispatchDropsOldestWhenFull(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	// Fill the depth-4 buffer, then push one more — frame 0 should be
	// the one dropped, not frame 4.
	for i := 0; i < subscriberBufferDepth+1; i++ {
		h.Dispatch("s1", []byte(fmt.Sprintf("frame-%d", i)))
	}

	var got []string
	for i := 0; i < subscriberBufferDepth; i++ {
		got = append(got, string((<-ch).Payload))
	}
	assert.Equal(t, []string{"frame-1", "frame-2", "frame-3", "frame-4"}, got)
}

func TestAutoCloseAfterConsecutiveDrops(t *testing.T) {
	h := New()
	ch, _ := h.Subscribe("s1")

	// Never drain the channel. The first subscriberBufferDepth frames
	// fill the queue without eviction; every frame after that forces an
	// eviction, counting as a consecutive drop.
	for i := 0; i < maxConsecutiveDrops+subscriberBufferDepth+10; i++ {
		h.Dispatch("s1", []byte("frame"))
	}

	assert.Equal(t, 0, h.SubscriberCount(), "a subscriber that never drains must eventually be closed")

	_, stillOpen := <-ch
	_ = stillOpen
}

func TestCancelUnsubscribes(t *testing.T) {
	h := New()
	_, cancel := h.Subscribe("s1")
	require.Equal(t, 1, h.SubscriberCount())

	cancel()
	assert.Equal(t, 0, h.SubscriberCount())

	cancel() // cancel must be idempotent
}
