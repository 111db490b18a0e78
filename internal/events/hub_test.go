package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversOnlySubscribedTopics(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	ch, cancel := h.SubscribeTopics("orchestrator", 4, "job.intake")
	defer cancel()

	require.NoError(t, h.Publish("sensor.photo", map[string]any{"name": "barcode1"}))
	require.NoError(t, h.Publish("job.intake", map[string]any{"goal_id": "G1"}))

	ev := <-ch
	assert.Equal(t, "job.intake", ev.Type)

	var got map[string]string
	require.NoError(t, ev.Decode(&got))
	assert.Equal(t, "G1", got["goal_id"])

	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %s", extra.Type)
	default:
	}
}

func TestPublishReportsFullTopicMailbox(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	_, cancel := h.SubscribeTopics("driver", 1, "dispatch.trigger")
	defer cancel()

	require.NoError(t, h.Publish("dispatch.trigger", nil))
	err := h.Publish("dispatch.trigger", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubscriberFull))
	assert.Contains(t, err.Error(), "driver")
}

func TestStreamSubscriberDropsWithoutError(t *testing.T) {
	t.Parallel()

	h := NewHub(512)
	_, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < 200; i++ {
		require.NoError(t, h.Publish("driver.status", map[string]int{"i": i}))
	}
}

func TestPublishUnmarshalableReturnsError(t *testing.T) {
	t.Parallel()

	h := NewHub(4)
	err := h.Publish("bad", map[string]any{"fn": func() {}})
	assert.Error(t, err)
	assert.Empty(t, h.SnapshotSince(0))
}

func TestCloseStopsPublishAndClosesChannels(t *testing.T) {
	t.Parallel()

	h := NewHub(4)
	ch, cancel := h.SubscribeTopics("x", 1, "a")
	h.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, h.Publish("a", nil), ErrClosed)

	late, _ := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestSnapshotSinceRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish("t", nil))
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].ID)
	assert.Equal(t, int64(5), all[2].ID)

	tail := h.SnapshotSince(4)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(5), tail[0].ID)
}
