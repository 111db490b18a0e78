package amr

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogReadFromCursor(t *testing.T) {
	log := NewEventLog(8)
	assert.Equal(t, uint64(1), log.Cursor())

	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	for i := range 3 {
		log.Append(at, fmt.Sprintf("line %d", i+1), nil, false)
	}

	lines, next, notify, err := log.read(2)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, uint64(2), lines[0].Seq)
	assert.Equal(t, "line 3", lines[1].Text)
	assert.Equal(t, uint64(4), next)

	select {
	case <-notify:
		t.Fatal("notify closed before the next append")
	default:
	}
	log.Append(at, "line 4", nil, false)
	select {
	case <-notify:
	default:
		t.Fatal("notify not closed by append")
	}
}

func TestEventLogReadAtHead(t *testing.T) {
	log := NewEventLog(4)
	log.Append(time.Now(), "a", nil, false)

	lines, next, notify, err := log.read(log.Cursor())
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Equal(t, uint64(2), next)
	assert.NotNil(t, notify)
}

func TestEventLogOverrun(t *testing.T) {
	log := NewEventLog(3)
	for i := range 5 {
		log.Append(time.Now(), fmt.Sprintf("l%d", i+1), nil, false)
	}

	_, _, _, err := log.read(2)
	assert.ErrorIs(t, err, ErrOverrun)

	lines, _, _, err := log.read(3)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"l3", "l4", "l5"}, []string{lines[0].Text, lines[1].Text, lines[2].Text})
}

func TestEventLogRecent(t *testing.T) {
	log := NewEventLog(3)
	assert.Empty(t, log.Recent(5))

	for i := range 4 {
		log.Append(time.Now(), fmt.Sprintf("l%d", i+1), nil, false)
	}
	recent := log.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "l3", recent[0].Text)
	assert.Equal(t, "l4", recent[1].Text)
	assert.Len(t, log.Recent(0), 3)
}
