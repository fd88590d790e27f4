package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(b string) AudioChunk {
	return AudioChunk{Bytes: []byte(b)}
}

func drain(t *testing.T, m *mailbox, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		msg, ok := m.dequeue()
		require.True(t, ok, "dequeue %d came up empty", i)
		out = append(out, msg)
	}
	return out
}

func TestNewMailboxRejectsBadThresholds(t *testing.T) {
	cases := []struct {
		name               string
		soft, hard, resume int
	}{
		{"zero soft", 0, 10, 5},
		{"hard at soft", 5, 5, 2},
		{"hard below soft", 5, 3, 2},
		{"zero resume", 5, 10, 0},
		{"resume above hard", 5, 10, 11},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Panics(t, func() { newMailbox(tc.soft, tc.hard, tc.resume) })
		})
	}
}

func TestMailboxFIFOBelowSoft(t *testing.T) {
	m := newMailbox(10, 20, 5)

	for _, msg := range []Message{TranscriptReady{Text: "one"}, chunk("two"), Cancel{}} {
		_, err := m.enqueue(msg)
		require.NoError(t, err)
	}

	got := drain(t, m, 3)
	assert.IsType(t, TranscriptReady{}, got[0])
	assert.IsType(t, AudioChunk{}, got[1])
	assert.IsType(t, Cancel{}, got[2])

	_, ok := m.dequeue()
	assert.False(t, ok)
}

func TestMailboxPriorityJumpsBulkUnderBacklog(t *testing.T) {
	m := newMailbox(2, 20, 2)

	_, err := m.enqueue(TranscriptReady{Text: "head"})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := m.enqueue(chunk("bulk"))
		require.NoError(t, err)
	}

	// Above the soft threshold priority messages are inserted ahead of
	// the bulk run, in arrival order relative to each other.
	_, err = m.enqueue(Cancel{})
	require.NoError(t, err)
	_, err = m.enqueue(UpdateVideoContext{VideoID: "vid-2"})
	require.NoError(t, err)

	got := drain(t, m, 7)
	assert.IsType(t, TranscriptReady{}, got[0])
	assert.IsType(t, Cancel{}, got[1])
	assert.IsType(t, UpdateVideoContext{}, got[2])
	for i := 3; i < 7; i++ {
		assert.IsType(t, AudioChunk{}, got[i], "entry %d", i)
	}
}

func TestMailboxSoftCrossingWarnsOncePerEpisode(t *testing.T) {
	m := newMailbox(2, 10, 2)

	res, err := m.enqueue(chunk("a"))
	require.NoError(t, err)
	assert.False(t, res.softCrossed)
	res, err = m.enqueue(chunk("b"))
	require.NoError(t, err)
	assert.False(t, res.softCrossed)

	res, err = m.enqueue(chunk("c"))
	require.NoError(t, err)
	assert.True(t, res.softCrossed)
	assert.Equal(t, 3, res.depth)

	res, err = m.enqueue(chunk("d"))
	require.NoError(t, err)
	assert.False(t, res.softCrossed, "crossing already reported this episode")

	// Draining back to the threshold re-arms the warning.
	drain(t, m, 2)
	res, err = m.enqueue(chunk("e"))
	require.NoError(t, err)
	assert.True(t, res.softCrossed)
}

func TestMailboxHardRejectionAndResume(t *testing.T) {
	m := newMailbox(2, 4, 2)

	for i := 0; i < 4; i++ {
		_, err := m.enqueue(chunk("fill"))
		require.NoError(t, err)
	}

	res, err := m.enqueue(chunk("over"))
	require.ErrorIs(t, err, ErrMailboxFull)
	assert.True(t, res.firstReject)
	assert.Equal(t, 4, res.depth)

	res, err = m.enqueue(TranscriptReady{Text: "also rejected"})
	require.ErrorIs(t, err, ErrMailboxFull)
	assert.False(t, res.firstReject, "rejection mode already reported")

	// Priority and internal messages bypass rejection.
	_, err = m.enqueue(Cancel{})
	require.NoError(t, err)
	_, err = m.enqueue(Checkpoint{})
	require.NoError(t, err)
	assert.Equal(t, 6, m.depth())

	// Rejection clears once the backlog drains below the resume mark.
	drain(t, m, 4)
	_, err = m.enqueue(chunk("still full"))
	require.ErrorIs(t, err, ErrMailboxFull)
	drain(t, m, 1)
	res, err = m.enqueue(chunk("resumed"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.depth)
}

func TestMailboxWakeCollapses(t *testing.T) {
	m := newMailbox(5, 10, 3)

	_, err := m.enqueue(chunk("a"))
	require.NoError(t, err)
	_, err = m.enqueue(chunk("b"))
	require.NoError(t, err)

	select {
	case <-m.wake:
	default:
		t.Fatal("expected a pending wake")
	}
	select {
	case <-m.wake:
		t.Fatal("wake signals should collapse into one")
	default:
	}
}
