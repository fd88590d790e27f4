package session

import (
	"errors"
	"sync"
)

// ErrMailboxFull is returned to producers when a session's mailbox is in
// rejection mode. Priority and internal messages are never rejected.
var ErrMailboxFull = errors.New("session: mailbox full")

// enqueueResult reports threshold crossings so the caller can publish
// backpressure events exactly once per episode.
type enqueueResult struct {
	depth int

	// softCrossed is set on the first enqueue that pushes the depth past
	// the soft threshold; it stays false until the backlog drains back
	// below the threshold and crosses again.
	softCrossed bool

	// firstReject is set on the rejection that flips the mailbox into
	// rejection mode.
	firstReject bool
}

// mailbox is the per-session message queue. Producers enqueue from
// gateway and REST goroutines; only the actor goroutine dequeues.
//
// Ordering is FIFO with one carve-out: when the backlog exceeds the soft
// threshold, priority-class messages are inserted ahead of the first
// bulk entry so a Cancel is not stuck behind a flood of audio chunks.
// Past the hard cap the mailbox rejects normal and bulk messages until
// the backlog drains below the resume mark.
type mailbox struct {
	mu      sync.Mutex
	entries []Message

	soft   int
	hard   int
	resume int

	rejecting  bool
	softWarned bool

	// wake holds at most one pending notification; the actor drains the
	// queue on each wake so collapsed signals are fine.
	wake chan struct{}
}

func newMailbox(soft, hard, resume int) *mailbox {
	if soft <= 0 || hard <= soft || resume <= 0 || resume > hard {
		panic("session: invalid mailbox thresholds")
	}
	return &mailbox{
		soft:   soft,
		hard:   hard,
		resume: resume,
		wake:   make(chan struct{}, 1),
	}
}

func (m *mailbox) enqueue(msg Message) (enqueueResult, error) {
	class := classOf(msg)

	m.mu.Lock()
	defer m.mu.Unlock()

	depth := len(m.entries)
	res := enqueueResult{depth: depth}

	if class == classNormal || class == classBulk {
		if m.rejecting && depth < m.resume {
			m.rejecting = false
		}
		if !m.rejecting && depth >= m.hard {
			m.rejecting = true
			res.firstReject = true
		}
		if m.rejecting {
			return res, ErrMailboxFull
		}
	}

	if (class == classPriority || class == classInternal) && depth > m.soft {
		m.insertBeforeBulk(msg)
	} else {
		m.entries = append(m.entries, msg)
	}

	res.depth = len(m.entries)
	if res.depth > m.soft && !m.softWarned {
		m.softWarned = true
		res.softCrossed = true
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return res, nil
}

// insertBeforeBulk places msg ahead of the first bulk entry, preserving
// order among priority messages already queued there.
func (m *mailbox) insertBeforeBulk(msg Message) {
	idx := len(m.entries)
	for i, e := range m.entries {
		if classOf(e) == classBulk {
			idx = i
			break
		}
	}
	m.entries = append(m.entries, nil)
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = msg
}

func (m *mailbox) dequeue() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return nil, false
	}
	msg := m.entries[0]
	m.entries[0] = nil
	m.entries = m.entries[1:]

	depth := len(m.entries)
	if depth == 0 {
		m.entries = nil
	}
	if depth <= m.soft {
		m.softWarned = false
	}
	if m.rejecting && depth < m.resume {
		m.rejecting = false
	}
	return msg, true
}

func (m *mailbox) depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
