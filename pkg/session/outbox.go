package session

import "github.com/sotto-labs/sotto/pkg/bus"

// outbox retains the most recent sequenced events of a session so a
// reconnecting subscriber can replay exactly what it missed. Only the
// actor goroutine touches it.
type outbox struct {
	entries []bus.Event
	retain  int
}

func newOutbox(retain int) *outbox {
	if retain <= 0 {
		panic("session: outbox retention must be positive")
	}
	return &outbox{retain: retain}
}

func (o *outbox) append(ev bus.Event) {
	o.entries = append(o.entries, ev)
	if len(o.entries) > o.retain {
		// Shift instead of reslicing so the backing array stays bounded.
		n := copy(o.entries, o.entries[len(o.entries)-o.retain:])
		o.entries = o.entries[:n]
	}
}

// after returns the retained events with Sequence > lastSeen. The second
// return is false when lastSeen predates the retention window, meaning
// events between lastSeen and the window start are gone for good.
func (o *outbox) after(lastSeen uint64) ([]bus.Event, bool) {
	if len(o.entries) == 0 {
		return nil, true
	}
	oldest := o.entries[0].Sequence
	if lastSeen+1 < oldest {
		return nil, false
	}
	var out []bus.Event
	for _, ev := range o.entries {
		if ev.Sequence > lastSeen {
			out = append(out, ev)
		}
	}
	return out, true
}
