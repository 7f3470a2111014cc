package mqtt

import "log/slog"

// backlog holds whole publish groups (an event's message set, or a single
// system message) while the broker is unreachable. When full, the oldest
// group is evicted as a unit so a consumer never sees part of an event.
// Not safe for concurrent use; the caller must synchronize.
type backlog struct {
	groups  [][]Message
	limit   int
	dropped int // groups evicted since the last drain
}

func newBacklog(limit int) *backlog {
	return &backlog{limit: limit}
}

// add queues a copy of group, evicting the oldest group if the backlog is full.
func (b *backlog) add(group []Message) {
	if len(group) == 0 {
		return
	}
	if len(b.groups) == b.limit {
		if b.dropped == 0 {
			slog.Warn("mqtt: offline backlog full, dropping oldest event", "limit", b.limit)
		}
		b.groups[0] = nil
		b.groups = b.groups[1:]
		b.dropped++
	}
	b.groups = append(b.groups, append([]Message(nil), group...))
}

// take empties the backlog and returns its groups, oldest first.
func (b *backlog) take() [][]Message {
	if len(b.groups) == 0 {
		return nil
	}
	out := b.groups
	if b.dropped > 0 {
		slog.Warn("mqtt: events were dropped while offline", "dropped", b.dropped)
	}
	b.groups = nil
	b.dropped = 0
	return out
}

// events is the number of queued groups.
func (b *backlog) events() int {
	return len(b.groups)
}
