package hellodev

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UnreadDelta is one push-delivered change to a conversation's unread count. Exactly one
// of Increment or Replace is meaningful; Replace wins when set. At is the server time of
// the change when known.
type UnreadDelta struct {
	Increment int
	Replace   *int
	At        time.Time
}

// UnreadLedger is the process-wide unread counter, keyed by conversation.
//
// Counts only ever drop to zero through MarkRead, which callers invoke after the server
// acknowledged the read. Deltas stamped at or before a conversation's last acknowledged
// read are stale and dropped, so a late delta cannot resurrect a cleared badge. Deltas for
// the active conversation are suppressed, and the active entry is left out of Total.
//
// Two marks are kept per acknowledged conversation. ackAt is in server time and is only
// compared with server-stamped deltas. readAt is the local time the acknowledgement was
// recorded and is only compared with snapshot times, which are also local.
type UnreadLedger struct {
	logger zerolog.Logger
	clock  Clock

	mu     sync.Mutex
	counts map[string]int
	ackAt  map[string]time.Time
	readAt map[string]time.Time
	active string

	listeners Listeners[int]
}

func newUnreadLedger(logger zerolog.Logger, clock Clock) *UnreadLedger {
	return &UnreadLedger{
		logger: logger,
		clock:  clock,
		counts: make(map[string]int),
		ackAt:  make(map[string]time.Time),
		readAt: make(map[string]time.Time),
	}
}

// NewUnreadLedger creates an empty ledger.
func NewUnreadLedger() *UnreadLedger {
	return newUnreadLedger(zerolog.Nop(), SystemClock())
}

// OnChange registers h to receive the new total after every change.
func (l *UnreadLedger) OnChange(h func(total int)) *Subscription {
	return l.listeners.Add(h)
}

// SetActive marks chatID as the conversation in view.
func (l *UnreadLedger) SetActive(chatID string) {
	l.update(func() bool {
		changed := l.active != chatID
		l.active = chatID
		return changed
	})
}

// ClearActive unmarks chatID if it is the active conversation.
func (l *UnreadLedger) ClearActive(chatID string) {
	l.update(func() bool {
		if l.active != chatID {
			return false
		}
		l.active = ""
		return true
	})
}

// Active returns the conversation in view, or "".
func (l *UnreadLedger) Active() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// OnPushDelta applies a push-delivered change. It reports whether the ledger changed.
func (l *UnreadLedger) OnPushDelta(chatID string, d UnreadDelta) bool {
	applied := false
	l.update(func() bool {
		if chatID == l.active {
			l.logger.Debug().Str("chat_id", chatID).Msg("Suppressed delta for active conversation")
			return false
		}
		if ack, ok := l.ackAt[chatID]; ok && !d.At.IsZero() && !d.At.After(ack) {
			l.logger.Debug().Str("chat_id", chatID).Time("at", d.At).Time("ack", ack).Msg("Dropped stale unread delta")
			return false
		}
		prev := l.counts[chatID]
		switch {
		case d.Replace != nil:
			if *d.Replace == 0 {
				// Zeroing is reserved for acknowledged reads.
				return false
			}
			l.counts[chatID] = *d.Replace
		case d.Increment > 0:
			l.counts[chatID] = prev + d.Increment
		default:
			return false
		}
		applied = l.counts[chatID] != prev
		return applied
	})
	return applied
}

// OnSnapshot replaces every entry with server totals requested at the given local time.
// Entries acknowledged as read after the snapshot was requested stay at zero.
func (l *UnreadLedger) OnSnapshot(totals map[string]int, at time.Time) {
	l.update(func() bool {
		next := make(map[string]int, len(totals))
		for id, n := range totals {
			if n <= 0 {
				continue
			}
			if read, ok := l.readAt[id]; ok && !at.IsZero() && !at.After(read) {
				continue
			}
			next[id] = n
		}
		l.counts = next
		return true
	})
}

// MarkRead zeroes chatID after the server acknowledged the read. ackAt is the server time
// the read covers; a zero ackAt means none is known and later deltas are never treated as
// stale on account of this acknowledgement.
func (l *UnreadLedger) MarkRead(chatID string, ackAt time.Time) {
	now := l.clock.Now()
	l.update(func() bool {
		if prev, ok := l.ackAt[chatID]; !ackAt.IsZero() && (!ok || ackAt.After(prev)) {
			l.ackAt[chatID] = ackAt
		}
		if prev, ok := l.readAt[chatID]; !ok || now.After(prev) {
			l.readAt[chatID] = now
		}
		if l.counts[chatID] == 0 {
			return false
		}
		delete(l.counts, chatID)
		return true
	})
}

// Count returns the entry for chatID.
func (l *UnreadLedger) Count(chatID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[chatID]
}

// Total is the badge value: the sum over every conversation except the active one.
func (l *UnreadLedger) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalLocked()
}

// Entries returns the non-zero entries sorted by conversation id.
func (l *UnreadLedger) Entries() []UnreadEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]UnreadEntry, 0, len(l.counts))
	for id, n := range l.counts {
		out = append(out, UnreadEntry{ConversationID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// UnreadEntry is one ledger row.
type UnreadEntry struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

func (l *UnreadLedger) totalLocked() int {
	total := 0
	for id, n := range l.counts {
		if id != l.active {
			total += n
		}
	}
	return total
}

func (l *UnreadLedger) update(fn func() bool) {
	l.mu.Lock()
	before := l.totalLocked()
	changed := fn()
	after := l.totalLocked()
	l.mu.Unlock()
	if changed && before != after {
		l.listeners.emit(after)
	}
}
