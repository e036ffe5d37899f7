// Package presence derives online/offline status per user from connection
// registry transitions.
//
// Presence is never set directly: a user is online when the registry
// reports at least one live authenticated connection for them. Published
// changes are debounced so that a flip must hold for the debounce window
// before it is emitted; a flip that reverts inside the window emits
// nothing.
package presence

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// Counter reports how many live connections a user has.
type Counter interface {
	CountOf(userID string) int
}

// Change is a published presence flip.
type Change struct {
	UserID string
	Online bool
	At     time.Time
}

type record struct {
	online       bool
	published    bool
	pending      bool
	pendingSince time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker is not safe for concurrent use; it is fed by the registry on the
// goroutine that owns the registry.
type Tracker struct {
	counter  Counter
	debounce time.Duration
	now      func() time.Time
	users    map[string]*record
}

func NewTracker(counter Counter, debounce time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		counter:  counter,
		debounce: debounce,
		now:      time.Now,
		users:    make(map[string]*record),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) ConnectionBound(userID string)   { t.recompute(userID) }
func (t *Tracker) ConnectionUnbound(userID string) { t.recompute(userID) }

// Online reports the derived presence of userID.
func (t *Tracker) Online(userID string) bool {
	rec, ok := t.users[userID]
	return ok && rec.online
}

// OnlineUsers returns every user currently online, sorted.
func (t *Tracker) OnlineUsers() []string {
	users := lo.Keys(lo.PickBy(t.users, func(_ string, rec *record) bool { return rec.online }))
	sort.Strings(users)
	return users
}

// Flush publishes every pending flip that has held for the debounce
// window, ordered by user id.
func (t *Tracker) Flush(now time.Time) []Change {
	var changes []Change
	for userID, rec := range t.users {
		if !rec.pending || now.Sub(rec.pendingSince) < t.debounce {
			continue
		}
		rec.pending = false
		rec.published = rec.online
		changes = append(changes, Change{UserID: userID, Online: rec.online, At: now})
		t.forgetIfIdle(userID, rec)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].UserID < changes[j].UserID })
	return changes
}

// Pending reports whether any flip is waiting for its debounce window.
func (t *Tracker) Pending() bool {
	return lo.SomeBy(lo.Values(t.users), func(rec *record) bool { return rec.pending })
}

func (t *Tracker) recompute(userID string) {
	rec, ok := t.users[userID]
	if !ok {
		rec = &record{}
		t.users[userID] = rec
	}
	rec.online = t.counter.CountOf(userID) > 0

	switch {
	case rec.online == rec.published:
		rec.pending = false
	case !rec.pending:
		rec.pending = true
		rec.pendingSince = t.now()
	}
	t.forgetIfIdle(userID, rec)
}

func (t *Tracker) forgetIfIdle(userID string, rec *record) {
	if !rec.online && !rec.published && !rec.pending {
		delete(t.users, userID)
	}
}
