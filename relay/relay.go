// Package relay implements the georelay hub.
//
// The relay routes coordinate updates from publishers to every live
// subscriber sharing the same session id. A session id is an opaque,
// client-generated routing key; the relay never validates it beyond
// non-emptiness. Sessions exist only while at least one subscriber is
// connected - the registry entry is dropped the instant the last one goes.
//
// Delivery is best effort, at most once per connection per update. A slow
// or dead subscriber misses updates; it never blocks delivery to the rest.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// SessionTTL bounds how long the latest update for an idle session is
	// remembered for replay to a fresh subscriber.
	SessionTTL = 24 * time.Hour

	// EventBuffer is the per-subscriber send buffer. Once full, further
	// updates are dropped for that subscriber until it drains.
	EventBuffer = 16
)

// Subscriber is one live channel bound to a single session. The relay is
// the only writer to Events; Kill is closed exactly once on unsubscribe.
type Subscriber struct {
	ID      string
	Session string
	Events  chan *Update
	Kill    chan bool

	once sync.Once
}

func NewSubscriber(session string) *Subscriber {
	return &Subscriber{
		ID:      uuid.New().String(),
		Session: session,
		Events:  make(chan *Update, EventBuffer),
		Kill:    make(chan bool),
	}
}

// Relay holds the session registry. Construct with New and share the one
// instance; all mutation goes through Publish/Subscribe/Unsubscribe.
type Relay struct {
	mtx      sync.RWMutex
	sessions map[string]map[*Subscriber]bool
	latest   map[string]*Update
}

func New() *Relay {
	return &Relay{
		sessions: make(map[string]map[*Subscriber]bool),
		latest:   make(map[string]*Update),
	}
}

// Publish fans an update out to every subscriber of its session. A publish
// to a session with zero subscribers is a silent no-op, not an error.
func (r *Relay) Publish(u *Update) {
	if u == nil || len(u.SessionID) == 0 {
		return
	}

	var subs []*Subscriber

	r.mtx.Lock()
	r.latest[u.SessionID] = u
	for sub := range r.sessions[u.SessionID] {
		subs = append(subs, sub)
	}
	r.mtx.Unlock()

	publishes.Inc()

	for _, sub := range subs {
		select {
		case sub.Events <- u:
		default:
			// subscriber not draining, it misses this one
			droppedSends.Inc()
		}
	}
}

// Subscribe registers a new connection under session and returns its handle.
// Multiple subscribers per session all receive every update.
func (r *Relay) Subscribe(session string) *Subscriber {
	sub := NewSubscriber(session)

	r.mtx.Lock()
	set, ok := r.sessions[session]
	if !ok {
		set = make(map[*Subscriber]bool)
		r.sessions[session] = set
	}
	set[sub] = true
	sessionCount, subCount := len(r.sessions), r.countLocked()
	r.mtx.Unlock()

	activeSessions.Set(float64(sessionCount))
	activeSubscribers.Set(float64(subCount))

	return sub
}

// Unsubscribe removes the connection from its session set, dropping the
// session entry when the set empties. Safe to call more than once; close
// events race with explicit disconnects.
func (r *Relay) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	r.mtx.Lock()
	if set, ok := r.sessions[sub.Session]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.sessions, sub.Session)
		}
	}
	sessionCount, subCount := len(r.sessions), r.countLocked()
	r.mtx.Unlock()

	activeSessions.Set(float64(sessionCount))
	activeSubscribers.Set(float64(subCount))

	sub.once.Do(func() {
		close(sub.Kill)
	})
}

// Latest returns the last published update for session, if any.
func (r *Relay) Latest(session string) *Update {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.latest[session]
}

// Sessions returns subscriber counts per active session.
func (r *Relay) Sessions() map[string]int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	sessions := make(map[string]int, len(r.sessions))
	for id, set := range r.sessions {
		sessions[id] = len(set)
	}
	return sessions
}

func (r *Relay) countLocked() int {
	var n int
	for _, set := range r.sessions {
		n += len(set)
	}
	return n
}

// Run sweeps expired latest-update entries until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Relay) sweep(now time.Time) {
	cutoff := now.Add(-SessionTTL).Unix()

	r.mtx.Lock()
	for session, u := range r.latest {
		if u.Timestamp < cutoff {
			delete(r.latest, session)
		}
	}
	r.mtx.Unlock()
}
