package events

import (
	"context"
	"log"
	"sync"
	"time"
)

// Sink receives events in stream order.
type Sink func(Event)

// Publisher fans events out beyond the caller, e.g. to live watchers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emitter assigns sequence ids, filters housekeeping events and suppresses
// consecutive events with identical fingerprints. One emitter serves one
// invocation of a session.
type Emitter struct {
	mu        sync.Mutex
	sessionID string
	seq       int64
	lastFP    string
	last      *Event
	sink      Sink
	publisher Publisher
}

// NewEmitter creates an emitter for a session. sink and publisher may be nil.
func NewEmitter(sessionID string, sink Sink, publisher Publisher) *Emitter {
	return &Emitter{sessionID: sessionID, sink: sink, publisher: publisher}
}

// Emit delivers ev unless it is filtered or repeats the previous event.
// It reports whether the event was delivered.
func (em *Emitter) Emit(ctx context.Context, ev Event) bool {
	if ev.SessionID == "" {
		ev.SessionID = em.sessionID
	}
	if ev.AgentName == "" && ev.AgentID != "" {
		ev.AgentName = ev.AgentID.DisplayName()
	}
	if !Surfaced(ev) {
		return false
	}

	em.mu.Lock()
	fp := ev.Fingerprint()
	if fp == em.lastFP {
		em.mu.Unlock()
		return false
	}
	em.lastFP = fp
	em.seq++
	ev.ID = em.seq
	ev.TimestampMs = time.Now().UnixMilli()
	stored := ev
	em.last = &stored
	sink := em.sink
	em.mu.Unlock()

	if sink != nil {
		sink(ev)
	}
	if em.publisher != nil {
		if err := em.publisher.Publish(ctx, ev); err != nil {
			log.Printf("[Events] Failed to publish %s for session %s: %v", ev.Type, ev.SessionID, err)
		}
	}
	return true
}

// Last returns the most recently delivered event.
func (em *Emitter) Last() (Event, bool) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.last == nil {
		return Event{}, false
	}
	return *em.last, true
}

// Count returns the number of delivered events.
func (em *Emitter) Count() int64 {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.seq
}
