// Package sseevents implements the live event bus (spec.md §4.I): a
// per-run fan-out of eventlog.Event records to any number of streaming
// HTTP clients, with replay-from-seq on (re)connect and per-client-id
// dedupe so a reconnecting browser tab doesn't end up with two live
// handlers racing each other.
package sseevents

import (
	"context"
	"sync"

	"github.com/flowforge/dagrunner/internal/rundata"
)

// ReplayFunc returns the events for runID with seq > sinceSeq, ascending.
// In production this is eventlog.Store.EventsSince; tests supply a fake.
type ReplayFunc func(ctx context.Context, runID string, sinceSeq int64) ([]rundata.Event, error)

// IsTerminalFunc reports whether runID has already reached a terminal
// status, so a subscriber connecting after the fact gets replay + close
// instead of hanging forever waiting for events that will never arrive.
type IsTerminalFunc func(ctx context.Context, runID string) (bool, error)

// subscriber is one connected client's delivery channel.
type subscriber struct {
	clientID string
	ch       chan rundata.Event
	done     chan struct{}
}

// Hub is the process-wide live event bus. One Hub serves every run.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]map[string]*subscriber // runID -> clientID -> subscriber
	Replay   ReplayFunc
	Terminal IsTerminalFunc
}

// NewHub builds a Hub backed by the given replay/terminal lookups.
func NewHub(replay ReplayFunc, terminal IsTerminalFunc) *Hub {
	return &Hub{
		subs:     make(map[string]map[string]*subscriber),
		Replay:   replay,
		Terminal: terminal,
	}
}

// bufSize is the per-subscriber channel depth; Broadcast never blocks past
// this, dropping the subscriber instead (spec.md §4.I "best-effort write").
const bufSize = 64

// Subscribe registers clientID for runID's events, evicting any existing
// handler already registered under the same clientID (spec.md §4.I
// "per-client dedupe"). It returns a channel of events starting strictly
// after sinceSeq, a channel closed when this subscriber is evicted
// (superseded by a reconnect, or dropped for being too slow), and a cancel
// func the caller must run when it stops reading (e.g. the HTTP request
// context is done).
func (h *Hub) Subscribe(runID, clientID string, sinceSeq int64) (events <-chan rundata.Event, evicted <-chan struct{}, cancel func()) {
	h.mu.Lock()
	byClient, ok := h.subs[runID]
	if !ok {
		byClient = make(map[string]*subscriber)
		h.subs[runID] = byClient
	}
	if old, exists := byClient[clientID]; exists {
		close(old.done)
	}
	sub := &subscriber{clientID: clientID, ch: make(chan rundata.Event, bufSize), done: make(chan struct{})}
	byClient[clientID] = sub
	h.mu.Unlock()

	cancel = func() { h.unregister(runID, clientID, sub) }
	return sub.ch, sub.done, cancel
}

func (h *Hub) unregister(runID, clientID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if byClient, ok := h.subs[runID]; ok {
		if cur, exists := byClient[clientID]; exists && cur == sub {
			delete(byClient, clientID)
			if len(byClient) == 0 {
				delete(h.subs, runID)
			}
		}
	}
	select {
	case <-sub.done:
	default:
		close(sub.done)
	}
}

// Broadcast fans event out to every subscriber of event.RunID. A subscriber
// whose channel is full is unregistered rather than blocking the
// broadcaster (spec.md §4.I: a slow client must never stall the run).
func (h *Hub) Broadcast(event rundata.Event) {
	h.mu.Lock()
	byClient := h.subs[event.RunID]
	subs := make([]*subscriber, 0, len(byClient))
	for _, s := range byClient {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		default:
			h.unregister(event.RunID, s.clientID, s)
		}
	}
}

// Close unregisters every subscriber of runID, used once the run reaches
// a terminal status and the final keepalive has been sent.
func (h *Hub) Close(runID string) {
	h.mu.Lock()
	byClient := h.subs[runID]
	delete(h.subs, runID)
	h.mu.Unlock()

	for _, s := range byClient {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}
