package sseevents

import (
	"context"
	"time"

	"github.com/flowforge/dagrunner/internal/rundata"
)

// Sink receives one outgoing frame. Frame.Keepalive true means "write a
// comment/ping, not an event" (spec.md §4.I final keepalive before close).
// Returning an error aborts the stream (the client went away).
type Sink func(Frame) error

// Frame is one unit written to an SSE connection.
type Frame struct {
	Event     *rundata.Event
	Keepalive bool
}

// keepaliveInterval is how often Stream emits a comment frame while idle,
// so intermediary proxies don't time out the connection.
const keepaliveInterval = 15 * time.Second

// Stream implements the full live-event-bus algorithm (spec.md §4.I):
//  1. replay every event with seq > sinceSeq via h.Replay
//  2. if the run is already terminal, send a final keepalive and return
//  3. register clientID for live updates, evicting any prior handler for
//     the same clientID
//  4. relay events as they arrive, sending periodic keepalives, until the
//     context is cancelled, the subscriber is evicted, or sink returns an
//     error
//  5. on exit, unregister the subscriber
func (h *Hub) Stream(ctx context.Context, runID, clientID string, sinceSeq int64, sink Sink) error {
	events, err := h.Replay(ctx, runID, sinceSeq)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := sink(Frame{Event: &e}); err != nil {
			return err
		}
		if e.Seq > sinceSeq {
			sinceSeq = e.Seq
		}
	}

	terminal, err := h.Terminal(ctx, runID)
	if err != nil {
		return err
	}
	if terminal {
		return sink(Frame{Keepalive: true})
	}

	live, evicted, cancel := h.Subscribe(runID, clientID, sinceSeq)
	defer cancel()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-evicted:
			return nil
		case <-ticker.C:
			if err := sink(Frame{Keepalive: true}); err != nil {
				return err
			}
		case e, ok := <-live:
			if !ok {
				return nil
			}
			if err := sink(Frame{Event: &e}); err != nil {
				return err
			}
			if e.Type.Terminal() {
				_ = sink(Frame{Keepalive: true})
				h.Close(runID)
				return nil
			}
		}
	}
}
