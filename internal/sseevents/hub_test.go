package sseevents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

func replayFrom(events []rundata.Event) ReplayFunc {
	return func(_ context.Context, runID string, sinceSeq int64) ([]rundata.Event, error) {
		var out []rundata.Event
		for _, e := range events {
			if e.RunID == runID && e.Seq > sinceSeq {
				out = append(out, e)
			}
		}
		return out, nil
	}
}

func alwaysActive(_ context.Context, _ string) (bool, error)   { return false, nil }
func alwaysTerminal(_ context.Context, _ string) (bool, error) { return true, nil }

func TestSubscribeDedupesByClientID(t *testing.T) {
	h := NewHub(replayFrom(nil), alwaysActive)

	_, evicted1, cancel1 := h.Subscribe("run-1", "client-a", 0)
	defer cancel1()
	_, evicted2, cancel2 := h.Subscribe("run-1", "client-a", 0)
	defer cancel2()

	select {
	case <-evicted1:
	case <-time.After(time.Second):
		t.Fatal("first subscriber for client-a should have been evicted")
	}
	select {
	case <-evicted2:
		t.Fatal("second subscriber should still be live")
	default:
	}
}

func TestBroadcastDropsSlowSubscriber(t *testing.T) {
	h := NewHub(replayFrom(nil), alwaysActive)
	events, evicted, cancel := h.Subscribe("run-1", "client-a", 0)
	defer cancel()

	for i := 0; i < bufSize+5; i++ {
		h.Broadcast(rundata.Event{RunID: "run-1", Seq: int64(i + 1), Type: rundata.EventBlockStart})
	}

	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber should have been evicted once its buffer filled")
	}
	assert.NotNil(t, events)
}

func TestBroadcastOnlyReachesSameRun(t *testing.T) {
	h := NewHub(replayFrom(nil), alwaysActive)
	events, _, cancel := h.Subscribe("run-1", "client-a", 0)
	defer cancel()

	h.Broadcast(rundata.Event{RunID: "run-2", Seq: 1, Type: rundata.EventBlockStart})

	select {
	case <-events:
		t.Fatal("subscriber to run-1 should not see run-2 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamReplaysThenClosesOnTerminalRun(t *testing.T) {
	past := []rundata.Event{
		{RunID: "run-1", Seq: 1, Type: rundata.EventRunStart},
		{RunID: "run-1", Seq: 2, Type: rundata.EventRunComplete},
	}
	h := NewHub(replayFrom(past), alwaysTerminal)

	var frames []Frame
	err := h.Stream(context.Background(), "run-1", "client-a", 0, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, int64(1), frames[0].Event.Seq)
	assert.Equal(t, int64(2), frames[1].Event.Seq)
	assert.True(t, frames[2].Keepalive)
}

func TestStreamRelaysLiveEventsUntilTerminal(t *testing.T) {
	h := NewHub(replayFrom(nil), alwaysActive)

	go func() {
		for {
			h.mu.Lock()
			_, ok := h.subs["run-1"]["client-a"]
			h.mu.Unlock()
			if ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
		h.Broadcast(rundata.Event{RunID: "run-1", Seq: 1, Type: rundata.EventBlockStart, Data: value.Null()})
		h.Broadcast(rundata.Event{RunID: "run-1", Seq: 2, Type: rundata.EventRunComplete})
	}()

	var frames []Frame
	err := h.Stream(context.Background(), "run-1", "client-a", 0, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frames), 2)
	last := frames[len(frames)-1]
	assert.True(t, last.Keepalive)
}

func TestStreamAbortsWhenSinkErrors(t *testing.T) {
	past := []rundata.Event{{RunID: "run-1", Seq: 1, Type: rundata.EventRunStart}}
	h := NewHub(replayFrom(past), alwaysActive)

	boom := errors.New("client gone")
	err := h.Stream(context.Background(), "run-1", "client-a", 0, func(f Frame) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestStreamStopsWhenContextCancelled(t *testing.T) {
	h := NewHub(replayFrom(nil), alwaysActive)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.Stream(ctx, "run-1", "client-a", 0, func(f Frame) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
