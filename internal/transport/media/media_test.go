package media

import (
	"testing"
	"time"

	"github.com/hollowoak/scbusd/internal/ids"
)

func mustID(t *testing.T, v uint32) ids.Identifier {
	t.Helper()
	id, ok := ids.New(v)
	if !ok {
		t.Fatalf("New(%d) unexpectedly rejected", v)
	}
	return id
}

func TestWriteEventReportsCompletion(t *testing.T) {
	completion := mustID(t, 500)
	cueID := mustID(t, 1)

	a := New(Config{
		MediaMap: map[uint32]Cue{
			1: {Player: "true", Channel: 1, CompletionEvent: &completion},
		},
	})
	defer a.Close()

	if err := a.WriteEvent(cueID, 0, 0); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		results := a.ReadEvents()
		for _, r := range results {
			if r.Event.ID == completion {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a completion event to be surfaced through ReadEvents")
}

func TestWriteEventUnmappedCueIsANoop(t *testing.T) {
	a := New(Config{})
	defer a.Close()

	if err := a.WriteEvent(mustID(t, 999), 0, 0); err != nil {
		t.Fatalf("unmapped cue should not error: %v", err)
	}
	if got := a.ReadEvents(); got != nil {
		t.Fatalf("unmapped cue should not queue a result, got %v", got)
	}
}

func TestAllStopKillsRunningCues(t *testing.T) {
	completion := mustID(t, 501)
	a := New(Config{
		MediaMap: map[uint32]Cue{
			1: {Player: "sleep", Args: []string{"5"}, Channel: 1, CompletionEvent: &completion},
		},
	})
	defer a.Close()

	if err := a.WriteEvent(mustID(t, 1), 0, 0); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := a.WriteEvent(ids.AllStopID(), 0, 0); err != nil {
		t.Fatalf("all stop WriteEvent: %v", err)
	}

	a.mu.Lock()
	running := len(a.running)
	a.mu.Unlock()
	if running != 0 {
		t.Fatalf("expected no running cues after all stop, got %d", running)
	}
}
