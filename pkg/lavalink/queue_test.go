package lavalink

import (
	"fmt"
	"testing"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func track(id string) Track {
	return Track{
		Encoded: "enc-" + id,
		Info: TrackInfo{
			Identifier: id,
			Title:      "title " + id,
			Author:     "author",
			Length:     180_000,
			IsSeekable: true,
		},
	}
}

func tracks(ids ...string) []Track {
	out := make([]Track, len(ids))
	for i, id := range ids {
		out[i] = track(id)
	}
	return out
}

func ids(ts []Track) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Info.Identifier
	}
	return out
}

func wantIDs(t *testing.T, got []Track, want ...string) {
	t.Helper()
	gotIDs := ids(got)
	if len(gotIDs) != len(want) {
		t.Fatalf("got %v, want %v", gotIDs, want)
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("got %v, want %v", gotIDs, want)
		}
	}
}

// ── ordering ─────────────────────────────────────────────────────────────────

func TestQueueAddPreservesOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Add(tracks("a", "b")...)
	q.Add(track("c"))
	wantIDs(t, q.Tracks(), "a", "b", "c")

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Poll()
		if !ok {
			t.Fatalf("Poll returned false, want track %q", want)
		}
		if got.Info.Identifier != want {
			t.Fatalf("Poll = %q, want %q", got.Info.Identifier, want)
		}
	}
	if _, ok := q.Poll(); ok {
		t.Fatal("Poll on drained queue returned a track")
	}
}

func TestQueueAddAt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		position int
		want     []string
	}{
		{"head", 0, []string{"x", "a", "b", "c"}},
		{"middle", 1, []string{"a", "x", "b", "c"}},
		{"negative clamps to head", -5, []string{"x", "a", "b", "c"}},
		{"past end clamps to tail", 99, []string{"a", "b", "c", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := NewQueue()
			q.Add(tracks("a", "b", "c")...)
			q.AddAt(tt.position, track("x"))
			wantIDs(t, q.Tracks(), tt.want...)
		})
	}
}

func TestQueueRemoveAndMove(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Add(tracks("a", "b", "c", "d")...)

	removed, ok := q.RemoveAt(1)
	if !ok || removed.Info.Identifier != "b" {
		t.Fatalf("RemoveAt(1) = %v, %v", removed.Info.Identifier, ok)
	}
	if _, ok := q.RemoveAt(10); ok {
		t.Fatal("RemoveAt out of range succeeded")
	}

	if !q.Remove(track("d")) {
		t.Fatal("Remove(d) failed")
	}
	if q.Remove(track("zzz")) {
		t.Fatal("Remove of absent track succeeded")
	}
	wantIDs(t, q.Tracks(), "a", "c")

	q.Add(track("e"))
	if !q.Move(2, 0) {
		t.Fatal("Move(2, 0) failed")
	}
	wantIDs(t, q.Tracks(), "e", "a", "c")
	if q.Move(0, 5) {
		t.Fatal("Move out of range succeeded")
	}
}

func TestQueueShuffleKeepsMultiset(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	var want []string
	for i := 0; i < 32; i++ {
		id := fmt.Sprintf("t%02d", i)
		q.Add(track(id))
		want = append(want, id)
	}
	q.Shuffle()

	got := ids(q.Tracks())
	if len(got) != len(want) {
		t.Fatalf("shuffle changed length: got %d, want %d", len(got), len(want))
	}
	seen := map[string]int{}
	for _, id := range got {
		seen[id]++
	}
	for _, id := range want {
		if seen[id] != 1 {
			t.Fatalf("track %q appears %d times after shuffle", id, seen[id])
		}
	}
}

// ── loop modes ───────────────────────────────────────────────────────────────

func TestQueueLoopTrackRepeats(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Add(tracks("a", "b")...)
	if _, ok := q.Poll(); !ok {
		t.Fatal("initial Poll failed")
	}
	if err := q.SetLoop(LoopTrack); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		got, ok := q.Poll()
		if !ok || got.Info.Identifier != "a" {
			t.Fatalf("Poll #%d = %q, %v; want a", i, got.Info.Identifier, ok)
		}
	}
	// The upcoming list is untouched while looping a single track.
	wantIDs(t, q.Tracks(), "b")
	if len(q.History()) != 0 {
		t.Fatalf("history grew while looping a track: %v", ids(q.History()))
	}
}

func TestQueueLoopQueueCycles(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Add(tracks("a", "b", "c")...)
	if err := q.SetLoop(LoopQueue); err != nil {
		t.Fatal(err)
	}

	var got []string
	for i := 0; i < 6; i++ {
		tr, ok := q.Poll()
		if !ok {
			t.Fatalf("Poll #%d returned false on a looping queue", i)
		}
		got = append(got, tr.Info.Identifier)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cycle order = %v, want %v", got, want)
		}
	}
}

func TestQueuePollSkipIgnoresTrackLoop(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Add(tracks("a", "b")...)
	q.Poll()
	if err := q.SetLoop(LoopTrack); err != nil {
		t.Fatal(err)
	}

	got, ok := q.pollSkip()
	if !ok || got.Info.Identifier != "b" {
		t.Fatalf("pollSkip = %q, %v; want b", got.Info.Identifier, ok)
	}
}

func TestSetLoopRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	if err := q.SetLoop(LoopMode("bananas")); err != ErrInvalidLoopMode {
		t.Fatalf("SetLoop = %v, want ErrInvalidLoopMode", err)
	}
	if got := q.Loop(); got != LoopNone {
		t.Fatalf("Loop after rejected SetLoop = %q, want none", got)
	}
}

// ── history ──────────────────────────────────────────────────────────────────

func TestQueueHistoryMostRecentFirst(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Add(tracks("a", "b", "c")...)
	q.Poll() // current: a
	q.Poll() // current: b, history: [a]
	q.Poll() // current: c, history: [b a]

	wantIDs(t, q.History(), "b", "a")

	prev, ok := q.Previous()
	if !ok || prev.Info.Identifier != "b" {
		t.Fatalf("Previous = %q, %v; want b", prev.Info.Identifier, ok)
	}
	wantIDs(t, q.History(), "a")
}

func TestQueueHistoryBounded(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	for i := 0; i < maxHistory+10; i++ {
		q.Add(track(fmt.Sprintf("t%02d", i)))
	}
	for {
		if _, ok := q.Poll(); !ok {
			break
		}
	}

	hist := q.History()
	if len(hist) != maxHistory {
		t.Fatalf("history length = %d, want %d", len(hist), maxHistory)
	}
	// Newest entry first; the oldest ones were dropped. The final Poll left
	// the last track as current, so the newest history entry is t28.
	if got := hist[0].Info.Identifier; got != "t28" {
		t.Fatalf("newest history entry = %q, want t28", got)
	}
}

func TestClearCurrentHistoryFlag(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Add(track("a"))
	q.Poll()
	q.clearCurrent(false)
	if len(q.History()) != 0 {
		t.Fatal("clearCurrent(false) pushed to history")
	}
	if _, ok := q.Current(); ok {
		t.Fatal("current survived clearCurrent")
	}

	q.Add(track("b"))
	q.Poll()
	q.clearCurrent(true)
	wantIDs(t, q.History(), "b")
}

func TestQueueSizes(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Add(tracks("a", "b", "c")...)
	q.Poll()

	if got := q.Size(); got != 2 {
		t.Fatalf("Size = %d, want 2", got)
	}
	if got := q.TotalSize(); got != 3 {
		t.Fatalf("TotalSize = %d, want 3", got)
	}

	q.Clear()
	if got := q.TotalSize(); got != 0 {
		t.Fatalf("TotalSize after Clear = %d, want 0", got)
	}
}
