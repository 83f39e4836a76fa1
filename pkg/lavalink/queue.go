package lavalink

import (
	"math/rand/v2"
	"sync"
)

// maxHistory bounds the queue's play history. Oldest entries are dropped.
const maxHistory = 20

// LoopMode controls what the queue does when a track finishes naturally.
type LoopMode string

const (
	// LoopNone plays the queue linearly.
	LoopNone LoopMode = "none"

	// LoopTrack replays the current track on natural end.
	LoopTrack LoopMode = "track"

	// LoopQueue cycles the upcoming list, pushing the finished current track
	// to the tail.
	LoopQueue LoopMode = "queue"
)

// IsValid reports whether m is a recognised loop mode.
func (m LoopMode) IsValid() bool {
	switch m {
	case LoopNone, LoopTrack, LoopQueue:
		return true
	}
	return false
}

// String returns the lowercase name of the mode.
func (m LoopMode) String() string { return string(m) }

// Queue is an ordered list of upcoming tracks with one optional current track
// and a bounded most-recent-first history. Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	loop     LoopMode
	current  *Track
	upcoming []Track
	history  []Track // most recent first, len <= maxHistory
}

// NewQueue creates an empty queue with [LoopNone].
func NewQueue() *Queue {
	return &Queue{loop: LoopNone}
}

// Add appends tracks to the tail of the upcoming list.
func (q *Queue) Add(tracks ...Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.upcoming = append(q.upcoming, tracks...)
}

// AddAt inserts tracks at the given 0-indexed position in the upcoming list.
// Positions out of range clamp to the head or tail.
func (q *Queue) AddAt(position int, tracks ...Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if position < 0 {
		position = 0
	}
	if position >= len(q.upcoming) {
		q.upcoming = append(q.upcoming, tracks...)
		return
	}
	q.upcoming = append(q.upcoming[:position], append(append([]Track(nil), tracks...), q.upcoming[position:]...)...)
}

// Poll returns the next track honouring the loop mode and updates current and
// history atomically:
//
//   - LoopTrack: returns the current track unchanged (the caller replays it).
//   - LoopQueue: appends the current track to the upcoming tail, then pops
//     the head.
//   - LoopNone: pops the head; the returned track becomes the new current,
//     pushing the previous current onto history.
//
// The second return is false when nothing is left to play.
func (q *Queue) Poll() (Track, bool) {
	return q.poll(false)
}

// pollSkip is Poll for skip semantics: LoopTrack must not trap the player on
// the same track, so it degrades to LoopNone.
func (q *Queue) pollSkip() (Track, bool) {
	return q.poll(true)
}

func (q *Queue) poll(ignoreTrackLoop bool) (Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.loop == LoopTrack && !ignoreTrackLoop && q.current != nil {
		return *q.current, true
	}

	if q.loop == LoopQueue && q.current != nil {
		q.upcoming = append(q.upcoming, *q.current)
		q.current = nil
	}

	if len(q.upcoming) == 0 {
		return Track{}, false
	}
	next := q.upcoming[0]
	q.upcoming = q.upcoming[1:]
	q.advanceToLocked(next)
	return next, true
}

// Peek returns the head of the upcoming list without removing it.
func (q *Queue) Peek() (Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.upcoming) == 0 {
		return Track{}, false
	}
	return q.upcoming[0], true
}

// RemoveAt removes and returns the track at the given upcoming index.
func (q *Queue) RemoveAt(index int) (Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.upcoming) {
		return Track{}, false
	}
	t := q.upcoming[index]
	q.upcoming = append(q.upcoming[:index], q.upcoming[index+1:]...)
	return t, true
}

// Remove removes the first upcoming track whose encoded form equals track's.
func (q *Queue) Remove(track Track) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.upcoming {
		if t.Encoded == track.Encoded {
			q.upcoming = append(q.upcoming[:i], q.upcoming[i+1:]...)
			return true
		}
	}
	return false
}

// Move relocates the upcoming track at from to position to. Returns false
// when either index is out of range.
func (q *Queue) Move(from, to int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if from < 0 || from >= len(q.upcoming) || to < 0 || to >= len(q.upcoming) {
		return false
	}
	t := q.upcoming[from]
	q.upcoming = append(q.upcoming[:from], q.upcoming[from+1:]...)
	q.upcoming = append(q.upcoming[:to], append([]Track{t}, q.upcoming[to:]...)...)
	return true
}

// Clear empties the upcoming list, the history, and the current track.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.upcoming = nil
	q.history = nil
	q.current = nil
}

// Shuffle randomises the upcoming list in place. Current and history are
// untouched.
func (q *Queue) Shuffle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	rand.Shuffle(len(q.upcoming), func(i, j int) {
		q.upcoming[i], q.upcoming[j] = q.upcoming[j], q.upcoming[i]
	})
}

// SetLoop sets the loop mode. Values outside the enum are rejected.
func (q *Queue) SetLoop(mode LoopMode) error {
	if !mode.IsValid() {
		return ErrInvalidLoopMode
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.loop = mode
	return nil
}

// Loop returns the current loop mode.
func (q *Queue) Loop() LoopMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loop
}

// Current returns the current track, if any.
func (q *Queue) Current() (Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return Track{}, false
	}
	return *q.current, true
}

// Previous pops the most recent history entry. The caller typically replays
// it via [Player.Play].
func (q *Queue) Previous() (Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.history) == 0 {
		return Track{}, false
	}
	t := q.history[0]
	q.history = q.history[1:]
	return t, true
}

// Size returns the number of upcoming tracks, excluding the current one.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.upcoming)
}

// TotalSize returns history + upcoming + the current track if set.
func (q *Queue) TotalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.history) + len(q.upcoming)
	if q.current != nil {
		n++
	}
	return n
}

// Tracks returns a snapshot of the upcoming list.
func (q *Queue) Tracks() []Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Track, len(q.upcoming))
	copy(out, q.upcoming)
	return out
}

// History returns a snapshot of the history, most recent first.
func (q *Queue) History() []Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Track, len(q.history))
	copy(out, q.history)
	return out
}

// advanceTo makes track the current one, pushing the previous current onto
// history. This is the only place the current→history side effect lives.
func (q *Queue) advanceTo(track Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.advanceToLocked(track)
}

func (q *Queue) advanceToLocked(track Track) {
	if q.current != nil {
		q.pushHistoryLocked(*q.current)
	}
	t := track
	q.current = &t
}

// clearCurrent drops the current track. When toHistory is true the track is
// recorded in history first; clearing without history never emits an entry.
func (q *Queue) clearCurrent(toHistory bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil && toHistory {
		q.pushHistoryLocked(*q.current)
	}
	q.current = nil
}

func (q *Queue) pushHistoryLocked(track Track) {
	q.history = append([]Track{track}, q.history...)
	if len(q.history) > maxHistory {
		q.history = q.history[:maxHistory]
	}
}
