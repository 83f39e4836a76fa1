package lavalink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// forceVoiceReady puts the player into the connected-and-stopped state a real
// voice handshake would produce, without going through Discord.
func forceVoiceReady(p *Player) {
	p.mu.Lock()
	p.state = PlayerStopped
	p.voiceConnected = true
	p.voiceChannelID = "chan-1"
	p.voice = VoiceState{Token: "tok", Endpoint: "ep.discord.media", SessionID: "vsess"}
	p.mu.Unlock()
}

// newPlayerFixture builds a manager with one READY node backed by backend and
// a player forced into the connected state.
func newPlayerFixture(t *testing.T, backend *playerServer) (*Manager, *Node, *Player, *gatewayRecorder) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	m, rec := newTestManager(t)
	if err := m.SetUserID("botuser"); err != nil {
		t.Fatal(err)
	}
	n := addReadyNode(t, m, srv, "main")
	p, err := m.CreatePlayer("guild-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	forceVoiceReady(p)
	return m, n, p, rec
}

func encodedOf(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("encodedTrack %s is not a JSON string: %v", raw, err)
	}
	return s
}

// ── voice handshake ──────────────────────────────────────────────────────────

func TestConnectHandshake(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	m, _, p, rec := newPlayerFixture(t, backend)

	// Fresh player so the full handshake runs.
	p.Destroy()
	p2, err := m.CreatePlayer("guild-2", nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- p2.Connect(context.Background(), "voice-chan") }()

	// Wait for the opcode-4 payload to go out.
	deadline := time.After(2 * time.Second)
	for {
		calls := rec.snapshot()
		if len(calls) > 0 && calls[len(calls)-1].GuildID == "guild-2" {
			last := calls[len(calls)-1]
			if last.ChannelID == nil || *last.ChannelID != "voice-chan" {
				t.Fatalf("opcode-4 payload = %+v", last)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("opcode-4 payload never sent")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := p2.State(); got != PlayerConnecting {
		t.Fatalf("state after Connect = %v, want connecting", got)
	}

	// Discord answers with both handshake halves.
	chanID := "voice-chan"
	m.HandleVoiceStateUpdate(VoiceStateUpdate{
		GuildID: "guild-2", UserID: "botuser", SessionID: "vsess", ChannelID: &chanID,
	})
	if got := p2.State(); got != PlayerWaitingForServer {
		t.Fatalf("state after voice state = %v, want waiting-for-server", got)
	}
	m.HandleVoiceServerUpdate(VoiceServerUpdate{
		GuildID: "guild-2", Token: "tok", Endpoint: "wss://ep.discord.media:443",
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect never returned")
	}
	if got := p2.State(); got != PlayerStopped {
		t.Fatalf("state after handshake = %v, want stopped", got)
	}

	// The node received the completed voice state with the normalised endpoint.
	patches := backend.snapshotPatches()
	if len(patches) == 0 {
		t.Fatal("no voice PATCH reached the node")
	}
	voice := patches[len(patches)-1].Voice
	if voice == nil || voice.Endpoint != "ep.discord.media" || voice.Token != "tok" || voice.SessionID != "vsess" {
		t.Fatalf("voice PATCH = %+v", voice)
	}
}

func TestConnectTimeout(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	m, _, p, _ := newPlayerFixture(t, backend)
	p.Destroy()

	p2, err := m.CreatePlayer("guild-2", nil)
	if err != nil {
		t.Fatal(err)
	}
	p2.mu.Lock()
	p2.handshakeTimeout = 50 * time.Millisecond
	p2.mu.Unlock()

	err = p2.Connect(context.Background(), "voice-chan")
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Connect = %v, want ErrHandshakeTimeout", err)
	}

	// The timed-out player is torn down and forgotten.
	waitFor(t, func() bool {
		_, ok := m.Player("guild-2")
		return !ok
	}, "player still registered after handshake timeout")
}

func TestConnectRejectsConcurrentAttempts(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	m, _, p, _ := newPlayerFixture(t, backend)
	p.Destroy()

	p2, err := m.CreatePlayer("guild-2", nil)
	if err != nil {
		t.Fatal(err)
	}

	go p2.Connect(context.Background(), "voice-chan")
	waitFor(t, func() bool { return p2.State() == PlayerConnecting }, "first connect never started")

	if err := p2.Connect(context.Background(), "voice-chan"); !errors.Is(err, ErrConnectInProgress) {
		t.Fatalf("second Connect = %v, want ErrConnectInProgress", err)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"wss://us-east1.discord.media:443", "us-east1.discord.media"},
		{"us-east1.discord.media:80", "us-east1.discord.media"},
		{"us-east1.discord.media", "us-east1.discord.media"},
		{"https://host.example.com", "host.example.com"},
	}
	for _, tt := range tests {
		if got := normalizeEndpoint(tt.in); got != tt.want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ── playback commands ────────────────────────────────────────────────────────

func TestPlayFromQueue(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	p.Queue().Add(tracks("a", "b")...)
	if err := p.Play(context.Background(), PlayRequest{}); err != nil {
		t.Fatal(err)
	}

	patches := backend.snapshotPatches()
	if len(patches) != 1 {
		t.Fatalf("PATCH count = %d", len(patches))
	}
	if got := encodedOf(t, patches[0].EncodedTrack); got != "enc-a" {
		t.Fatalf("played %q, want enc-a", got)
	}
	cur, ok := p.Current()
	if !ok || cur.Info.Identifier != "a" {
		t.Fatalf("current = %v, %v", cur.Info.Identifier, ok)
	}
	// The queue advanced exactly once; no duplicate history entry.
	if got := len(p.Queue().History()); got != 0 {
		t.Fatalf("history = %d entries after first play", got)
	}
	wantIDs(t, p.Queue().Tracks(), "b")
}

func TestPlayEmptyQueueEmitsQueueEnd(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	m, _, p, _ := newPlayerFixture(t, backend)

	ended := make(chan struct{}, 1)
	m.AddEventHandler(&EventHandler{
		QueueEnd: func(*Player) { ended <- struct{}{} },
	})

	if err := p.Play(context.Background(), PlayRequest{}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ended:
	default:
		t.Fatal("queueEnd not emitted for an empty queue")
	}
	if got := len(backend.snapshotPatches()); got != 0 {
		t.Fatalf("PATCH count = %d for an empty-queue play", got)
	}
}

func TestPlayClampsPositionAndDropsBadEndTime(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	tr := track("a") // 180s long
	if err := p.Play(context.Background(), PlayRequest{
		Track:    &tr,
		Position: 999_999,
		EndTime:  5, // below the clamped position, must be dropped
	}); err != nil {
		t.Fatal(err)
	}

	patches := backend.snapshotPatches()
	if len(patches) != 1 {
		t.Fatalf("PATCH count = %d", len(patches))
	}
	if patches[0].Position == nil || *patches[0].Position != 180_000 {
		t.Fatalf("position = %v, want 180000", patches[0].Position)
	}
	if patches[0].EndTime != nil {
		t.Fatalf("endTime = %v, want dropped", *patches[0].EndTime)
	}
}

func TestPlayFailureKeepsLocalStateUntouched(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	backend.setFail(true)
	p.Queue().Add(track("a"))
	// The poll still consumed the track, but pause/volume state is untouched
	// and the player reports an error to the caller.
	tr := track("x")
	err := p.Play(context.Background(), PlayRequest{Track: &tr, Volume: 500})
	if err == nil {
		t.Fatal("Play succeeded against a failing node")
	}
	if got := p.Volume(); got != 100 {
		t.Fatalf("volume changed to %d on failed play", got)
	}
	if _, has := p.Current(); has {
		t.Fatal("explicit-track play failure still advanced current")
	}
}

func TestPauseIdempotentAndGuarded(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	// Pausing while already unpaused with no track: the idempotence check
	// does not apply (pause=true differs), so the missing track is reported.
	if err := p.Pause(context.Background(), true); !errors.Is(err, ErrNoCurrentTrack) {
		t.Fatalf("Pause with no track = %v, want ErrNoCurrentTrack", err)
	}
	// Resuming while already unpaused is a no-op.
	if err := p.Pause(context.Background(), false); err != nil {
		t.Fatalf("redundant resume = %v", err)
	}
	if got := len(backend.snapshotPatches()); got != 0 {
		t.Fatalf("PATCH count = %d, want 0", got)
	}

	if err := p.PlayTrack(context.Background(), track("a")); err != nil {
		t.Fatal(err)
	}
	p.handleTrackStart(TrackStartEvent{Track: track("a")})

	if err := p.Pause(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if got := p.State(); got != PlayerPaused {
		t.Fatalf("state = %v, want paused", got)
	}
	// Same value again: no extra PATCH.
	before := len(backend.snapshotPatches())
	if err := p.Pause(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if got := len(backend.snapshotPatches()); got != before {
		t.Fatalf("redundant pause issued a PATCH")
	}

	if err := p.Pause(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if got := p.State(); got != PlayerPlaying {
		t.Fatalf("state after resume = %v, want playing", got)
	}
}

func TestSetVolumeClampsAndDeduplicates(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	if err := p.SetVolume(context.Background(), 5000); err != nil {
		t.Fatal(err)
	}
	if got := p.Volume(); got != 1000 {
		t.Fatalf("volume = %d, want 1000 (clamped)", got)
	}
	patches := backend.snapshotPatches()
	if len(patches) != 1 || patches[0].Volume == nil || *patches[0].Volume != 1000 {
		t.Fatalf("patches = %+v", patches)
	}

	// Setting the same value again skips the server call.
	if err := p.SetVolume(context.Background(), 1000); err != nil {
		t.Fatal(err)
	}
	if got := len(backend.snapshotPatches()); got != 1 {
		t.Fatalf("duplicate volume issued a PATCH")
	}

	if err := p.SetVolume(context.Background(), -5); err != nil {
		t.Fatal(err)
	}
	if got := p.Volume(); got != 0 {
		t.Fatalf("volume = %d, want 0 (clamped)", got)
	}
}

func TestSeekGuards(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	if err := p.Seek(context.Background(), 1000); !errors.Is(err, ErrNoCurrentTrack) {
		t.Fatalf("Seek with no track = %v, want ErrNoCurrentTrack", err)
	}

	stream := track("radio")
	stream.Info.IsSeekable = false
	if err := p.PlayTrack(context.Background(), stream); err != nil {
		t.Fatal(err)
	}
	if err := p.Seek(context.Background(), 1000); !errors.Is(err, ErrNotSeekable) {
		t.Fatalf("Seek on stream = %v, want ErrNotSeekable", err)
	}

	if err := p.PlayTrack(context.Background(), track("a")); err != nil {
		t.Fatal(err)
	}
	if err := p.Seek(context.Background(), 999_999); err != nil {
		t.Fatal(err)
	}
	patches := backend.snapshotPatches()
	last := patches[len(patches)-1]
	if last.Position == nil || *last.Position != 180_000 {
		t.Fatalf("seek position = %v, want clamped to 180000", last.Position)
	}
	if got := p.Position(); got != 180_000 {
		t.Fatalf("local position = %d after seek", got)
	}
}

func TestPositionEstimate(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	base := time.Now()
	clock := base
	p.mu.Lock()
	p.now = func() time.Time { return clock }
	p.mu.Unlock()

	if err := p.PlayTrack(context.Background(), track("a")); err != nil {
		t.Fatal(err)
	}
	p.handleTrackStart(TrackStartEvent{Track: track("a")})
	p.handlePlayerUpdate(PlayerUpdateState{Time: base.UnixMilli(), Position: 10_000, Connected: true, Ping: 42})

	clock = base.Add(5 * time.Second)
	if got := p.Position(); got != 15_000 {
		t.Fatalf("Position = %d, want 15000", got)
	}
	if got := p.Ping(); got != 42 {
		t.Fatalf("Ping = %d", got)
	}

	// Paused: the estimate freezes.
	if err := p.Pause(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	frozen := p.Position()
	clock = clock.Add(10 * time.Second)
	if got := p.Position(); got != frozen {
		t.Fatalf("Position advanced while paused: %d -> %d", frozen, got)
	}

	// The estimate never exceeds the track length.
	if err := p.Pause(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(time.Hour)
	if got := p.Position(); got != 180_000 {
		t.Fatalf("Position = %d, want clamped to 180000", got)
	}
}

func TestStopClearsCurrentWithoutHistory(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	if err := p.PlayTrack(context.Background(), track("a")); err != nil {
		t.Fatal(err)
	}
	p.Queue().Add(track("b"))

	if err := p.Stop(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	patches := backend.snapshotPatches()
	last := patches[len(patches)-1]
	if string(last.EncodedTrack) != "null" {
		t.Fatalf("stop PATCH encodedTrack = %s, want null", last.EncodedTrack)
	}
	if _, has := p.Current(); has {
		t.Fatal("current track survived Stop")
	}
	wantIDs(t, p.Queue().Tracks(), "b")

	if err := p.Stop(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if got := p.Queue().TotalSize(); got != 0 {
		t.Fatalf("queue size after Stop(clear) = %d", got)
	}
}

func TestSkip(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	p.Queue().Add(tracks("a", "b")...)
	if err := p.Play(context.Background(), PlayRequest{}); err != nil {
		t.Fatal(err)
	}
	if err := p.Skip(context.Background()); err != nil {
		t.Fatal(err)
	}
	patches := backend.snapshotPatches()
	if got := encodedOf(t, patches[len(patches)-1].EncodedTrack); got != "enc-b" {
		t.Fatalf("skip played %q, want enc-b", got)
	}

	// Skip on an empty queue stops playback without clearing the queue.
	if err := p.Skip(context.Background()); err != nil {
		t.Fatal(err)
	}
	patches = backend.snapshotPatches()
	if string(patches[len(patches)-1].EncodedTrack) != "null" {
		t.Fatalf("empty-queue skip PATCH = %s, want null", patches[len(patches)-1].EncodedTrack)
	}
}

func TestSkipIgnoresTrackLoop(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	p.Queue().Add(tracks("a", "b")...)
	if err := p.Play(context.Background(), PlayRequest{}); err != nil {
		t.Fatal(err)
	}
	if err := p.SetLoop(LoopTrack); err != nil {
		t.Fatal(err)
	}
	if err := p.Skip(context.Background()); err != nil {
		t.Fatal(err)
	}
	patches := backend.snapshotPatches()
	if got := encodedOf(t, patches[len(patches)-1].EncodedTrack); got != "enc-b" {
		t.Fatalf("skip under track loop played %q, want enc-b", got)
	}
}

// ── queue progression ────────────────────────────────────────────────────────

func TestTrackEndAdvancesQueue(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	p.Queue().Add(tracks("a", "b")...)
	if err := p.Play(context.Background(), PlayRequest{}); err != nil {
		t.Fatal(err)
	}
	p.handleTrackStart(TrackStartEvent{Track: track("a")})
	p.handleTrackEnd(TrackEndEvent{Track: track("a"), Reason: TrackEndFinished})

	patches := backend.snapshotPatches()
	if got := encodedOf(t, patches[len(patches)-1].EncodedTrack); got != "enc-b" {
		t.Fatalf("progression played %q, want enc-b", got)
	}
	wantIDs(t, p.Queue().History(), "a")
	cur, ok := p.Current()
	if !ok || cur.Info.Identifier != "b" {
		t.Fatalf("current = %v, %v", cur.Info.Identifier, ok)
	}
}

func TestTrackEndStoppedDoesNotProgress(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	p.Queue().Add(tracks("a", "b")...)
	if err := p.Play(context.Background(), PlayRequest{}); err != nil {
		t.Fatal(err)
	}
	before := len(backend.snapshotPatches())
	p.handleTrackEnd(TrackEndEvent{Track: track("a"), Reason: TrackEndStopped})

	if got := len(backend.snapshotPatches()); got != before {
		t.Fatal("stopped reason triggered a progression PATCH")
	}
	wantIDs(t, p.Queue().Tracks(), "b")
}

func TestReplacedEndReportsOutgoingTrack(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	m, _, p, _ := newPlayerFixture(t, backend)

	endedCh := make(chan Track, 1)
	m.AddEventHandler(&EventHandler{
		TrackEnd: func(_ *Player, track Track, _ TrackEndEvent) { endedCh <- track },
	})

	if err := p.PlayTrack(context.Background(), track("a")); err != nil {
		t.Fatal(err)
	}
	p.handleTrackStart(TrackStartEvent{Track: track("a")})

	// A second play replaces the current track; the server's end event for
	// the outgoing track arrives only afterwards.
	if err := p.PlayTrack(context.Background(), track("b")); err != nil {
		t.Fatal(err)
	}
	p.handleTrackEnd(TrackEndEvent{Track: track("a"), Reason: TrackEndReplaced})

	select {
	case ended := <-endedCh:
		if ended.Info.Identifier != "a" {
			t.Fatalf("trackEnd reported %q, want a (the ended track)", ended.Info.Identifier)
		}
	default:
		t.Fatal("trackEnd never fired for the replaced track")
	}

	// The replacement stays current and untouched by the end event.
	cur, ok := p.Current()
	if !ok || cur.Info.Identifier != "b" {
		t.Fatalf("current after replace = %v, %v, want b", cur.Info.Identifier, ok)
	}
}

func TestTrackLoopReplaysSameTrack(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	m, _, p, _ := newPlayerFixture(t, backend)

	ended := make(chan struct{}, 1)
	m.AddEventHandler(&EventHandler{
		QueueEnd: func(*Player) { ended <- struct{}{} },
	})

	p.Queue().Add(track("a"))
	if err := p.Play(context.Background(), PlayRequest{}); err != nil {
		t.Fatal(err)
	}
	if err := p.SetLoop(LoopTrack); err != nil {
		t.Fatal(err)
	}
	p.handleTrackStart(TrackStartEvent{Track: track("a")})
	p.handleTrackEnd(TrackEndEvent{Track: track("a"), Reason: TrackEndFinished})

	patches := backend.snapshotPatches()
	if len(patches) != 2 {
		t.Fatalf("PATCH count = %d, want 2 (initial + replay)", len(patches))
	}
	if got := encodedOf(t, patches[1].EncodedTrack); got != "enc-a" {
		t.Fatalf("replay played %q, want enc-a", got)
	}
	select {
	case <-ended:
		t.Fatal("queueEnd emitted under a track loop")
	default:
	}
}

func TestQueueLoopRotates(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	p.Queue().Add(tracks("a", "b")...)
	if err := p.Play(context.Background(), PlayRequest{}); err != nil {
		t.Fatal(err)
	}
	if err := p.SetLoop(LoopQueue); err != nil {
		t.Fatal(err)
	}

	// a finishes: b plays, a rejoins the tail.
	p.handleTrackEnd(TrackEndEvent{Track: track("a"), Reason: TrackEndFinished})
	patches := backend.snapshotPatches()
	if got := encodedOf(t, patches[len(patches)-1].EncodedTrack); got != "enc-b" {
		t.Fatalf("played %q, want enc-b", got)
	}
	wantIDs(t, p.Queue().Tracks(), "a")

	// b finishes: a plays again.
	p.handleTrackEnd(TrackEndEvent{Track: track("b"), Reason: TrackEndFinished})
	patches = backend.snapshotPatches()
	if got := encodedOf(t, patches[len(patches)-1].EncodedTrack); got != "enc-a" {
		t.Fatalf("played %q, want enc-a", got)
	}
	wantIDs(t, p.Queue().Tracks(), "b")
}

func TestLoadFailedDoesNotRejoinQueueLoop(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	p.Queue().Add(tracks("a", "b")...)
	if err := p.Play(context.Background(), PlayRequest{}); err != nil {
		t.Fatal(err)
	}
	if err := p.SetLoop(LoopQueue); err != nil {
		t.Fatal(err)
	}

	p.handleTrackEnd(TrackEndEvent{Track: track("a"), Reason: TrackEndLoadFailed})
	// b plays; the broken a must not rejoin the rotation.
	wantIDs(t, p.Queue().Tracks())
	cur, ok := p.Current()
	if !ok || cur.Info.Identifier != "b" {
		t.Fatalf("current = %v, %v", cur.Info.Identifier, ok)
	}
}

func TestQueueEndStopsPlayer(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	m, _, p, _ := newPlayerFixture(t, backend)

	ended := make(chan struct{}, 1)
	m.AddEventHandler(&EventHandler{
		QueueEnd: func(*Player) { ended <- struct{}{} },
	})

	p.Queue().Add(track("a"))
	if err := p.Play(context.Background(), PlayRequest{}); err != nil {
		t.Fatal(err)
	}
	p.handleTrackStart(TrackStartEvent{Track: track("a")})
	p.handleTrackEnd(TrackEndEvent{Track: track("a"), Reason: TrackEndFinished})

	select {
	case <-ended:
	default:
		t.Fatal("queueEnd not emitted when the queue drained")
	}
	if got := p.State(); got != PlayerStopped {
		t.Fatalf("state = %v, want stopped", got)
	}
}

func TestTrackStuckProgressesWithoutReplay(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	p.Queue().Add(tracks("a", "b")...)
	if err := p.Play(context.Background(), PlayRequest{}); err != nil {
		t.Fatal(err)
	}
	// Even under a track loop a stuck track moves on to the next one.
	if err := p.SetLoop(LoopTrack); err != nil {
		t.Fatal(err)
	}
	p.handleTrackStuck(TrackStuckEvent{Track: track("a"), ThresholdMs: 10_000})

	patches := backend.snapshotPatches()
	if got := encodedOf(t, patches[len(patches)-1].EncodedTrack); got != "enc-b" {
		t.Fatalf("after stuck played %q, want enc-b", got)
	}
}

func TestFaultExceptionDestroysPlayer(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	m, _, p, _ := newPlayerFixture(t, backend)

	if err := p.PlayTrack(context.Background(), track("a")); err != nil {
		t.Fatal(err)
	}
	p.handleTrackException(TrackExceptionEvent{
		Track:     track("a"),
		Exception: TrackException{Message: "node bug", Severity: SeverityFault},
	})

	if got := p.State(); got != PlayerDestroyed {
		t.Fatalf("state = %v, want destroyed", got)
	}
	if _, ok := m.Player("guild-1"); ok {
		t.Fatal("destroyed player still registered")
	}
}

func TestFatalVoiceCloseDestroysPlayer(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	p.handleWebSocketClosed(WebSocketClosedEvent{Code: 4014, Reason: "channel deleted", ByRemote: true})
	if got := p.State(); got != PlayerDestroyed {
		t.Fatalf("state = %v, want destroyed", got)
	}
}

func TestRecoverableVoiceCloseKeepsPlayer(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, _, p, _ := newPlayerFixture(t, backend)

	p.handleWebSocketClosed(WebSocketClosedEvent{Code: 4015, Reason: "server crashed", ByRemote: true})
	if got := p.State(); got != PlayerDisconnectedLavalink {
		t.Fatalf("state = %v, want disconnected-lavalink", got)
	}
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestDestroyLeavesVoiceAndDeletesServerPlayer(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	m, n, p, rec := newPlayerFixture(t, backend)

	p.Destroy()

	if got := backend.deleteCount(); got != 1 {
		t.Fatalf("server-side DELETE count = %d, want 1", got)
	}
	calls := rec.snapshot()
	if len(calls) == 0 || calls[len(calls)-1].ChannelID != nil {
		t.Fatalf("no voice-leave payload sent: %+v", calls)
	}
	if _, ok := m.Player("guild-1"); ok {
		t.Fatal("player still registered after destroy")
	}
	if got := n.PlayerCount(); got != 0 {
		t.Fatalf("node still has %d bound players", got)
	}

	// Idempotent; commands on a destroyed player fail cleanly.
	p.Destroy()
	if err := p.Play(context.Background(), PlayRequest{}); !errors.Is(err, ErrPlayerDestroyed) {
		t.Fatalf("Play on destroyed = %v, want ErrPlayerDestroyed", err)
	}
}

func TestMoveToNode(t *testing.T) {
	t.Parallel()

	oldBackend := &playerServer{}
	newBackend := &playerServer{}
	m, oldNode, p, _ := newPlayerFixture(t, oldBackend)

	srv2 := httptest.NewServer(newBackend.handler())
	t.Cleanup(srv2.Close)
	target := addReadyNode(t, m, srv2, "second")

	if err := p.PlayTrack(context.Background(), track("a")); err != nil {
		t.Fatal(err)
	}
	p.handleTrackStart(TrackStartEvent{Track: track("a")})
	if err := p.SetVolume(context.Background(), 250); err != nil {
		t.Fatal(err)
	}

	if err := p.MoveToNode(context.Background(), target); err != nil {
		t.Fatal(err)
	}

	if got := oldBackend.deleteCount(); got != 1 {
		t.Fatalf("old node DELETE count = %d", got)
	}
	patches := newBackend.snapshotPatches()
	if len(patches) != 1 {
		t.Fatalf("target PATCH count = %d", len(patches))
	}
	up := patches[0]
	if got := encodedOf(t, up.EncodedTrack); got != "enc-a" {
		t.Fatalf("moved track = %q", got)
	}
	if up.Volume == nil || *up.Volume != 250 {
		t.Fatalf("moved volume = %v", up.Volume)
	}
	if up.Position == nil {
		t.Fatal("move PATCH missing position")
	}
	if up.Voice == nil || up.Voice.Token != "tok" {
		t.Fatalf("move PATCH voice = %+v", up.Voice)
	}

	if p.Node() != target {
		t.Fatal("player still bound to the old node")
	}
	if got := oldNode.PlayerCount(); got != 0 {
		t.Fatalf("old node still has %d players", got)
	}
	if got := target.PlayerCount(); got != 1 {
		t.Fatalf("target node has %d players, want 1", got)
	}
}

func TestMoveToNodeGuards(t *testing.T) {
	t.Parallel()

	backend := &playerServer{}
	_, n, p, _ := newPlayerFixture(t, backend)

	if err := p.MoveToNode(context.Background(), n); !errors.Is(err, ErrSameNode) {
		t.Fatalf("move to same node = %v, want ErrSameNode", err)
	}
	if err := p.MoveToNode(context.Background(), nil); !errors.Is(err, ErrNodeNotReady) {
		t.Fatalf("move to nil node = %v, want ErrNodeNotReady", err)
	}
}

func TestMoveToNodeFailureDestroysPlayer(t *testing.T) {
	t.Parallel()

	oldBackend := &playerServer{}
	newBackend := &playerServer{}
	m, _, p, _ := newPlayerFixture(t, oldBackend)

	srv2 := httptest.NewServer(newBackend.handler())
	t.Cleanup(srv2.Close)
	target := addReadyNode(t, m, srv2, "second")
	newBackend.setFail(true)

	if err := p.MoveToNode(context.Background(), target); err == nil {
		t.Fatal("move succeeded against a failing target")
	}
	if got := p.State(); got != PlayerDestroyed {
		t.Fatalf("state after failed move = %v, want destroyed", got)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
