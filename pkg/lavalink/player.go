package lavalink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// voiceHandshakeTimeout bounds the window between [Player.Connect] and the
// voice-server callback that completes the handshake.
const voiceHandshakeTimeout = 20 * time.Second

// PlayerState is the lifecycle state of a player.
type PlayerState int

const (
	// PlayerInstantiated: created, never connected to voice.
	PlayerInstantiated PlayerState = iota

	// PlayerConnecting: the opcode-4 payload went out, waiting for Discord's
	// voice-state callback.
	PlayerConnecting

	// PlayerWaitingForServer: voice state received, waiting for the
	// voice-server callback with token and endpoint.
	PlayerWaitingForServer

	// PlayerStopped: connected to voice with nothing playing.
	PlayerStopped

	// PlayerPlaying: a track is playing.
	PlayerPlaying

	// PlayerPaused: a track is loaded but paused.
	PlayerPaused

	// PlayerDisconnected: left the voice channel on purpose.
	PlayerDisconnected

	// PlayerDisconnectedLavalink: the node's voice connection for this guild
	// dropped.
	PlayerDisconnectedLavalink

	// PlayerConnectionFailed: the voice handshake failed or timed out.
	PlayerConnectionFailed

	// PlayerDestroyed is terminal.
	PlayerDestroyed
)

// String returns the lowercase name of the state.
func (s PlayerState) String() string {
	switch s {
	case PlayerInstantiated:
		return "instantiated"
	case PlayerConnecting:
		return "connecting"
	case PlayerWaitingForServer:
		return "waiting-for-server"
	case PlayerStopped:
		return "stopped"
	case PlayerPlaying:
		return "playing"
	case PlayerPaused:
		return "paused"
	case PlayerDisconnected:
		return "disconnected"
	case PlayerDisconnectedLavalink:
		return "disconnected-lavalink"
	case PlayerConnectionFailed:
		return "connection-failed"
	case PlayerDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// canConnect reports whether [Player.Connect] may start from this state.
func (s PlayerState) canConnect() bool {
	switch s {
	case PlayerInstantiated, PlayerDisconnected, PlayerConnectionFailed, PlayerDisconnectedLavalink:
		return true
	}
	return false
}

// canPlay reports whether playback commands may be issued in this state.
func (s PlayerState) canPlay() bool {
	switch s {
	case PlayerStopped, PlayerPlaying, PlayerPaused, PlayerWaitingForServer:
		return true
	}
	return false
}

// PlayerOptions configures a player created via [Manager.CreatePlayer].
type PlayerOptions struct {
	// InitialVolume in [0,1000]; 100 when zero.
	InitialVolume int

	// SelfDeaf and SelfMute are sent with the voice-connect payload.
	SelfDeaf bool
	SelfMute bool
}

func (o *PlayerOptions) applyDefaults() {
	if o.InitialVolume <= 0 {
		o.InitialVolume = 100
	}
	o.InitialVolume = clampVolume(o.InitialVolume)
}

// PlayRequest describes one [Player.Play] invocation.
type PlayRequest struct {
	// Track to play. When nil the queue is polled.
	Track *Track

	// NoReplace makes the server ignore the request if it is already playing
	// a track.
	NoReplace bool

	// Paused starts the track paused.
	Paused bool

	// Position is the start offset in ms; clamped to the track length.
	Position int64

	// EndTime stops playback at this offset in ms. Dropped when not strictly
	// greater than Position.
	EndTime int64

	// Volume overrides the player volume when > 0; clamped to [0,1000].
	Volume int
}

// Player owns the voice handshake and the playback state machine for one
// guild. It is bound to exactly one node at a time and carries its own
// [Queue]. Commands that reach the node are serialised per player: the REST
// round-trip completes before the next command or inbound server event is
// processed.
type Player struct {
	mgr     *Manager
	guildID string
	queue   *Queue
	opts    PlayerOptions
	log     *slog.Logger

	mu             sync.Mutex
	node           *Node
	state          PlayerState
	voiceChannelID string
	voice          VoiceState
	playing        bool
	paused         bool
	volume         int
	filters        json.RawMessage
	lastPosition   int64
	lastPositionAt time.Time
	ping           int64
	voiceConnected bool
	moving         bool
	connectCh      chan error
	connectTimer   *time.Timer

	// now is the clock used for position math; overridable in tests.
	now func() time.Time

	// handshakeTimeout is overridable in tests.
	handshakeTimeout time.Duration
}

func newPlayer(mgr *Manager, node *Node, guildID string, opts PlayerOptions) *Player {
	opts.applyDefaults()
	p := &Player{
		mgr:              mgr,
		guildID:          guildID,
		queue:            NewQueue(),
		opts:             opts,
		log:              mgr.logger.With("guild", guildID),
		node:             node,
		state:            PlayerInstantiated,
		volume:           opts.InitialVolume,
		now:              time.Now,
		handshakeTimeout: voiceHandshakeTimeout,
	}
	node.bindPlayer(guildID)
	return p
}

// GuildID returns the guild this player belongs to.
func (p *Player) GuildID() string { return p.guildID }

// Queue returns the player's queue.
func (p *Player) Queue() *Queue { return p.queue }

// Node returns the node the player is currently bound to.
func (p *Player) Node() *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

// State returns the player's lifecycle state.
func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ChannelID returns the current (or target) voice channel, "" when none.
func (p *Player) ChannelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voiceChannelID
}

// Paused reports whether playback is paused.
func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Playing reports whether a track is currently playing.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Volume returns the player volume in [0,1000].
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Ping returns the node's voice gateway latency for this guild in ms, -1
// when unknown.
func (p *Player) Ping() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ping
}

// Current returns the current track, if any.
func (p *Player) Current() (Track, bool) { return p.queue.Current() }

// Position estimates the playback position in ms. While playing it advances
// the last server-reported position by the wall-clock delta, clamped to the
// track length; paused or stopped it returns the last known position.
func (p *Player) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Player) positionLocked() int64 {
	cur, ok := p.queue.Current()
	if !ok {
		return 0
	}
	if p.state != PlayerPlaying || p.paused {
		return p.lastPosition
	}
	pos := p.lastPosition + p.now().Sub(p.lastPositionAt).Milliseconds()
	return clampPosition(pos, cur.Info.Length)
}

// Connect joins the given voice channel. It sends the opcode-4 payload
// through the manager's gateway callback and blocks until Discord delivers
// both halves of the voice handshake, the handshake window elapses, or ctx
// is cancelled. On timeout or PATCH failure the player moves to
// [PlayerConnectionFailed], leaves the channel, and is destroyed.
func (p *Player) Connect(ctx context.Context, channelID string) error {
	if p.mgr.UserID() == "" {
		return ErrNoUserID
	}

	p.mu.Lock()
	if p.state == PlayerDestroyed {
		p.mu.Unlock()
		return ErrPlayerDestroyed
	}
	if p.connectCh != nil {
		p.mu.Unlock()
		return ErrConnectInProgress
	}
	if !p.state.canConnect() {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot connect while %s", ErrInvalidState, state)
	}
	ch := make(chan error, 1)
	p.connectCh = ch
	p.state = PlayerConnecting
	p.voiceChannelID = channelID
	p.connectTimer = time.AfterFunc(p.handshakeTimeout, p.connectTimedOut)
	p.mu.Unlock()

	if err := p.mgr.sendVoiceConnect(p.guildID, &channelID, p.opts); err != nil {
		p.mu.Lock()
		p.resolveConnectLocked(err)
		p.state = PlayerConnectionFailed
		p.mu.Unlock()
		return fmt.Errorf("lavalink: send voice connect: %w", err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connectTimedOut fires when the handshake window elapses.
func (p *Player) connectTimedOut() {
	p.mu.Lock()
	if p.connectCh == nil {
		p.mu.Unlock()
		return
	}
	p.resolveConnectLocked(ErrHandshakeTimeout)
	p.state = PlayerConnectionFailed
	p.mu.Unlock()

	p.log.Warn("voice handshake timed out")
	p.Destroy()
}

// resolveConnectLocked completes the in-flight connect, if any.
func (p *Player) resolveConnectLocked(err error) {
	if p.connectCh == nil {
		return
	}
	if p.connectTimer != nil {
		p.connectTimer.Stop()
		p.connectTimer = nil
	}
	p.connectCh <- err
	p.connectCh = nil
}

// handleVoiceStateUpdate consumes Discord's voice-state half of the
// handshake. The manager has already filtered for this guild, the bot user,
// and a non-nil channel.
func (p *Player) handleVoiceStateUpdate(v VoiceStateUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlayerDestroyed {
		return
	}

	sessionChanged := v.SessionID != "" && v.SessionID != p.voice.SessionID
	p.voice.SessionID = v.SessionID
	if v.ChannelID != nil {
		p.voiceChannelID = *v.ChannelID
	}

	if p.state == PlayerConnecting {
		p.state = PlayerWaitingForServer
		return
	}

	// A mid-session voice session change (e.g. region move) must be pushed
	// to the node with the cached token and endpoint.
	if sessionChanged && p.voice.complete() {
		if err := p.sendVoiceUpdateLocked(); err != nil {
			p.log.Warn("voice re-update after session change failed", "error", err)
		}
	}
}

// handleVoiceServerUpdate consumes the voice-server half of the handshake
// and pushes the completed voice state to the node.
func (p *Player) handleVoiceServerUpdate(v VoiceServerUpdate) {
	p.mu.Lock()
	if p.state == PlayerDestroyed {
		p.mu.Unlock()
		return
	}
	p.voice.Token = v.Token
	p.voice.Endpoint = normalizeEndpoint(v.Endpoint)
	if !p.voice.complete() {
		// Still waiting for the session id from the voice-state half.
		p.mu.Unlock()
		return
	}

	err := p.sendVoiceUpdateLocked()
	if err == nil {
		p.voiceConnected = true
		if p.state == PlayerConnecting || p.state == PlayerWaitingForServer {
			p.state = PlayerStopped
		}
		p.resolveConnectLocked(nil)
		p.mu.Unlock()
		return
	}

	p.log.Error("voice update PATCH failed", "error", err)
	if p.connectCh != nil {
		p.resolveConnectLocked(err)
		p.state = PlayerConnectionFailed
		p.mu.Unlock()
		p.Destroy()
		return
	}
	p.mu.Unlock()
}

// sendVoiceUpdateLocked PATCHes the node with the completed voice state.
func (p *Player) sendVoiceUpdateLocked() error {
	if p.node == nil || !p.node.Connected() {
		return ErrNodeNotReady
	}
	voice := p.voice
	ctx, cancel := context.WithTimeout(context.Background(), restAttemptTimeout)
	defer cancel()
	return p.node.updatePlayer(ctx, p.guildID, PlayerUpdateRequest{Voice: &voice}, false)
}

// normalizeEndpoint reduces a Discord voice endpoint to its bare hostname,
// stripping any scheme and port.
func normalizeEndpoint(endpoint string) string {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		endpoint = endpoint[i+3:]
	}
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}

// Play starts playback. With a nil req.Track the queue is polled; when the
// queue is exhausted and no track is current, queueEnd is emitted instead.
// The player does not transition to [PlayerPlaying] until the server's
// TrackStartEvent arrives.
func (p *Player) Play(ctx context.Context, req PlayRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playLocked(ctx, req, false)
}

// PlayTrack is shorthand for Play with an explicit track.
func (p *Player) PlayTrack(ctx context.Context, track Track) error {
	return p.Play(ctx, PlayRequest{Track: &track})
}

// playLocked issues the play PATCH. fromQueue marks tracks that came out of
// [Queue.Poll] and are therefore already the queue's current track.
func (p *Player) playLocked(ctx context.Context, req PlayRequest, fromQueue bool) error {
	if p.state == PlayerDestroyed {
		return ErrPlayerDestroyed
	}
	if !p.state.canPlay() {
		return fmt.Errorf("%w: cannot play while %s", ErrInvalidState, p.state)
	}
	if p.node == nil || !p.node.Connected() {
		return ErrNodeNotReady
	}

	var track Track
	switch {
	case req.Track != nil:
		track = *req.Track
	default:
		next, ok := p.queue.Poll()
		if !ok {
			if cur, has := p.queue.Current(); has {
				track = cur
				break
			}
			p.mgr.emit().queueEnd(p)
			return nil
		}
		track = next
		fromQueue = true
	}

	if req.NoReplace && p.playing {
		if cur, has := p.queue.Current(); has && cur.Encoded == track.Encoded {
			return nil
		}
	}

	position := clampPosition(req.Position, track.Info.Length)
	update := PlayerUpdateRequest{
		EncodedTrack: EncodedTrackRef(track.Encoded),
		Paused:       &req.Paused,
	}
	if position > 0 {
		update.Position = &position
	}
	if req.EndTime > position {
		endTime := req.EndTime
		update.EndTime = &endTime
	}
	if req.Volume > 0 {
		volume := clampVolume(req.Volume)
		update.Volume = &volume
	}

	if err := p.node.updatePlayer(ctx, p.guildID, update, req.NoReplace); err != nil {
		return err
	}

	if !fromQueue {
		p.queue.advanceTo(track)
	}
	p.paused = req.Paused
	if update.Volume != nil {
		p.volume = *update.Volume
	}
	p.lastPosition = position
	p.lastPositionAt = p.now()
	return nil
}

// Stop halts playback and clears the current track. With clearQueue the
// upcoming list and history are dropped too.
func (p *Player) Stop(ctx context.Context, clearQueue bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLocked(ctx, clearQueue)
}

func (p *Player) stopLocked(ctx context.Context, clearQueue bool) error {
	if p.state == PlayerDestroyed {
		return ErrPlayerDestroyed
	}
	if p.node != nil && p.node.Connected() {
		update := PlayerUpdateRequest{EncodedTrack: EncodedTrackNull()}
		if err := p.node.updatePlayer(ctx, p.guildID, update, false); err != nil {
			return err
		}
	}
	p.queue.clearCurrent(false)
	p.playing = false
	p.lastPosition = 0
	p.lastPositionAt = p.now()
	p.state = PlayerStopped
	if clearQueue {
		p.queue.Clear()
	}
	return nil
}

// Pause pauses or resumes playback. Idempotent: issuing the current state
// again performs no server call. Resuming with no current track is rejected
// so a stopped player cannot claim to be playing.
func (p *Player) Pause(ctx context.Context, pause bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlayerDestroyed {
		return ErrPlayerDestroyed
	}
	if p.paused == pause {
		return nil
	}
	if _, has := p.queue.Current(); !has {
		return ErrNoCurrentTrack
	}
	if p.node == nil || !p.node.Connected() {
		return ErrNodeNotReady
	}

	if err := p.node.updatePlayer(ctx, p.guildID, PlayerUpdateRequest{Paused: &pause}, false); err != nil {
		return err
	}

	// Freeze the position estimate at the moment of pausing.
	p.lastPosition = p.positionLocked()
	p.lastPositionAt = p.now()
	p.paused = pause
	if pause && p.state == PlayerPlaying {
		p.state = PlayerPaused
	} else if !pause && p.state == PlayerPaused {
		p.state = PlayerPlaying
	}
	return nil
}

// Seek jumps to the given position in ms, clamped to the track length. The
// current track must be seekable.
func (p *Player) Seek(ctx context.Context, position int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlayerDestroyed {
		return ErrPlayerDestroyed
	}
	cur, has := p.queue.Current()
	if !has {
		return ErrNoCurrentTrack
	}
	if !cur.Info.IsSeekable {
		return ErrNotSeekable
	}
	if p.node == nil || !p.node.Connected() {
		return ErrNodeNotReady
	}

	position = clampPosition(position, cur.Info.Length)
	if err := p.node.updatePlayer(ctx, p.guildID, PlayerUpdateRequest{Position: &position}, false); err != nil {
		return err
	}
	// Pre-emptive local update for immediate feedback; the next playerUpdate
	// frame overwrites it.
	p.lastPosition = position
	p.lastPositionAt = p.now()
	return nil
}

// SetVolume sets the player volume, clamped to [0,1000]. Setting the current
// value again performs no server call.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlayerDestroyed {
		return ErrPlayerDestroyed
	}
	volume = clampVolume(volume)
	if volume == p.volume {
		return nil
	}
	if p.node == nil || !p.node.Connected() {
		return ErrNodeNotReady
	}
	if err := p.node.updatePlayer(ctx, p.guildID, PlayerUpdateRequest{Volume: &volume}, false); err != nil {
		return err
	}
	p.volume = volume
	return nil
}

// SetLoop sets the queue's loop mode. Purely local; the server is not
// involved.
func (p *Player) SetLoop(mode LoopMode) error {
	return p.queue.SetLoop(mode)
}

// SetFilters sends an opaque filter configuration to the node. The payload
// is passed through verbatim.
func (p *Player) SetFilters(ctx context.Context, filters json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlayerDestroyed {
		return ErrPlayerDestroyed
	}
	if p.node == nil || !p.node.Connected() {
		return ErrNodeNotReady
	}
	if err := p.node.updatePlayer(ctx, p.guildID, PlayerUpdateRequest{Filters: filters}, false); err != nil {
		return err
	}
	p.filters = filters
	return nil
}

// Skip advances to the next queued track. The server confirms the handover
// with TrackEnd(replaced) followed by TrackStart. With an empty queue the
// player stops without clearing the queue.
func (p *Player) Skip(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlayerDestroyed {
		return ErrPlayerDestroyed
	}
	next, ok := p.queue.pollSkip()
	if !ok {
		return p.stopLocked(ctx, false)
	}
	return p.playLocked(ctx, PlayRequest{Track: &next}, true)
}

// Previous replays the most recent history entry.
func (p *Player) Previous(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlayerDestroyed {
		return ErrPlayerDestroyed
	}
	prev, ok := p.queue.Previous()
	if !ok {
		return fmt.Errorf("%w: history is empty", ErrNoCurrentTrack)
	}
	return p.playLocked(ctx, PlayRequest{Track: &prev}, false)
}

// Disconnect leaves the voice channel but keeps the player alive.
func (p *Player) Disconnect() error {
	p.mu.Lock()
	if p.state == PlayerDestroyed {
		p.mu.Unlock()
		return ErrPlayerDestroyed
	}
	p.resolveConnectLocked(fmt.Errorf("lavalink: connect aborted: player disconnected"))
	p.voiceChannelID = ""
	p.voiceConnected = false
	p.state = PlayerDisconnected
	p.mu.Unlock()

	return p.mgr.sendVoiceConnect(p.guildID, nil, p.opts)
}

// Destroy tears the player down: the in-flight connect (if any) is rejected,
// the voice channel is left, the server-side player is deleted best-effort,
// and the player is removed from the manager. Subsequent inbound events for
// this guild are discarded. Idempotent.
func (p *Player) Destroy() {
	p.mu.Lock()
	if p.state == PlayerDestroyed {
		p.mu.Unlock()
		return
	}
	p.resolveConnectLocked(ErrPlayerDestroyed)
	p.state = PlayerDestroyed
	node := p.node
	hadChannel := p.voiceChannelID != ""
	p.mu.Unlock()

	if hadChannel {
		if err := p.mgr.sendVoiceConnect(p.guildID, nil, p.opts); err != nil {
			p.log.Debug("voice leave on destroy failed", "error", err)
		}
	}
	if node != nil {
		if node.Connected() {
			ctx, cancel := context.WithTimeout(context.Background(), restAttemptTimeout)
			if err := node.destroyPlayer(ctx, p.guildID); err != nil {
				// Best effort; the server cleans idle players up on its own.
				p.log.Debug("server-side player delete failed", "error", err)
			}
			cancel()
		}
		node.unbindPlayer(p.guildID)
	}
	p.mgr.removePlayer(p)
	p.log.Info("player destroyed")
}

// MoveToNode transfers the player to another READY node without audible
// interruption: the playback snapshot (track, position, volume, pause flag,
// voice state) is re-applied on the target. Any failure destroys the player.
func (p *Player) MoveToNode(ctx context.Context, target *Node) error {
	if target == nil || !target.Connected() {
		return ErrNodeNotReady
	}

	p.mu.Lock()
	if p.state == PlayerDestroyed {
		p.mu.Unlock()
		return ErrPlayerDestroyed
	}
	if p.moving {
		p.mu.Unlock()
		return ErrMoveInProgress
	}
	old := p.node
	if target == old {
		p.mu.Unlock()
		return ErrSameNode
	}
	p.moving = true

	// Snapshot before touching either node.
	cur, hasTrack := p.queue.Current()
	position := p.positionLocked()
	volume := p.volume
	paused := p.paused
	voice := p.voice
	filters := p.filters

	// Old node: best effort delete; a dead node cannot be asked anyway.
	if old != nil && old.Connected() {
		if err := old.destroyPlayer(ctx, p.guildID); err != nil {
			p.log.Warn("player delete on old node failed", "node", old.Identifier(), "error", err)
		}
	}
	if old != nil {
		old.unbindPlayer(p.guildID)
	}
	target.bindPlayer(p.guildID)
	p.node = target

	update := PlayerUpdateRequest{
		Volume: &volume,
		Paused: &paused,
	}
	if hasTrack {
		update.EncodedTrack = EncodedTrackRef(cur.Encoded)
		update.Position = &position
	}
	// Voice travels only when all three fields are known; otherwise the
	// player stays voice-less until Discord re-issues the handshake.
	if voice.complete() {
		update.Voice = &voice
	}
	if filters != nil {
		update.Filters = filters
	}

	err := target.updatePlayer(ctx, p.guildID, update, false)
	p.moving = false
	p.mu.Unlock()

	if err != nil {
		p.log.Error("node transfer failed, destroying player", "target", target.Identifier(), "error", err)
		p.Destroy()
		return fmt.Errorf("lavalink: move player to node %s: %w", target.Identifier(), err)
	}

	p.log.Info("player moved", "from", nodeName(old), "to", target.Identifier())
	p.mgr.emit().playerMove(p, old, target)
	return nil
}

// ---- server event handlers (called from the node read loop) ----

func (p *Player) handleTrackStart(ev TrackStartEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlayerDestroyed {
		return
	}
	p.playing = true
	p.paused = false
	p.state = PlayerPlaying
	p.lastPosition = 0
	p.lastPositionAt = p.now()

	track := ev.Track
	if cur, has := p.queue.Current(); has {
		track = cur
	}
	p.mgr.emit().trackStart(p, track)
}

func (p *Player) handleTrackEnd(ev TrackEndEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlayerDestroyed {
		return
	}

	prev, hadPrev := p.queue.Current()
	if ev.Reason != TrackEndReplaced {
		p.queue.clearCurrent(true)
		p.playing = false
		p.state = PlayerStopped
	}

	// The server names the track that actually stopped. On a replace the
	// local current already points at the successor, so prefer the server's
	// track whenever it disagrees.
	ended := prev
	if !hadPrev || (ev.Track.Encoded != "" && ev.Track.Encoded != prev.Encoded) {
		ended = ev.Track
	}
	p.mgr.emit().trackEnd(p, ended, ev)
	p.progressLocked(ev.Reason, prev, hadPrev)
}

func (p *Player) handleTrackException(ev TrackExceptionEvent) {
	p.mu.Lock()
	prev, hadPrev := p.queue.Current()
	if p.state == PlayerDestroyed {
		p.mu.Unlock()
		return
	}
	p.queue.clearCurrent(true)
	p.playing = false
	p.state = PlayerStopped

	ended := ev.Track
	if hadPrev {
		ended = prev
	}
	p.mgr.emit().trackException(p, ended, ev.Exception)

	if ev.Exception.Severity == SeverityFault {
		p.mu.Unlock()
		p.log.Error("fault-severity track exception, destroying player", "message", ev.Exception.Message)
		p.Destroy()
		return
	}
	p.progressLocked(TrackEndLoadFailed, prev, hadPrev)
	p.mu.Unlock()
}

func (p *Player) handleTrackStuck(ev TrackStuckEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PlayerDestroyed {
		return
	}
	prev, hadPrev := p.queue.Current()
	p.queue.clearCurrent(true)
	p.playing = false
	p.state = PlayerStopped

	ended := ev.Track
	if hadPrev {
		ended = prev
	}
	p.mgr.emit().trackStuck(p, ended, ev.ThresholdMs)
	// A stuck track must not be replayed by a TRACK loop.
	p.progressLocked(TrackEndLoadFailed, prev, hadPrev)
}

func (p *Player) handleWebSocketClosed(ev WebSocketClosedEvent) {
	p.mu.Lock()
	if p.state == PlayerDestroyed {
		p.mu.Unlock()
		return
	}
	p.voiceConnected = false
	p.state = PlayerDisconnectedLavalink
	p.mgr.emit().playerWebsocketClosed(p, ev)
	p.mu.Unlock()

	if fatalVoiceCloseCodes[ev.Code] {
		p.log.Warn("fatal voice close code, destroying player", "code", ev.Code)
		p.Destroy()
	}
}

func (p *Player) handlePlayerUpdate(state PlayerUpdateState) {
	p.mu.Lock()
	if p.state == PlayerDestroyed {
		p.mu.Unlock()
		return
	}
	p.lastPosition = state.Position
	p.lastPositionAt = p.now()
	p.voiceConnected = state.Connected
	p.ping = state.Ping
	p.mgr.emit().playerStateUpdate(p, state)
	p.mu.Unlock()
}

// progressLocked runs queue progression after a track ended with the given
// reason. prev is the track that just ended.
func (p *Player) progressLocked(reason TrackEndReason, prev Track, hadPrev bool) {
	ctx, cancel := context.WithTimeout(context.Background(), restAttemptTimeout)
	defer cancel()

	loop := p.queue.Loop()

	if loop == LoopTrack && reason == TrackEndFinished && hadPrev {
		if err := p.playLocked(ctx, PlayRequest{Track: &prev}, false); err != nil {
			p.log.Warn("track loop replay failed", "error", err)
		}
		return
	}

	switch reason {
	case TrackEndStopped, TrackEndReplaced, TrackEndCleanup:
		// Stopped and cleanup are final; a replacement is driven by the new
		// play call that caused it.
		return
	}

	// The finished track rejoins the rotation under a QUEUE loop. Failed
	// tracks do not, or a broken track would cycle forever.
	if loop == LoopQueue && reason == TrackEndFinished && hadPrev {
		p.queue.Add(prev)
	}

	next, ok := p.queue.Poll()
	if !ok {
		p.state = PlayerStopped
		p.mgr.emit().queueEnd(p)
		if p.node != nil && p.node.Connected() {
			update := PlayerUpdateRequest{EncodedTrack: EncodedTrackNull()}
			if err := p.node.updatePlayer(ctx, p.guildID, update, false); err != nil {
				p.log.Debug("defensive stop PATCH failed", "error", err)
			}
		}
		return
	}
	if err := p.playLocked(ctx, PlayRequest{Track: &next}, true); err != nil {
		p.log.Warn("queue progression play failed", "error", err)
	}
}

func clampVolume(v int) int {
	return max(0, min(v, 1000))
}

func clampPosition(pos, length int64) int64 {
	if pos < 0 {
		return 0
	}
	if length > 0 && pos > length {
		return length
	}
	return pos
}

func nodeName(n *Node) string {
	if n == nil {
		return "<none>"
	}
	return n.Identifier()
}
