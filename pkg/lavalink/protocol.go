package lavalink

import (
	"encoding/json"
	"fmt"
	"time"
)

// Opcodes of inbound WebSocket frames, discriminated by the "op" field.
const (
	opReady        = "ready"
	opStats        = "stats"
	opPlayerUpdate = "playerUpdate"
	opEvent        = "event"
)

// Server event types carried inside "event" frames.
const (
	eventTrackStart      = "TrackStartEvent"
	eventTrackEnd        = "TrackEndEvent"
	eventTrackException  = "TrackExceptionEvent"
	eventTrackStuck      = "TrackStuckEvent"
	eventWebSocketClosed = "WebSocketClosedEvent"
)

// basePayload carries the fields needed to dispatch an inbound frame.
type basePayload struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	Type    string `json:"type"`
}

// ReadyPayload is the first frame the server sends after a successful
// handshake. Resumed reports whether a previous session was picked back up.
type ReadyPayload struct {
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// Stats is the periodic health snapshot a node pushes over its WebSocket.
// It is also returned by GET /v4/stats (without FrameStats).
type Stats struct {
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         MemoryStats `json:"memory"`
	CPU            CPUStats    `json:"cpu"`
	FrameStats     *FrameStats `json:"frameStats"`
}

// MemoryStats describes the node JVM's memory usage in bytes.
type MemoryStats struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

// CPUStats describes the node host's CPU usage.
type CPUStats struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats counts audio frames over the last minute. Deficit and Nulled
// indicate the node is struggling to keep up.
type FrameStats struct {
	Sent    int64 `json:"sent"`
	Nulled  int64 `json:"nulled"`
	Deficit int64 `json:"deficit"`
}

// PlayerUpdateState is the live playback state the server reports roughly
// every five seconds for each active player.
type PlayerUpdateState struct {
	// Time is the unix timestamp (ms) the snapshot was taken at.
	Time int64 `json:"time"`

	// Position is the playback position in milliseconds.
	Position int64 `json:"position"`

	// Connected reports whether the node's Discord voice connection is up.
	Connected bool `json:"connected"`

	// Ping is the node's voice gateway latency in ms, or -1 when unknown.
	Ping int64 `json:"ping"`
}

// playerUpdatePayload is the full inbound playerUpdate frame.
type playerUpdatePayload struct {
	GuildID string            `json:"guildId"`
	State   PlayerUpdateState `json:"state"`
}

// Track is a playable resource as the server describes it. Encoded is the
// opaque blob the server produced; Info is its decoded metadata. Tracks are
// immutable once received — Requester is the only client-side annotation.
type Track struct {
	Encoded string    `json:"encoded"`
	Info    TrackInfo `json:"info"`

	// Requester is an optional client-side annotation (e.g. the user ID that
	// queued the track). Never sent to the server.
	Requester any `json:"-"`
}

// TrackInfo is the decoded metadata for a Track.
type TrackInfo struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	URI        string `json:"uri"`
	Length     int64  `json:"length"` // in milliseconds
	Position   int64  `json:"position"`
	IsSeekable bool   `json:"isSeekable"`
	IsStream   bool   `json:"isStream"`
	SourceName string `json:"sourceName"`
	ArtworkURL string `json:"artworkUrl"`
	ISRC       string `json:"isrc"`
}

// Duration returns the track length as a [time.Duration].
func (t Track) Duration() time.Duration {
	return time.Duration(t.Info.Length) * time.Millisecond
}

// TrackEndReason explains why a track stopped playing.
type TrackEndReason string

const (
	// TrackEndFinished: the track played to its natural end.
	TrackEndFinished TrackEndReason = "finished"

	// TrackEndLoadFailed: the track failed before producing any audio.
	TrackEndLoadFailed TrackEndReason = "loadFailed"

	// TrackEndStopped: playback was stopped explicitly.
	TrackEndStopped TrackEndReason = "stopped"

	// TrackEndReplaced: a new track replaced this one.
	TrackEndReplaced TrackEndReason = "replaced"

	// TrackEndCleanup: the server discarded an idle player.
	TrackEndCleanup TrackEndReason = "cleanup"
)

// MayStartNext reports whether queue progression should continue after a
// track ended for this reason.
func (r TrackEndReason) MayStartNext() bool {
	switch r {
	case TrackEndFinished, TrackEndLoadFailed:
		return true
	}
	return false
}

// ExceptionSeverity classifies a TrackException.
type ExceptionSeverity string

const (
	SeverityCommon     ExceptionSeverity = "common"
	SeveritySuspicious ExceptionSeverity = "suspicious"

	// SeverityFault indicates a bug in the node itself; the affected player
	// cannot be expected to recover.
	SeverityFault ExceptionSeverity = "fault"
)

// TrackException describes an error the node hit while playing a track.
type TrackException struct {
	Message  string            `json:"message"`
	Severity ExceptionSeverity `json:"severity"`
	Cause    string            `json:"cause"`
}

// Error implements the error interface.
func (e TrackException) Error() string {
	return fmt.Sprintf("lavalink: track exception (%s): %s", e.Severity, e.Message)
}

// TrackStartEvent signals that the server began playing a track.
type TrackStartEvent struct {
	Track Track `json:"track"`
}

// TrackEndEvent signals that a track stopped playing.
type TrackEndEvent struct {
	Track  Track          `json:"track"`
	Reason TrackEndReason `json:"reason"`
}

// TrackExceptionEvent signals that a track threw an exception.
type TrackExceptionEvent struct {
	Track     Track          `json:"track"`
	Exception TrackException `json:"exception"`
}

// TrackStuckEvent signals that a track produced no audio for longer than the
// configured threshold.
type TrackStuckEvent struct {
	Track       Track `json:"track"`
	ThresholdMs int64 `json:"thresholdMs"`
}

// WebSocketClosedEvent signals that the node's voice connection to Discord
// closed for a guild.
type WebSocketClosedEvent struct {
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
	ByRemote bool   `json:"byRemote"`
}

// VoiceState is the trio Discord issues during the voice handshake. The node
// needs all three fields before it can join a voice channel on our behalf.
type VoiceState struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// complete reports whether all three handshake fields are present.
func (v VoiceState) complete() bool {
	return v.Token != "" && v.Endpoint != "" && v.SessionID != ""
}

// PlayerUpdateRequest is the PATCH body for /v4/sessions/{sid}/players/{guild}.
// Omitted fields are left untouched by the server. EncodedTrack is tri-state:
// absent = keep playing, JSON string = play that track, JSON null = stop.
// Use [EncodedTrackRef] and [EncodedTrackNull] to build it.
type PlayerUpdateRequest struct {
	EncodedTrack json.RawMessage `json:"encodedTrack,omitempty"`
	Position     *int64          `json:"position,omitempty"`
	EndTime      *int64          `json:"endTime,omitempty"`
	Volume       *int            `json:"volume,omitempty"`
	Paused       *bool           `json:"paused,omitempty"`
	Filters      json.RawMessage `json:"filters,omitempty"`
	Voice        *VoiceState     `json:"voice,omitempty"`
}

// EncodedTrackRef encodes a track reference for [PlayerUpdateRequest].
func EncodedTrackRef(encoded string) json.RawMessage {
	raw, _ := json.Marshal(encoded)
	return raw
}

// EncodedTrackNull is the explicit-null encodedTrack that stops playback.
func EncodedTrackNull() json.RawMessage {
	return json.RawMessage("null")
}

// SessionUpdateRequest is the PATCH body for /v4/sessions/{sid}.
type SessionUpdateRequest struct {
	Resuming *bool `json:"resuming,omitempty"`
	Timeout  *int  `json:"timeout,omitempty"` // in seconds
}

// SessionUpdateResponse mirrors the server's view of the session policy.
type SessionUpdateResponse struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}

// LoadType discriminates the result of a /v4/loadtracks call.
type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

// LoadResult is the verbatim outcome of a track load. Data's shape depends on
// LoadType; use the typed accessors to decode it.
type LoadResult struct {
	LoadType LoadType        `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

// Playlist is the Data payload for [LoadTypePlaylist].
type Playlist struct {
	Info struct {
		Name          string `json:"name"`
		SelectedTrack int    `json:"selectedTrack"`
	} `json:"info"`
	Tracks []Track `json:"tracks"`
}

// Track decodes Data as a single track ([LoadTypeTrack]).
func (r LoadResult) Track() (Track, error) {
	var t Track
	if r.LoadType != LoadTypeTrack {
		return t, fmt.Errorf("lavalink: load result is %q, not %q", r.LoadType, LoadTypeTrack)
	}
	err := json.Unmarshal(r.Data, &t)
	return t, err
}

// Tracks decodes Data as a search result ([LoadTypeSearch]).
func (r LoadResult) Tracks() ([]Track, error) {
	if r.LoadType != LoadTypeSearch {
		return nil, fmt.Errorf("lavalink: load result is %q, not %q", r.LoadType, LoadTypeSearch)
	}
	var ts []Track
	err := json.Unmarshal(r.Data, &ts)
	return ts, err
}

// Playlist decodes Data as a playlist ([LoadTypePlaylist]).
func (r LoadResult) Playlist() (Playlist, error) {
	var p Playlist
	if r.LoadType != LoadTypePlaylist {
		return p, fmt.Errorf("lavalink: load result is %q, not %q", r.LoadType, LoadTypePlaylist)
	}
	err := json.Unmarshal(r.Data, &p)
	return p, err
}

// LoadError decodes Data as a server-side load failure ([LoadTypeError]).
func (r LoadResult) LoadError() (TrackException, error) {
	var e TrackException
	if r.LoadType != LoadTypeError {
		return e, fmt.Errorf("lavalink: load result is %q, not %q", r.LoadType, LoadTypeError)
	}
	err := json.Unmarshal(r.Data, &e)
	return e, err
}

// NodeInfo is the response of GET /v4/info.
type NodeInfo struct {
	Version struct {
		Semver string `json:"semver"`
		Major  int    `json:"major"`
		Minor  int    `json:"minor"`
		Patch  int    `json:"patch"`
	} `json:"version"`
	BuildTime      int64    `json:"buildTime"`
	JVM            string   `json:"jvm"`
	Lavaplayer     string   `json:"lavaplayer"`
	SourceManagers []string `json:"sourceManagers"`
	Filters        []string `json:"filters"`
	Plugins        []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"plugins"`
}

// ErrorResponse is the JSON error body Lavalink returns on non-2xx statuses.
type ErrorResponse struct {
	Timestamp int64  `json:"timestamp"`
	Status    int    `json:"status"`
	Error     string `json:"error"`
	Trace     string `json:"trace"`
	Message   string `json:"message"`
	Path      string `json:"path"`
}

// VoiceStateUpdate is the platform-neutral form of Discord's
// VOICE_STATE_UPDATE. ChannelID is nil when the user left voice entirely.
type VoiceStateUpdate struct {
	GuildID   string
	UserID    string
	SessionID string
	ChannelID *string
}

// VoiceServerUpdate is the platform-neutral form of Discord's
// VOICE_SERVER_UPDATE.
type VoiceServerUpdate struct {
	GuildID  string
	Token    string
	Endpoint string
}

// GatewayVoiceUpdate is the opcode-4 payload the host bot must forward to the
// Discord gateway to join, move, or leave a voice channel.
type GatewayVoiceUpdate struct {
	GuildID string `json:"guild_id"`

	// ChannelID is nil to disconnect from voice.
	ChannelID *string `json:"channel_id"`

	SelfMute bool `json:"self_mute"`
	SelfDeaf bool `json:"self_deaf"`
}

// SendGatewayFunc delivers a voice update to the Discord gateway. Supplied by
// the embedding bot; must not block.
type SendGatewayFunc func(guildID string, update GatewayVoiceUpdate) error

// Permanent WebSocket close codes. A node whose socket closes with one of
// these must not reconnect: the condition (bad auth, invalid session, …)
// will not heal on its own.
var permanentCloseCodes = map[int]bool{
	4004: true,
	4005: true,
	4006: true,
	4009: true,
	4015: true,
	4016: true,
}

// Discord voice close codes after which a player cannot recover and must be
// torn down (auth failed, session invalid, channel deleted).
var fatalVoiceCloseCodes = map[int]bool{
	4004: true,
	4006: true,
	4014: true,
}
