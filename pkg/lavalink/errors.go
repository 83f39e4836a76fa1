package lavalink

import (
	"errors"
	"fmt"
)

// Configuration and precondition errors. These are never retried and always
// surface directly to the caller.
var (
	// ErrNoSendFunc is returned by [New] when no gateway send callback is supplied.
	ErrNoSendFunc = errors.New("lavalink: gateway send func must not be nil")

	// ErrNoUserID is returned when an operation requires the bot user ID and
	// [Manager.SetUserID] has not been called yet.
	ErrNoUserID = errors.New("lavalink: bot user ID is not set")

	// ErrUserIDSet is returned by [Manager.SetUserID] on a second call with a
	// different ID.
	ErrUserIDSet = errors.New("lavalink: bot user ID is already set")

	// ErrNoSessionID is returned for session-scoped REST calls before the node
	// has completed its READY handshake.
	ErrNoSessionID = errors.New("lavalink: node has no session ID yet")

	// ErrNodeNotReady is returned when an operation needs a READY node.
	ErrNodeNotReady = errors.New("lavalink: node is not ready")

	// ErrNodeDestroyed is returned for operations on a destroyed node.
	ErrNodeDestroyed = errors.New("lavalink: node is destroyed")

	// ErrNodeExists is returned by [Manager.AddNode] for a duplicate identifier.
	ErrNodeExists = errors.New("lavalink: a node with this identifier already exists")

	// ErrNoAvailableNodes is returned when no node in the fleet is READY.
	ErrNoAvailableNodes = errors.New("lavalink: no available nodes")

	// ErrPlayerDestroyed is returned for operations on a destroyed player and
	// used to reject an in-flight connect when the player is torn down.
	ErrPlayerDestroyed = errors.New("lavalink: player is destroyed")

	// ErrConnectInProgress is returned by [Player.Connect] while an earlier
	// connect is still waiting for the voice handshake.
	ErrConnectInProgress = errors.New("lavalink: voice connect already in progress")

	// ErrHandshakeTimeout is the rejection for a voice handshake that did not
	// complete within the handshake window.
	ErrHandshakeTimeout = errors.New("lavalink: voice handshake timed out")

	// ErrInvalidState is returned when a player command is issued in a state
	// that cannot accept it.
	ErrInvalidState = errors.New("lavalink: operation not valid in current player state")

	// ErrNoCurrentTrack is returned when a command needs a current track.
	ErrNoCurrentTrack = errors.New("lavalink: no current track")

	// ErrNotSeekable is returned by [Player.Seek] for non-seekable tracks.
	ErrNotSeekable = errors.New("lavalink: current track is not seekable")

	// ErrInvalidLoopMode is returned for loop values outside the enum.
	ErrInvalidLoopMode = errors.New("lavalink: invalid loop mode")

	// ErrMoveInProgress is returned by [Player.MoveToNode] while another move
	// is running.
	ErrMoveInProgress = errors.New("lavalink: node move already in progress")

	// ErrSameNode is returned by [Player.MoveToNode] when the target is the
	// player's current node.
	ErrSameNode = errors.New("lavalink: player is already on this node")
)

// RESTError is a non-2xx response from a node's REST API. Response is the
// parsed Lavalink error body when the server sent one.
type RESTError struct {
	Method   string
	Path     string
	Status   int
	Response *ErrorResponse
	Body     []byte
}

// Error implements the error interface.
func (e *RESTError) Error() string {
	if e.Response != nil && e.Response.Message != "" {
		return fmt.Sprintf("lavalink: %s %s: %d %s: %s", e.Method, e.Path, e.Status, e.Response.Error, e.Response.Message)
	}
	return fmt.Sprintf("lavalink: %s %s: unexpected status %d", e.Method, e.Path, e.Status)
}

// IsNotFound reports whether the server answered 404.
func (e *RESTError) IsNotFound() bool { return e.Status == 404 }

// CloseError describes a WebSocket session close. Permanent close codes
// disable reconnection for the node.
type CloseError struct {
	Code   int
	Reason string
}

// Error implements the error interface.
func (e *CloseError) Error() string {
	return fmt.Sprintf("lavalink: websocket closed with code %d: %s", e.Code, e.Reason)
}

// Permanent reports whether the close code forbids reconnecting.
func (e *CloseError) Permanent() bool { return permanentCloseCodes[e.Code] }
