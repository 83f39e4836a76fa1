package lavalink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// NodeState is the lifecycle state of a node's WebSocket session.
type NodeState int

const (
	// NodeIdle: created, never dialed (typically because the bot user ID is
	// not known yet).
	NodeIdle NodeState = iota

	// NodeDialing: the WebSocket handshake is in flight.
	NodeDialing

	// NodeAwaitingReady: the socket is open, waiting for the ready frame.
	NodeAwaitingReady

	// NodeReady: the session is negotiated and usable.
	NodeReady

	// NodeClosed: the socket dropped; a reconnect may or may not follow.
	NodeClosed

	// NodeReconnectPending: a backoff timer is armed for the next dial.
	NodeReconnectPending

	// NodeDestroyed is terminal.
	NodeDestroyed
)

// String returns the lowercase name of the state.
func (s NodeState) String() string {
	switch s {
	case NodeIdle:
		return "idle"
	case NodeDialing:
		return "dialing"
	case NodeAwaitingReady:
		return "awaiting-ready"
	case NodeReady:
		return "ready"
	case NodeClosed:
		return "closed"
	case NodeReconnectPending:
		return "reconnect-pending"
	case NodeDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ReconnectPolicy tunes the exponential backoff after an unexpected close.
type ReconnectPolicy struct {
	// InitialDelay is the first backoff step. Default 1s.
	InitialDelay time.Duration

	// MaxDelay caps the backoff. Default 30s.
	MaxDelay time.Duration

	// MaxTries is the number of reconnect attempts before the node is marked
	// permanently failed. Default 10.
	MaxTries int
}

func (p *ReconnectPolicy) applyDefaults() {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxTries <= 0 {
		p.MaxTries = 10
	}
}

// NodeOptions configures a node added via [Manager.AddNode].
type NodeOptions struct {
	// Identifier names the node within the manager. Defaults to host:port.
	Identifier string

	// Host and Port address the node.
	Host string
	Port int

	// Secure selects wss/https instead of ws/http.
	Secure bool

	// Password is sent as the Authorization header on every call.
	Password string

	// ResumeKey, when non-empty, asks the server to keep the session alive
	// for ResumeTimeout after a disconnect so a reconnecting client can pick
	// it back up.
	ResumeKey     string
	ResumeTimeout time.Duration

	// RetryAmount is the REST attempt budget per request.
	RetryAmount int

	// Reconnect tunes the WebSocket backoff.
	Reconnect ReconnectPolicy
}

func (o *NodeOptions) validate() error {
	var errs []error
	if o.Host == "" {
		errs = append(errs, errors.New("host must not be empty"))
	}
	if o.Port <= 0 || o.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", o.Port))
	}
	if o.Password == "" {
		errs = append(errs, errors.New("password must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("lavalink: invalid node options: %w", err)
	}
	if o.Identifier == "" {
		o.Identifier = fmt.Sprintf("%s:%d", o.Host, o.Port)
	}
	o.Reconnect.applyDefaults()
	return nil
}

func (o *NodeOptions) httpBaseURL() string {
	scheme := "http"
	if o.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port)
}

func (o *NodeOptions) wsURL() string {
	scheme := "ws"
	if o.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/v4/websocket", scheme, o.Host, o.Port)
}

// Node is one authenticated WebSocket + REST session to a Lavalink server.
// Nodes are created through [Manager.AddNode] and keep reconnecting until
// destroyed, the reconnect budget is exhausted, or the server closes with a
// permanent code. All exported methods are safe for concurrent use.
type Node struct {
	opts NodeOptions
	mgr  *Manager
	rest *restClient
	log  *slog.Logger

	mu               sync.Mutex
	state            NodeState
	conn             *websocket.Conn
	sessionID        string
	reconnectAttempt int
	reconnectTimer   *time.Timer
	reconnectOff     bool // permanent failure or destroy: never dial again
	userClosed       bool // set for the connection being torn down on purpose
	stats            *Stats
	statsAt          time.Time
	players          map[string]struct{} // guild IDs bound to this node
	readCancel       context.CancelFunc
}

func newNode(mgr *Manager, opts NodeOptions) *Node {
	n := &Node{
		opts:    opts,
		mgr:     mgr,
		log:     mgr.logger.With("node", opts.Identifier),
		players: make(map[string]struct{}),
	}
	n.rest = newRESTClient(opts.httpBaseURL(), opts.Password, opts.RetryAmount, n.log)
	n.rest.nodeName = opts.Identifier
	n.rest.metrics = mgr.metrics
	n.rest.onSessionInvalid = n.invalidateSession
	return n
}

// Identifier returns the node's name within the manager.
func (n *Node) Identifier() string { return n.opts.Identifier }

// Options returns a copy of the node's configuration.
func (n *Node) Options() NodeOptions { return n.opts }

// State returns the current session state.
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Connected reports whether the session is READY.
func (n *Node) Connected() bool { return n.State() == NodeReady }

// SessionID returns the negotiated session ID, or "" before READY.
func (n *Node) SessionID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessionID
}

// Stats returns the latest health snapshot pushed by the server.
func (n *Node) Stats() (Stats, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stats == nil {
		return Stats{}, false
	}
	return *n.stats, true
}

// PlayerCount returns the number of players bound to this node.
func (n *Node) PlayerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.players)
}

// Penalties is the node's health score; lower is better. It is +Inf unless
// the session is READY: stats from before a disconnect are stale and not
// trusted. A READY node that has not reported stats yet scores only its
// player count so fresh nodes stay eligible for routing.
func (n *Node) Penalties() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != NodeReady {
		return math.Inf(1)
	}
	if n.stats == nil {
		return float64(len(n.players))
	}
	s := n.stats

	penalty := float64(s.Players)

	cores := s.CPU.Cores
	if cores < 1 {
		cores = 1
	}
	cpuPenalty := math.Pow(1.05, 100*s.CPU.SystemLoad/float64(cores))*10 - 10
	penalty += math.Round(cpuPenalty)

	penalty += math.Round(float64(s.Memory.Used) / (1 << 20))

	if s.FrameStats != nil {
		penalty += float64(s.FrameStats.Deficit) / 3000
		penalty += 2 * float64(s.FrameStats.Nulled) / 3000
	}
	return penalty
}

// bindPlayer and unbindPlayer maintain the routing set. Ownership of players
// stays with the manager.
func (n *Node) bindPlayer(guildID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.players[guildID] = struct{}{}
}

func (n *Node) unbindPlayer(guildID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.players, guildID)
}

func (n *Node) boundPlayers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.players))
	for g := range n.players {
		out = append(out, g)
	}
	return out
}

// invalidateSession is called by the REST layer on a session-scoped 404: the
// server no longer knows our session, so forget it and cycle the socket.
func (n *Node) invalidateSession() {
	n.mu.Lock()
	n.sessionID = ""
	conn := n.conn
	n.mu.Unlock()

	n.log.Warn("node session invalidated by 404, cycling websocket")
	if conn != nil {
		// The read loop observes the close and schedules the reconnect.
		_ = conn.Close(websocket.StatusNormalClosure, "session invalidated")
	}
}

// dial opens the WebSocket and starts the read loop. It is a no-op while the
// bot user ID is unknown, and after destroy or permanent failure.
func (n *Node) dial() {
	userID := n.mgr.UserID()
	if userID == "" {
		n.log.Debug("skipping dial: bot user ID not set")
		return
	}

	n.mu.Lock()
	if n.reconnectOff || n.state == NodeDialing || n.state == NodeAwaitingReady || n.state == NodeReady {
		n.mu.Unlock()
		return
	}
	n.state = NodeDialing
	n.userClosed = false
	sessionID := n.sessionID
	n.mu.Unlock()

	headers := http.Header{}
	headers.Set("Authorization", n.opts.Password)
	headers.Set("User-Id", userID)
	headers.Set("Client-Name", n.mgr.clientName)
	// Prefer resuming the exact session; fall back to announcing resume
	// willingness via the configured key.
	if sessionID != "" {
		headers.Set("Session-Id", sessionID)
	} else if n.opts.ResumeKey != "" {
		headers.Set("Resume-Key", n.opts.ResumeKey)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, n.opts.wsURL(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	cancel()
	if err != nil {
		n.log.Warn("node dial failed", "error", err)
		n.mu.Lock()
		n.state = NodeClosed
		userClosed := n.userClosed
		n.mu.Unlock()
		if !userClosed {
			n.scheduleReconnect()
		}
		return
	}
	// Stats frames can exceed the library's 32KiB default on busy nodes.
	conn.SetReadLimit(1 << 20)

	readCtx, readCancel := context.WithCancel(context.Background())
	n.mu.Lock()
	// Destroy or Disconnect may have raced the in-flight dial; the fresh
	// connection must not resurrect the session.
	if n.reconnectOff || n.userClosed {
		n.mu.Unlock()
		readCancel()
		conn.Close(websocket.StatusNormalClosure, "node closed")
		return
	}
	n.conn = conn
	n.state = NodeAwaitingReady
	n.readCancel = readCancel
	n.mu.Unlock()

	n.log.Info("node websocket open, awaiting ready")
	n.mgr.emit().nodeConnect(n)
	go n.readLoop(readCtx, conn)
}

// readLoop consumes frames until the socket dies. It is the only goroutine
// that dispatches server events, which preserves server ordering end to end.
func (n *Node) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			n.handleClose(conn, err)
			return
		}
		n.handleMessage(data)
	}
}

// handleMessage decodes one inbound frame and routes it by opcode.
func (n *Node) handleMessage(data []byte) {
	var base basePayload
	if err := json.Unmarshal(data, &base); err != nil {
		n.log.Warn("discarding malformed frame", "error", err)
		n.mgr.emit().debug(fmt.Sprintf("node %s: malformed frame: %v", n.opts.Identifier, err))
		return
	}

	switch base.Op {
	case opReady:
		var ready ReadyPayload
		if err := json.Unmarshal(data, &ready); err != nil {
			n.log.Warn("discarding malformed ready frame", "error", err)
			return
		}
		n.handleReady(ready)

	case opStats:
		var stats Stats
		if err := json.Unmarshal(data, &stats); err != nil {
			n.log.Warn("discarding malformed stats frame", "error", err)
			return
		}
		n.mu.Lock()
		n.stats = &stats
		n.statsAt = time.Now()
		n.mu.Unlock()
		n.mgr.metrics.recordPenalty(n.opts.Identifier, n.Penalties())
		n.mgr.emit().nodeStats(n, stats)

	case opPlayerUpdate:
		var update playerUpdatePayload
		if err := json.Unmarshal(data, &update); err != nil {
			n.log.Warn("discarding malformed playerUpdate frame", "error", err)
			return
		}
		if p, ok := n.mgr.Player(update.GuildID); ok {
			p.handlePlayerUpdate(update.State)
		}

	case opEvent:
		n.handleEvent(base, data)

	default:
		n.log.Debug("ignoring unknown opcode", "op", base.Op)
		n.mgr.emit().debug(fmt.Sprintf("node %s: unknown op %q", n.opts.Identifier, base.Op))
	}
}

func (n *Node) handleReady(ready ReadyPayload) {
	n.mu.Lock()
	n.sessionID = ready.SessionID
	n.reconnectAttempt = 0
	n.state = NodeReady
	n.mu.Unlock()

	n.log.Info("node ready", "sessionId", ready.SessionID, "resumed", ready.Resumed)
	n.mgr.emit().nodeReady(n, ready.Resumed)

	if !ready.Resumed && n.opts.ResumeKey != "" {
		// Fresh session: (re-)install the resume policy. Done off the read
		// loop so a slow REST call cannot stall frame dispatch.
		go func() {
			timeout := int(n.opts.ResumeTimeout / time.Second)
			if timeout <= 0 {
				timeout = 60
			}
			resuming := true
			ctx, cancel := context.WithTimeout(context.Background(), restAttemptTimeout)
			defer cancel()
			if _, err := n.rest.updateSession(ctx, ready.SessionID, SessionUpdateRequest{
				Resuming: &resuming,
				Timeout:  &timeout,
			}); err != nil {
				n.log.Warn("failed to configure session resuming", "error", err)
				n.mgr.emit().nodeError(n, fmt.Errorf("lavalink: configure resuming: %w", err))
			}
		}()
	}
}

// handleEvent routes an "event" frame to the named player.
func (n *Node) handleEvent(base basePayload, data []byte) {
	p, ok := n.mgr.Player(base.GuildID)
	if !ok {
		n.log.Debug("dropping event for unknown guild", "guild", base.GuildID, "type", base.Type)
		return
	}

	switch base.Type {
	case eventTrackStart:
		var ev TrackStartEvent
		if json.Unmarshal(data, &ev) == nil {
			n.mgr.metrics.recordTrackStart(n.opts.Identifier)
			p.handleTrackStart(ev)
		}
	case eventTrackEnd:
		var ev TrackEndEvent
		if json.Unmarshal(data, &ev) == nil {
			p.handleTrackEnd(ev)
		}
	case eventTrackException:
		var ev TrackExceptionEvent
		if json.Unmarshal(data, &ev) == nil {
			p.handleTrackException(ev)
		}
	case eventTrackStuck:
		var ev TrackStuckEvent
		if json.Unmarshal(data, &ev) == nil {
			p.handleTrackStuck(ev)
		}
	case eventWebSocketClosed:
		var ev WebSocketClosedEvent
		if json.Unmarshal(data, &ev) == nil {
			p.handleWebSocketClosed(ev)
		}
	default:
		n.log.Debug("ignoring unknown event type", "type", base.Type)
		n.mgr.emit().debug(fmt.Sprintf("node %s: unknown event type %q", n.opts.Identifier, base.Type))
	}
}

// handleClose runs when the read loop exits. It classifies the close and
// either schedules a reconnect or marks the node permanently failed.
func (n *Node) handleClose(conn *websocket.Conn, err error) {
	code := -1
	reason := err.Error()
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		code = int(ce.Code)
		reason = ce.Reason
	}

	n.mu.Lock()
	if n.conn != conn {
		// A newer connection superseded this one; nothing to do.
		n.mu.Unlock()
		return
	}
	n.conn = nil
	if n.state != NodeDestroyed {
		n.state = NodeClosed
	}
	// The session survives a drop only when resuming is configured.
	if n.opts.ResumeKey == "" {
		n.sessionID = ""
	}
	userClosed := n.userClosed
	n.mu.Unlock()

	n.log.Info("node websocket closed", "code", code, "reason", reason, "byUser", userClosed)
	n.mgr.emit().nodeDisconnect(n, code, reason)

	if userClosed {
		return
	}

	if permanentCloseCodes[code] {
		closeErr := &CloseError{Code: code, Reason: reason}
		n.log.Error("node closed with permanent code, disabling reconnect", "code", code)
		n.mu.Lock()
		n.reconnectOff = true
		n.mu.Unlock()
		n.mgr.emit().nodeError(n, closeErr)
		go n.mgr.handleNodeDisconnection(n, true)
		return
	}

	go n.mgr.handleNodeDisconnection(n, false)
	n.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next dial.
func (n *Node) scheduleReconnect() {
	n.mu.Lock()
	if n.reconnectOff || n.state == NodeDestroyed {
		n.mu.Unlock()
		return
	}
	attempt := n.reconnectAttempt
	if attempt >= n.opts.Reconnect.MaxTries {
		n.reconnectOff = true
		n.mu.Unlock()
		err := fmt.Errorf("lavalink: node %s: gave up after %d reconnect attempts", n.opts.Identifier, attempt)
		n.log.Error("reconnect budget exhausted", "attempts", attempt)
		n.mgr.emit().nodeError(n, err)
		go n.mgr.handleNodeDisconnection(n, true)
		return
	}
	n.reconnectAttempt++
	delay := backoffDelay(n.opts.Reconnect, attempt)
	n.state = NodeReconnectPending
	n.reconnectTimer = time.AfterFunc(delay, n.reconnect)
	n.mu.Unlock()

	n.log.Info("node reconnect scheduled", "attempt", attempt+1, "delay", delay)
}

func (n *Node) reconnect() {
	n.mu.Lock()
	if n.reconnectOff || n.state != NodeReconnectPending {
		n.mu.Unlock()
		return
	}
	n.state = NodeClosed
	n.mu.Unlock()

	n.mgr.metrics.recordReconnect(n.opts.Identifier)
	n.dial()
}

// backoffDelay computes min(initial * 2^attempt, max).
func backoffDelay(p ReconnectPolicy, attempt int) time.Duration {
	d := p.InitialDelay
	for range attempt {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Disconnect closes the session on purpose: the reconnect timer is cleared,
// the socket is closed gracefully (or torn down if still dialing), and the
// session ID is purged unless a resume key is configured.
func (n *Node) Disconnect() {
	n.mu.Lock()
	if n.reconnectTimer != nil {
		n.reconnectTimer.Stop()
		n.reconnectTimer = nil
	}
	n.userClosed = true
	conn := n.conn
	state := n.state
	if n.state != NodeDestroyed {
		n.state = NodeClosed
	}
	if n.opts.ResumeKey == "" {
		n.sessionID = ""
	}
	if n.readCancel != nil && conn == nil {
		n.readCancel()
	}
	n.mu.Unlock()

	if conn == nil {
		return
	}
	if state == NodeDialing || state == NodeAwaitingReady {
		_ = conn.CloseNow()
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// Destroy disconnects and disables reconnection for the rest of this node's
// life. The player set is cleared; players themselves are owned by the
// manager.
func (n *Node) Destroy() {
	n.mu.Lock()
	if n.state == NodeDestroyed {
		n.mu.Unlock()
		return
	}
	n.reconnectOff = true
	n.mu.Unlock()

	n.Disconnect()

	n.mu.Lock()
	n.state = NodeDestroyed
	n.players = make(map[string]struct{})
	n.mu.Unlock()
	n.log.Info("node destroyed")
}

// ---- REST surface ----

// Version returns the server's bare version string (GET /version).
func (n *Node) Version(ctx context.Context) (string, error) {
	return n.rest.version(ctx)
}

// Info returns the server's build information (GET /v4/info).
func (n *Node) Info(ctx context.Context) (NodeInfo, error) {
	return n.rest.info(ctx)
}

// FetchStats polls the server's stats over REST (GET /v4/stats). The pushed
// WebSocket snapshot in [Node.Stats] is usually fresher.
func (n *Node) FetchStats(ctx context.Context) (Stats, error) {
	return n.rest.stats(ctx)
}

// LoadTracks resolves an identifier (URL or search prefix) into tracks.
func (n *Node) LoadTracks(ctx context.Context, identifier string) (LoadResult, error) {
	return n.rest.loadTracks(ctx, identifier)
}

// DecodeTrack decodes one encoded track blob into its metadata.
func (n *Node) DecodeTrack(ctx context.Context, encoded string) (Track, error) {
	return n.rest.decodeTrack(ctx, encoded)
}

// DecodeTracks decodes a batch of encoded track blobs.
func (n *Node) DecodeTracks(ctx context.Context, encoded ...string) ([]Track, error) {
	return n.rest.decodeTracks(ctx, encoded)
}

// updatePlayer PATCHes the guild's player on this node.
func (n *Node) updatePlayer(ctx context.Context, guildID string, req PlayerUpdateRequest, noReplace bool) error {
	return n.rest.updatePlayer(ctx, n.SessionID(), guildID, req, noReplace)
}

// destroyPlayer DELETEs the guild's player on this node.
func (n *Node) destroyPlayer(ctx context.Context, guildID string) error {
	return n.rest.destroyPlayer(ctx, n.SessionID(), guildID)
}
