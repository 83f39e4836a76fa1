// Package lavalink is a client for fleets of Lavalink v4 audio nodes. The
// [Manager] owns the node and player maps, routes Discord voice events to the
// right player, selects nodes by penalty score, and migrates players away
// from failed nodes. Each [Node] keeps an authenticated WebSocket + REST
// session to one server; each [Player] drives the per-guild voice handshake
// and playback state machine.
//
// The embedding bot supplies a gateway send callback for the voice-connect
// opcode and forwards raw VOICE_STATE_UPDATE / VOICE_SERVER_UPDATE events
// into [Manager.HandleVoiceStateUpdate] and [Manager.HandleVoiceServerUpdate].
// The discordvoice subpackage wires both for bwmarrin/discordgo.
package lavalink

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// defaultClientName is sent as the Client-Name handshake header.
const defaultClientName = "lavafleet/1.0"

var (
	urlPattern          = regexp.MustCompile(`^(?:https?|ftp)://`)
	searchPrefixPattern = regexp.MustCompile(`^(ytsearch|ytmsearch|scsearch|amsearch|dzsearch|spsearch):`)
)

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the logger; defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClientName overrides the Client-Name handshake header.
func WithClientName(name string) Option {
	return func(m *Manager) { m.clientName = name }
}

// WithPlayerDefaults sets the default options for players created without
// explicit options.
func WithPlayerDefaults(opts PlayerOptions) Option {
	return func(m *Manager) { m.playerDefaults = opts }
}

// WithMeterProvider sets the OpenTelemetry meter provider used for the
// library's instruments; defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) { m.meterProvider = mp }
}

// Manager is the root of the library. It owns the fleet of nodes and the
// per-guild players, breaking the circular Node↔Player ownership: nodes only
// carry guild IDs for routing. Safe for concurrent use.
type Manager struct {
	logger         *slog.Logger
	clientName     string
	playerDefaults PlayerOptions
	meterProvider  metric.MeterProvider
	metrics        *metrics
	send           SendGatewayFunc

	handlers atomic.Pointer[emitter]

	mu      sync.RWMutex
	nodes   []*Node // insertion order, ties in routing break on it
	byID    map[string]*Node
	players map[string]*Player
	userID  string
}

// New creates a manager. send delivers opcode-4 voice updates to the Discord
// gateway and must not be nil.
func New(send SendGatewayFunc, opts ...Option) (*Manager, error) {
	if send == nil {
		return nil, ErrNoSendFunc
	}
	m := &Manager{
		logger:     slog.Default(),
		clientName: defaultClientName,
		send:       send,
		byID:       make(map[string]*Node),
		players:    make(map[string]*Player),
	}
	for _, o := range opts {
		o(m)
	}
	if m.meterProvider == nil {
		m.meterProvider = otel.GetMeterProvider()
	}
	met, err := newMetrics(m.meterProvider)
	if err != nil {
		return nil, err
	}
	m.metrics = met
	m.handlers.Store(&emitter{})
	return m, nil
}

// AddEventHandler registers a handler for library events.
func (m *Manager) AddEventHandler(h *EventHandler) {
	for {
		old := m.handlers.Load()
		next := &emitter{handlers: append(append([]*EventHandler(nil), old.handlers...), h)}
		if m.handlers.CompareAndSwap(old, next) {
			return
		}
	}
}

// emit returns the current handler set.
func (m *Manager) emit() *emitter { return m.handlers.Load() }

// SetUserID records the bot's user ID and dials every idle node. The ID can
// only be set once; repeating the same value is a no-op.
func (m *Manager) SetUserID(userID string) error {
	m.mu.Lock()
	if m.userID != "" {
		set := m.userID
		m.mu.Unlock()
		if set == userID {
			return nil
		}
		return ErrUserIDSet
	}
	m.userID = userID
	nodes := append([]*Node(nil), m.nodes...)
	m.mu.Unlock()

	m.logger.Info("bot user ID set, dialing nodes", "nodes", len(nodes))
	for _, n := range nodes {
		go n.dial()
	}
	return nil
}

// UserID returns the bot user ID, or "" before [Manager.SetUserID].
func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userID
}

// AddNode validates opts, registers the node, and dials it as soon as the
// bot user ID is known.
func (m *Manager) AddNode(opts NodeOptions) (*Node, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.byID[opts.Identifier]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, opts.Identifier)
	}
	n := newNode(m, opts)
	m.nodes = append(m.nodes, n)
	m.byID[opts.Identifier] = n
	userID := m.userID
	m.mu.Unlock()

	m.logger.Info("node added", "node", opts.Identifier, "host", opts.Host, "port", opts.Port)
	if userID != "" {
		go n.dial()
	}
	return n, nil
}

// RemoveNode gracefully closes the node, migrates its players to the best
// remaining node (destroying them when none is available), and forgets it.
func (m *Manager) RemoveNode(identifier string) error {
	m.mu.Lock()
	n, ok := m.byID[identifier]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("lavalink: unknown node %q", identifier)
	}
	delete(m.byID, identifier)
	for i, other := range m.nodes {
		if other == n {
			m.nodes = append(m.nodes[:i], m.nodes[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Info("removing node", "node", identifier)
	bound := n.boundPlayers()
	n.Destroy()

	target := m.IdealNode()
	for _, guildID := range bound {
		p, ok := m.Player(guildID)
		if !ok {
			continue
		}
		if target == nil {
			p.Destroy()
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), restAttemptTimeout)
		if err := p.MoveToNode(ctx, target); err != nil {
			m.logger.Warn("player migration on node removal failed", "guild", guildID, "error", err)
		}
		cancel()
	}
	return nil
}

// Node returns the node with the given identifier.
func (m *Manager) Node(identifier string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byID[identifier]
	return n, ok
}

// Nodes returns a snapshot of the fleet in insertion order.
func (m *Manager) Nodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Node(nil), m.nodes...)
}

// IdealNode returns the READY node with the lowest penalty score, ties
// broken by insertion order. Nil when every node is unavailable.
func (m *Manager) IdealNode() *Node {
	m.mu.RLock()
	nodes := append([]*Node(nil), m.nodes...)
	m.mu.RUnlock()

	var best *Node
	bestPenalty := math.Inf(1)
	for _, n := range nodes {
		p := n.Penalties()
		if math.IsInf(p, 1) {
			continue
		}
		if best == nil || p < bestPenalty {
			best = n
			bestPenalty = p
		}
	}
	return best
}

// CreatePlayer returns the guild's existing player or creates one on the
// ideal node. opts is optional; the manager defaults apply when nil.
func (m *Manager) CreatePlayer(guildID string, opts *PlayerOptions) (*Player, error) {
	if m.UserID() == "" {
		return nil, ErrNoUserID
	}

	m.mu.Lock()
	if p, ok := m.players[guildID]; ok && p.State() != PlayerDestroyed {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	node := m.IdealNode()
	if node == nil {
		return nil, ErrNoAvailableNodes
	}

	playerOpts := m.playerDefaults
	if opts != nil {
		playerOpts = *opts
	}

	m.mu.Lock()
	// Re-check: another goroutine may have won the race.
	if p, ok := m.players[guildID]; ok && p.State() != PlayerDestroyed {
		m.mu.Unlock()
		return p, nil
	}
	p := newPlayer(m, node, guildID, playerOpts)
	m.players[guildID] = p
	m.mu.Unlock()

	m.metrics.playerDelta(1)
	m.logger.Info("player created", "guild", guildID, "node", node.Identifier())
	m.emit().playerCreate(p)
	return p, nil
}

// Player returns the guild's player, if one exists and is not destroyed.
func (m *Manager) Player(guildID string) (*Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[guildID]
	if !ok || p.State() == PlayerDestroyed {
		return nil, false
	}
	return p, true
}

// Players returns a snapshot of all live players.
func (m *Manager) Players() []*Player {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Player, 0, len(m.players))
	for _, p := range m.players {
		out = append(out, p)
	}
	return out
}

// removePlayer forgets a destroyed player. Called by [Player.Destroy].
func (m *Manager) removePlayer(p *Player) {
	m.mu.Lock()
	if cur, ok := m.players[p.guildID]; ok && cur == p {
		delete(m.players, p.guildID)
	}
	m.mu.Unlock()
	m.metrics.playerDelta(-1)
	m.emit().playerDestroy(p)
}

// LoadTracks resolves a query into tracks. Bare text that is neither a URL
// nor already carries a search prefix is searched on YouTube. With a hint
// player its node serves the request when READY; otherwise the ideal node.
func (m *Manager) LoadTracks(ctx context.Context, query string, hint *Player) (LoadResult, error) {
	var node *Node
	if hint != nil {
		if n := hint.Node(); n != nil && n.Connected() {
			node = n
		}
	}
	if node == nil {
		node = m.IdealNode()
	}
	if node == nil {
		return LoadResult{}, ErrNoAvailableNodes
	}
	return node.LoadTracks(ctx, buildIdentifier(query))
}

// buildIdentifier applies the default ytsearch: prefix to bare queries.
func buildIdentifier(query string) string {
	if urlPattern.MatchString(query) || searchPrefixPattern.MatchString(query) {
		return query
	}
	return "ytsearch:" + query
}

// HandleVoiceStateUpdate routes a raw VOICE_STATE_UPDATE. Updates for other
// users or unknown guilds are ignored; our bot leaving voice entirely
// destroys the guild's player.
func (m *Manager) HandleVoiceStateUpdate(v VoiceStateUpdate) {
	if m.UserID() == "" || v.UserID != m.UserID() {
		return
	}
	p, ok := m.Player(v.GuildID)
	if !ok {
		return
	}
	if v.ChannelID == nil {
		m.logger.Info("bot removed from voice, destroying player", "guild", v.GuildID)
		p.Destroy()
		return
	}
	p.handleVoiceStateUpdate(v)
}

// HandleVoiceServerUpdate routes a raw VOICE_SERVER_UPDATE.
func (m *Manager) HandleVoiceServerUpdate(v VoiceServerUpdate) {
	if m.UserID() == "" {
		return
	}
	p, ok := m.Player(v.GuildID)
	if !ok {
		return
	}
	p.handleVoiceServerUpdate(v)
}

// sendVoiceConnect delivers the opcode-4 payload through the host bot.
// channelID nil leaves voice.
func (m *Manager) sendVoiceConnect(guildID string, channelID *string, opts PlayerOptions) error {
	return m.send(guildID, GatewayVoiceUpdate{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  opts.SelfMute,
		SelfDeaf:  opts.SelfDeaf,
	})
}

// handleNodeDisconnection migrates every player off a node that dropped.
// For transient drops the fleet gets one short grace window to produce a
// READY node (covering a sibling that is mid-reconnect); permanent failures
// look exactly once. Players with no target are destroyed.
func (m *Manager) handleNodeDisconnection(n *Node, permanent bool) {
	bound := n.boundPlayers()
	if len(bound) == 0 {
		return
	}

	target := m.IdealNode()
	if target == nil && !permanent {
		time.Sleep(n.opts.Reconnect.InitialDelay + 500*time.Millisecond)
		target = m.IdealNode()
	}

	m.logger.Info("relocating players from disconnected node",
		"node", n.Identifier(), "players", len(bound), "permanent", permanent,
		"target", nodeName(target))

	for _, guildID := range bound {
		p, ok := m.Player(guildID)
		if !ok {
			continue
		}
		if target == nil {
			p.Destroy()
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), restAttemptTimeout)
		if err := p.MoveToNode(ctx, target); err != nil {
			m.logger.Warn("player migration failed", "guild", guildID, "error", err)
		}
		cancel()
	}
}

// Shutdown destroys every player and node. The manager must not be used
// afterwards.
func (m *Manager) Shutdown() {
	m.logger.Info("shutting down")
	for _, p := range m.Players() {
		p.Destroy()
	}
	for _, n := range m.Nodes() {
		n.Destroy()
	}
}
