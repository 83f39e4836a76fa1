package lavalink

// EventHandler receives library events. Every field is optional; nil fields
// are skipped. Handlers run synchronously on the goroutine that produced the
// event (a node's read loop or the caller's command), so they must return
// quickly and must not synchronously call back into the Player or Node that
// emitted the event.
type EventHandler struct {
	// NodeConnect fires when a node's WebSocket opens (before READY).
	NodeConnect func(node *Node)

	// NodeReady fires once the server acknowledged the session. Resumed
	// reports whether a previous session was picked back up.
	NodeReady func(node *Node, resumed bool)

	// NodeDisconnect fires when a node's WebSocket closes.
	NodeDisconnect func(node *Node, code int, reason string)

	// NodeError fires for node-level failures: permanent close codes,
	// exhausted reconnects, resume-policy errors.
	NodeError func(node *Node, err error)

	// NodeStats fires on every stats frame.
	NodeStats func(node *Node, stats Stats)

	// PlayerCreate fires when the manager constructs a new player.
	PlayerCreate func(player *Player)

	// PlayerDestroy fires when a player is torn down.
	PlayerDestroy func(player *Player)

	// PlayerMove fires after a successful node transfer.
	PlayerMove func(player *Player, from, to *Node)

	// PlayerStateUpdate fires on every playerUpdate frame for the player.
	PlayerStateUpdate func(player *Player, state PlayerUpdateState)

	// PlayerWebsocketClosed fires when the node reports its Discord voice
	// connection for the guild closed.
	PlayerWebsocketClosed func(player *Player, event WebSocketClosedEvent)

	// TrackStart fires when the server began playing a track.
	TrackStart func(player *Player, track Track)

	// TrackEnd fires when a track stopped playing, before queue progression.
	TrackEnd func(player *Player, track Track, event TrackEndEvent)

	// TrackException fires when a track threw an exception.
	TrackException func(player *Player, track Track, err TrackException)

	// TrackStuck fires when a track produced no audio for too long.
	TrackStuck func(player *Player, track Track, thresholdMs int64)

	// QueueEnd fires when progression found nothing left to play.
	QueueEnd func(player *Player)

	// Debug fires for diagnostic messages (unknown opcodes, swallowed errors).
	Debug func(msg string)
}

// emitter fans events out to registered handlers. All emit methods are
// nil-safe and may be called with the owning structure's locks held by the
// producer; handlers therefore must not re-enter the producer.
type emitter struct {
	handlers []*EventHandler
}

func (e *emitter) nodeConnect(n *Node) {
	for _, h := range e.handlers {
		if h.NodeConnect != nil {
			h.NodeConnect(n)
		}
	}
}

func (e *emitter) nodeReady(n *Node, resumed bool) {
	for _, h := range e.handlers {
		if h.NodeReady != nil {
			h.NodeReady(n, resumed)
		}
	}
}

func (e *emitter) nodeDisconnect(n *Node, code int, reason string) {
	for _, h := range e.handlers {
		if h.NodeDisconnect != nil {
			h.NodeDisconnect(n, code, reason)
		}
	}
}

func (e *emitter) nodeError(n *Node, err error) {
	for _, h := range e.handlers {
		if h.NodeError != nil {
			h.NodeError(n, err)
		}
	}
}

func (e *emitter) nodeStats(n *Node, stats Stats) {
	for _, h := range e.handlers {
		if h.NodeStats != nil {
			h.NodeStats(n, stats)
		}
	}
}

func (e *emitter) playerCreate(p *Player) {
	for _, h := range e.handlers {
		if h.PlayerCreate != nil {
			h.PlayerCreate(p)
		}
	}
}

func (e *emitter) playerDestroy(p *Player) {
	for _, h := range e.handlers {
		if h.PlayerDestroy != nil {
			h.PlayerDestroy(p)
		}
	}
}

func (e *emitter) playerMove(p *Player, from, to *Node) {
	for _, h := range e.handlers {
		if h.PlayerMove != nil {
			h.PlayerMove(p, from, to)
		}
	}
}

func (e *emitter) playerStateUpdate(p *Player, state PlayerUpdateState) {
	for _, h := range e.handlers {
		if h.PlayerStateUpdate != nil {
			h.PlayerStateUpdate(p, state)
		}
	}
}

func (e *emitter) playerWebsocketClosed(p *Player, ev WebSocketClosedEvent) {
	for _, h := range e.handlers {
		if h.PlayerWebsocketClosed != nil {
			h.PlayerWebsocketClosed(p, ev)
		}
	}
}

func (e *emitter) trackStart(p *Player, t Track) {
	for _, h := range e.handlers {
		if h.TrackStart != nil {
			h.TrackStart(p, t)
		}
	}
}

func (e *emitter) trackEnd(p *Player, t Track, ev TrackEndEvent) {
	for _, h := range e.handlers {
		if h.TrackEnd != nil {
			h.TrackEnd(p, t, ev)
		}
	}
}

func (e *emitter) trackException(p *Player, t Track, exc TrackException) {
	for _, h := range e.handlers {
		if h.TrackException != nil {
			h.TrackException(p, t, exc)
		}
	}
}

func (e *emitter) trackStuck(p *Player, t Track, thresholdMs int64) {
	for _, h := range e.handlers {
		if h.TrackStuck != nil {
			h.TrackStuck(p, t, thresholdMs)
		}
	}
}

func (e *emitter) queueEnd(p *Player) {
	for _, h := range e.handlers {
		if h.QueueEnd != nil {
			h.QueueEnd(p)
		}
	}
}

func (e *emitter) debug(msg string) {
	for _, h := range e.handlers {
		if h.Debug != nil {
			h.Debug(msg)
		}
	}
}
