package control

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionHeld is returned to a connecting controller when the
// current session is still alive. The transport surfaces it by closing
// the new connection.
var ErrSessionHeld = errors.New("another controller session is active")

// ErrNoSession is returned by operations that require a connected
// controller.
var ErrNoSession = errors.New("no active controller session")

// Channel is the agent's view of a controller connection.
type Channel interface {
	// Peer identifies the remote controller (its address).
	Peer() string
	// Ping probes the channel for liveness within the context deadline.
	Ping(ctx context.Context) error
	// Close tears the connection down.
	Close() error
}

// StartHook is an optional channel capability: controllers that expose
// it are notified after each engine start. Hook errors are logged by
// the caller, never propagated.
type StartHook interface {
	OnStart() error
}

// StopHook is the stop-side counterpart of StartHook. The two are
// independently optional.
type StopHook interface {
	OnStop() error
}

// defaultProbeTimeout bounds the liveness probe against an existing
// session when a new controller connects.
const defaultProbeTimeout = 2 * time.Second

// Guard admits at most one controller session at a time.
type Guard struct {
	probeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	current Channel
}

// NewGuard creates a session guard.
func NewGuard() *Guard {
	return &Guard{
		probeTimeout: defaultProbeTimeout,
		logger:       slog.With("component", "session"),
	}
}

// Admit arbitrates a new controller connection. With no session on
// record the channel is accepted. With one on record, the old channel
// gets a bounded liveness probe: if it answers, the new connection is
// rejected with ErrSessionHeld; if it does not, the old session is
// declared lost and replaced.
func (g *Guard) Admit(ctx context.Context, ch Channel) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil {
		probeCtx, cancel := context.WithTimeout(ctx, g.probeTimeout)
		err := g.current.Ping(probeCtx)
		cancel()

		if err == nil {
			g.logger.Warn("new connection rejected, already connected",
				"peer", g.current.Peer(), "rejected", ch.Peer())
			return ErrSessionHeld
		}

		g.logger.Warn("previous connection lost", "peer", g.current.Peer(), "error", err)
		g.current.Close()
	}

	g.current = ch
	g.logger.Warn("controller connected", "peer", ch.Peer())
	return nil
}

// Leave clears the session record if ch is the recorded channel.
// Notifications from superseded channels are ignored. Returns whether
// ch was the current session.
func (g *Guard) Leave(ch Channel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != ch {
		return false
	}

	g.logger.Warn("controller disconnected", "peer", ch.Peer())
	g.current = nil
	return true
}

// Current returns the admitted channel, or nil.
func (g *Guard) Current() Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}
