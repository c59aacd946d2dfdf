package api

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// event is one server-sent event on the session stream.
type event struct {
	kind string
	data string
}

// pushTimeout bounds lifecycle and log pushes into the session's event
// queue so a wedged consumer cannot stall the control path.
const pushTimeout = time.Second

// sseChannel is a controller session backed by a server-sent-events
// response. The HTTP handler drains events and writes them to the wire;
// everything else talks to the channel through the control.Channel and
// hook interfaces.
type sseChannel struct {
	peer   string
	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func newSSEChannel(parent context.Context, peer string) *sseChannel {
	ctx, cancel := context.WithCancel(parent)
	return &sseChannel{
		peer:   peer,
		events: make(chan event, 32),
		ctx:    ctx,
		cancel: cancel,
		logger: slog.With("component", "api", "peer", peer),
	}
}

func (c *sseChannel) Peer() string { return c.peer }

func (c *sseChannel) Close() error {
	c.cancel()
	return nil
}

// Done is closed once the channel is torn down (client gone, write
// failure, or superseded by the session guard).
func (c *sseChannel) Done() <-chan struct{} { return c.ctx.Done() }

// Ping probes the channel: it succeeds when the writer loop is still
// consuming events. The request context of a disconnected client is
// already cancelled, so dead sessions fail fast.
func (c *sseChannel) Ping(ctx context.Context) error {
	return c.send(ctx, event{kind: "ping"})
}

// OnStart implements the optional start-hook capability: the controller
// is told its engine came up.
func (c *sseChannel) OnStart() error {
	return c.push(event{kind: "started"})
}

// OnStop is the stop-side counterpart.
func (c *sseChannel) OnStop() error {
	return c.push(event{kind: "stopped"})
}

// PushLogs delivers one batched log chunk.
func (c *sseChannel) PushLogs(chunk string) error {
	return c.push(event{kind: "logs", data: chunk})
}

func (c *sseChannel) push(ev event) error {
	ctx, cancel := context.WithTimeout(c.ctx, pushTimeout)
	defer cancel()
	return c.send(ctx, ev)
}

func (c *sseChannel) send(ctx context.Context, ev event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.ctx.Done():
		return errors.New("session channel closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}
