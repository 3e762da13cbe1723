package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type commandKind int

const (
	cmdMarkIdle commandKind = iota
	cmdExpire
)

// command is sent by the sweeper and applied by the registry loop
type command struct {
	kind commandKind
	id   string
	seen time.Time // last heartbeat observed by the sweeper
}

// Run starts the heartbeat sweeper and applies its commands until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.opts.HeartbeatInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	go r.sweepLoop(ctx, interval)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.commands:
			r.apply(ctx, cmd)
		}
	}
}

func (r *Registry) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cmd := range r.sweep(r.now()) {
				select {
				case r.commands <- cmd:
				case <-ctx.Done():
					return
				}
			}
			r.publishStates()
		}
	}
}

// sweep inspects connections and decides which ones go idle or expire.
func (r *Registry) sweep(now time.Time) []command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var cmds []command
	hb := r.opts.HeartbeatInterval
	for id, c := range r.conns {
		if !c.state.Live() {
			continue
		}
		silent := now.Sub(c.lastHeartbeat)
		switch {
		case silent > 2*hb:
			cmds = append(cmds, command{kind: cmdExpire, id: id, seen: c.lastHeartbeat})
		case silent > hb && c.state == StateConnected:
			cmds = append(cmds, command{kind: cmdMarkIdle, id: id, seen: c.lastHeartbeat})
		}
	}
	return cmds
}

// apply re-checks the heartbeat so a connection that pinged after the sweep
// decided is left alone.
func (r *Registry) apply(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdMarkIdle:
		r.mu.Lock()
		if c, ok := r.conns[cmd.id]; ok && c.state == StateConnected && c.lastHeartbeat.Equal(cmd.seen) {
			_ = r.transition(c, StateIdle)
		}
		r.mu.Unlock()
	case cmdExpire:
		r.mu.RLock()
		c, ok := r.conns[cmd.id]
		stale := ok && c.state.Live() && c.lastHeartbeat.Equal(cmd.seen)
		r.mu.RUnlock()
		if stale {
			r.logger.Info("connection heartbeat timed out", zap.String("connection_id", cmd.id))
			_ = r.Disconnect(ctx, cmd.id, ReasonHeartbeatTimeout)
		}
	}
}

func (r *Registry) publishStates() {
	counts := r.CountByState()
	out := make(map[string]int, len(stateNames))
	for _, name := range stateNames {
		out[name] = 0
	}
	for s, n := range counts {
		out[s.String()] = n
	}
	r.metrics.SetConnectionStates(out)
}
