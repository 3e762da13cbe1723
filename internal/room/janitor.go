package room

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run removes expired temporary rooms every sweep interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.opts.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx, m.now()); n > 0 {
				m.logger.Debug("expired rooms removed", zap.Int("count", n))
			}
		}
	}
}

// Sweep deletes temporary rooms whose expiry has passed and returns how many
// were removed.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	m.mu.RLock()
	candidates := make([]*room, 0)
	for _, r := range m.rooms {
		if r.typ.behavior().expires {
			candidates = append(candidates, r)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, r := range candidates {
		r.mu.Lock()
		if r.deleted || r.expiresAt.IsZero() || now.Before(r.expiresAt) {
			r.mu.Unlock()
			continue
		}
		members := r.memberIDs()
		for _, id := range members {
			m.removeMemberLocked(r, id)
		}
		m.markDeletedLocked(r)
		tenantID := r.tenantID
		r.mu.Unlock()

		m.unlink(ctx, r)
		m.notify(ctx, tenantID, r.id, EventDeleted, members)
		n++
	}
	return n
}
