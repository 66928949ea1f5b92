// internal/lobby/gc.go
package lobby

import (
	"context"

	"github.com/sirupsen/logrus"
)

// CollectGarbage runs one GC sweep now. The GC timer calls it every
// GCInterval.
func (m *Manager) CollectGarbage(ctx context.Context) error {
	return m.mutate(ctx, func() error {
		now := m.clock.Now()
		var destroyed, removed int

		for id, l := range m.state.Lobbies {
			if l.ReadyAt == nil && expired(now, l.CreatedAt, m.cfg.UnreadyExpireAfter) {
				m.destroyLocked(id, ReasonUnreadyExpired)
				destroyed++
				continue
			}
			if m.cfg.EmptyExpireAfter > 0 && l.EmptyAt != nil && expired(now, *l.EmptyAt, m.cfg.EmptyExpireAfter) {
				m.destroyLocked(id, ReasonEmptyExpired)
				destroyed++
				continue
			}
			for pid, p := range l.Players {
				if p.ConnectedAt == nil && expired(now, p.CreatedAt, m.cfg.UnconnectedExpireAfter) {
					m.removePlayerLocked(l, pid)
					removed++
				}
			}
		}

		m.state.LastGcAt = stamp(now)
		m.log.WithFields(logrus.Fields{
			"lobbies_destroyed": destroyed,
			"players_removed":   removed,
			"lobbies":           len(m.state.Lobbies),
		}).Debug("gc sweep complete")
		return nil
	})
}
