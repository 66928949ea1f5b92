// internal/lobby/reconcile.go
package lobby

import (
	"context"
	"errors"

	"github.com/jason-s-yu/lobbyd/internal/backend"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type pollTarget struct {
	serverID string
	remoteID string
}

type pollOutcome struct {
	target pollTarget
	result backend.PollResult
	err    error
}

// ReconcileServers runs one reconciliation pass now. The poll timer calls it
// every ServerPollInterval. A pass started while another is still running is
// skipped.
func (m *Manager) ReconcileServers(ctx context.Context) error {
	if !m.polling.CompareAndSwap(false, true) {
		m.log.Debug("server poll already running, skipping")
		return nil
	}
	defer m.polling.Store(false)

	var targets []pollTarget
	err := m.read(ctx, func() error {
		for id, srv := range m.state.Servers {
			// No remote id yet means the create call is still in flight.
			if srv.DestroyedAt == nil && srv.RemoteID != "" {
				targets = append(targets, pollTarget{serverID: id, remoteID: srv.RemoteID})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	outcomes := m.pollAll(ctx, targets)

	return m.mutate(ctx, func() error {
		m.mergePollsLocked(outcomes)
		return nil
	})
}

// pollAll polls every target with bounded concurrency. Individual failures
// are recorded in the outcome, never returned.
func (m *Manager) pollAll(ctx context.Context, targets []pollTarget) []pollOutcome {
	outcomes := make([]pollOutcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ServerPollConcurrency)
	for i, t := range targets {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, m.cfg.BackendCallTimeout)
			defer cancel()
			res, err := m.backend.PollServer(callCtx, t.remoteID)
			outcomes[i] = pollOutcome{target: t, result: res, err: err}
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (m *Manager) mergePollsLocked(outcomes []pollOutcome) {
	now := m.clock.Now()
	var resolved, terminated, failed int

	for _, o := range outcomes {
		srv, ok := m.state.Servers[o.target.serverID]
		if !ok || srv.DestroyedAt != nil {
			continue
		}
		entry := m.log.WithFields(logrus.Fields{
			"server_id": srv.ID,
			"remote_id": o.target.remoteID,
		})
		if o.err != nil {
			failed++
			entry = entry.WithError(o.err)
			if errors.Is(o.err, backend.ErrBackendUnavailable) || errors.Is(o.err, context.DeadlineExceeded) {
				entry.Warn("server poll failed, retrying next tick")
			} else {
				entry.Error("server poll failed, retrying next tick")
			}
			continue
		}

		srv.PolledAt = stampPtr(now)
		switch o.result.Status {
		case backend.StatusPending:
			// Partial descriptors are kept until the server resolves; a resolved
			// descriptor is never replaced by a partial or missing one.
			if o.result.Live != nil && !srv.Resolved() {
				srv.Live = o.result.Live.Clone()
			}
		case backend.StatusResolved:
			wasResolved := srv.Resolved()
			live := o.result.Live.Clone()
			if live == nil {
				live = &backend.Live{RemoteID: o.target.remoteID}
			}
			srv.Live = live
			if srv.CreateCompleteAt == nil {
				srv.CreateCompleteAt = stampPtr(now)
			}
			if !wasResolved {
				srv.ResolvedAt = stampPtr(now)
				resolved++
				entry.Info("server resolved")
			}
		case backend.StatusTerminated:
			terminated++
			srv.DestroyedAt = stampPtr(now)
			entry.Info("server terminated by backend")
			if lobbyID := m.lobbyForServerLocked(srv.ID); lobbyID != "" {
				m.destroyLocked(lobbyID, ReasonServerDestroyed)
			}
		default:
			panic("unreachable: unknown poll status " + o.result.Status.String())
		}
	}

	m.expireProvisioningLocked()

	m.state.LastServerPollAt = stamp(now)
	m.log.WithFields(logrus.Fields{
		"polled":     len(outcomes),
		"resolved":   resolved,
		"terminated": terminated,
		"failed":     failed,
	}).Debug("server poll complete")
}

// expireProvisioningLocked tears down lobbies whose server has not resolved
// within ProvisioningTimeout of being requested.
func (m *Manager) expireProvisioningLocked() {
	now := m.clock.Now()
	for id, srv := range m.state.Servers {
		if srv.DestroyedAt != nil || srv.Resolved() {
			continue
		}
		if !expired(now, srv.CreatedAt, m.cfg.ProvisioningTimeout) {
			continue
		}
		m.log.WithError(ErrProvisioningTimeout).WithField("server_id", id).Warn("server did not resolve in time")
		if lobbyID := m.lobbyForServerLocked(id); lobbyID != "" {
			m.destroyLocked(lobbyID, ReasonProvisioningTimeout)
			continue
		}
		srv.DestroyedAt = stampPtr(now)
		if srv.RemoteID != "" {
			m.destroyRemote(srv.ID, srv.RemoteID)
		}
	}
}

// resumeServerCreates reissues CreateServer for servers whose create was still
// in flight when the snapshot was taken. Servers no lobby references any more
// are retired instead. Runs before the loop starts.
func (m *Manager) resumeServerCreates() {
	retired := false
	for _, srv := range m.state.Servers {
		if srv.DestroyedAt != nil || srv.RemoteID != "" {
			continue
		}
		lobbyID := m.lobbyForServerLocked(srv.ID)
		if lobbyID == "" {
			srv.DestroyedAt = stampPtr(m.clock.Now())
			retired = true
			continue
		}
		l := m.state.Lobbies[lobbyID]
		m.log.WithFields(logrus.Fields{
			"lobby_id":  lobbyID,
			"server_id": srv.ID,
		}).Info("resuming server create after restart")
		m.startServerCreate(backend.CreateServerRequest{
			ServerID: srv.ID,
			LobbyID:  lobbyID,
			Region:   l.Region,
			Version:  l.Version,
			Tags:     l.Tags.Clone(),
			Ports:    cloneMap(srv.Ports),
		})
	}
	if retired {
		m.persistLocked()
	}
}

func (m *Manager) lobbyForServerLocked(serverID string) string {
	for id, l := range m.state.Lobbies {
		if l.Backend.Server != nil && l.Backend.Server.ServerID == serverID {
			return id
		}
	}
	return ""
}
