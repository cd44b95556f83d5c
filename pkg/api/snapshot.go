package api

import (
	"github.com/xtmp-net/xtmp-node/pkg/session"
)

// SnapshotSessions converts the session table into status rows
func SnapshotSessions(m *session.Manager) []SessionStatus {
	live := m.Snapshot()

	out := make([]SessionStatus, 0, len(live))
	for _, s := range live {
		delivered, dropped := s.Quality()
		out = append(out, SessionStatus{
			SessionID:    s.ID,
			PeerAddress:  s.PeerAddress,
			PeerClientID: s.PeerClientID,
			State:        s.State().String(),
			Established:  s.EstablishedAt(),
			LastActivity: s.LastActivity(),
			ExpiresAt:    s.ExpiresAt(),
			Delivered:    delivered,
			Dropped:      dropped,
		})
	}
	return out
}
