package telemetry

import (
	"github.com/clawcontrol/clawcontrol/internal/store"
)

// AgentLiveness is the overlay answer for one agent: the state of its
// highest-priority live session.
type AgentLiveness struct {
	State        string `json:"state"`
	SessionID    string `json:"sessionId"`
	LastSeenAtMs int64  `json:"lastSeenAtMs"`
}

// statePriority orders overlay states: error beats active beats idle.
func statePriority(state string) int {
	switch state {
	case "error":
		return 2
	case "active":
		return 1
	default:
		return 0
	}
}

// Overlay reduces session snapshots to one liveness per agent. It is a
// pure in-memory view over whatever rows the caller passes; nothing is
// persisted.
func Overlay(sessions []store.AgentSession) map[string]AgentLiveness {
	out := make(map[string]AgentLiveness)
	for _, s := range sessions {
		if s.AgentID == "" {
			continue
		}
		cur, ok := out[s.AgentID]
		if !ok || beats(s, cur) {
			out[s.AgentID] = AgentLiveness{
				State:        s.State,
				SessionID:    s.SessionID,
				LastSeenAtMs: s.LastSeenAtMs,
			}
		}
	}
	return out
}

func beats(s store.AgentSession, cur AgentLiveness) bool {
	if statePriority(s.State) != statePriority(cur.State) {
		return statePriority(s.State) > statePriority(cur.State)
	}
	return s.LastSeenAtMs > cur.LastSeenAtMs
}

// OverlayFromStore loads recent sessions and computes the overlay.
func (s *Syncer) OverlayFromStore(limit int) (map[string]AgentLiveness, error) {
	sessions, err := s.st.ListAgentSessions("", limit)
	if err != nil {
		return nil, err
	}
	return Overlay(sessions), nil
}
