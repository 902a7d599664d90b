package ops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/clawcontrol/clawcontrol/internal/paths"
)

// TeamGovernance is the per-team routing policy: which ops agent owns
// the team's work orders and where findings are relayed.
type TeamGovernance struct {
	// OpsAgentTemplate names the team's ops agent. A literal {teamId}
	// inside the template is substituted.
	OpsAgentTemplate string `json:"opsAgentTemplate"`
	RelayKey         string `json:"relayKey"`
}

// OpsAgentFor expands the template for one team. Empty template means
// the team declares no ops agent.
func (g *TeamGovernance) OpsAgentFor(teamID string) string {
	if g == nil || g.OpsAgentTemplate == "" {
		return ""
	}
	return strings.ReplaceAll(g.OpsAgentTemplate, "{teamId}", teamID)
}

// GovernanceResolver looks up the policy for a team. Nil with nil
// error means the team has no governance file.
type GovernanceResolver interface {
	Resolve(teamID string) (*TeamGovernance, error)
}

type noGovernance struct{}

func (noGovernance) Resolve(string) (*TeamGovernance, error) { return nil, nil }

// FileGovernance reads teams/<teamId>.json under the runtime home.
type FileGovernance struct{}

func (FileGovernance) Resolve(teamID string) (*TeamGovernance, error) {
	home, err := paths.RuntimeHome()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(home, "teams", teamID+".json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var gov TeamGovernance
	if err := json.Unmarshal(data, &gov); err != nil {
		return nil, err
	}
	return &gov, nil
}
