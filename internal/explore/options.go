package explore

import (
	"sort"
	"time"

	"github.com/clawcontrol/clawcontrol/internal/usage"
)

// Options lists the distinct filterable values present in the
// filtered result set, so pickers only offer choices that do
// something.
type Options struct {
	Agents         []string `json:"agents"`
	Models         []string `json:"models"`
	Providers      []string `json:"providers"`
	Sources        []string `json:"sources"`
	SessionClasses []string `json:"sessionClasses"`
	Tools          []string `json:"tools"`
}

// GetOptions computes filter options from the filtered range.
func (e *Engine) GetOptions(req Request) (*Options, error) {
	req = req.normalize(e.now())
	v, err := e.cache.LoadOrCompute(req.cacheKey("options"), queryCacheTTL, func() (interface{}, error) {
		return e.getOptions(req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Options), nil
}

func (e *Engine) getOptions(req Request) (*Options, error) {
	rows, dims, err := e.filteredDailyRows(req)
	if err != nil {
		return nil, err
	}

	agents := make(map[string]bool)
	models := make(map[string]bool)
	providers := make(map[string]bool)
	sources := make(map[string]bool)
	classes := make(map[string]bool)
	sessions := make(map[string]bool)
	var sessionIDs []string

	for _, r := range rows {
		d := dims[r.SessionID]
		mark(agents, d.AgentID)
		mark(models, r.ModelKey)
		provider := usage.ProviderKey(r.Model)
		if provider == "unknown" {
			provider = usage.ProviderKey(r.ModelKey)
		}
		if provider != "unknown" {
			mark(providers, provider)
		}
		mark(sources, d.Source)
		mark(classes, d.Class)
		if !sessions[r.SessionID] {
			sessions[r.SessionID] = true
			sessionIDs = append(sessionIDs, r.SessionID)
		}
	}

	firstDay := usage.DayStartMs(time.UnixMilli(req.Range.FromMs))
	toolRows, err := e.loadToolRows(sessionIDs, firstDay, req.Range.ToMs)
	if err != nil {
		return nil, err
	}
	tools := make(map[string]bool)
	for _, tr := range toolRows {
		mark(tools, tr.Tool)
	}

	return &Options{
		Agents:         sortedKeys(agents),
		Models:         sortedKeys(models),
		Providers:      sortedKeys(providers),
		Sources:        sortedKeys(sources),
		SessionClasses: sortedKeys(classes),
		Tools:          sortedKeys(tools),
	}, nil
}

func mark(set map[string]bool, v string) {
	if v != "" {
		set[v] = true
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
