package explore

import (
	"sort"
)

// SessionItem is one session row in a listing.
type SessionItem struct {
	SessionID   string `json:"sessionId"`
	AgentID     string `json:"agentId"`
	SessionKey  string `json:"sessionKey"`
	Source      string `json:"source"`
	Class       string `json:"sessionClass"`
	OperationID string `json:"operationId,omitempty"`
	WorkOrderID string `json:"workOrderId,omitempty"`
	Totals
	Models       []string `json:"models"`
	ModelCount   int      `json:"modelCount"`
	HasErrors    bool     `json:"hasErrors"`
	LastSeenAtMs int64    `json:"lastSeenAtMs"`
}

// SessionsPage is one page of the session listing.
type SessionsPage struct {
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
	Items    []SessionItem `json:"items"`
}

// GetSessions collapses the filtered daily aggregates per session,
// sorts and paginates.
func (e *Engine) GetSessions(req Request) (*SessionsPage, error) {
	req = req.normalize(e.now())
	v, err := e.cache.LoadOrCompute(req.cacheKey("sessions"), queryCacheTTL, func() (interface{}, error) {
		return e.getSessions(req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SessionsPage), nil
}

func (e *Engine) getSessions(req Request) (*SessionsPage, error) {
	rows, dims, err := e.filteredDailyRows(req)
	if err != nil {
		return nil, err
	}

	type modelAgg struct {
		label string
		cost  int64
	}
	items := make(map[string]*SessionItem)
	models := make(map[string]map[string]*modelAgg)
	for _, r := range rows {
		it := items[r.SessionID]
		if it == nil {
			d := dims[r.SessionID]
			it = &SessionItem{
				SessionID:    r.SessionID,
				AgentID:      d.AgentID,
				SessionKey:   d.SessionKey,
				Source:       d.Source,
				Class:        d.Class,
				OperationID:  d.OperationID,
				WorkOrderID:  d.WorkOrderID,
				HasErrors:    d.HasErrors,
				LastSeenAtMs: d.LastSeenAtMs,
			}
			items[r.SessionID] = it
			models[r.SessionID] = make(map[string]*modelAgg)
		}
		it.Totals.add(r.Totals)

		m := models[r.SessionID][r.ModelKey]
		if m == nil {
			label := r.Model
			if label == "" {
				label = r.ModelKey
			}
			if label == "" {
				label = "unknown"
			}
			m = &modelAgg{label: label}
			models[r.SessionID][r.ModelKey] = m
		}
		m.cost += r.CostMicros
	}

	out := make([]SessionItem, 0, len(items))
	for id, it := range items {
		perModel := make([]*modelAgg, 0, len(models[id]))
		for _, m := range models[id] {
			perModel = append(perModel, m)
		}
		sort.Slice(perModel, func(i, j int) bool {
			if perModel[i].cost != perModel[j].cost {
				return perModel[i].cost > perModel[j].cost
			}
			return perModel[i].label < perModel[j].label
		})
		it.ModelCount = len(perModel)
		for i, m := range perModel {
			if i >= 5 {
				break
			}
			it.Models = append(it.Models, m.label)
		}
		out = append(out, *it)
	}

	sort.Slice(out, func(i, j int) bool {
		switch req.Sort {
		case SortTokensDesc:
			if out[i].TotalTokens != out[j].TotalTokens {
				return out[i].TotalTokens > out[j].TotalTokens
			}
		case SortRecentDesc:
			if out[i].LastSeenAtMs != out[j].LastSeenAtMs {
				return out[i].LastSeenAtMs > out[j].LastSeenAtMs
			}
		default:
			if out[i].CostMicros != out[j].CostMicros {
				return out[i].CostMicros > out[j].CostMicros
			}
		}
		return out[i].SessionID < out[j].SessionID
	})

	page := &SessionsPage{Total: len(out), Page: req.Page, PageSize: req.PageSize}
	start := (req.Page - 1) * req.PageSize
	if start < len(out) {
		end := start + req.PageSize
		if end > len(out) {
			end = len(out)
		}
		page.Items = out[start:end]
	}
	return page, nil
}
