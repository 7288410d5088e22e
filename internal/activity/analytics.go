package activity

import "time"

// Analytics aggregates history over a trailing time window.
type Analytics struct {
	Window             string         `json:"timeRange"`
	TotalEvents        int            `json:"totalEvents"`
	ByAgent            map[string]int `json:"byAgent"`
	ByState            map[string]int `json:"byState"`
	ByDecision         map[string]int `json:"byDecision"`
	MostActiveAgent    string         `json:"mostActiveAgent,omitempty"`
	MostActiveDecision string         `json:"mostActiveDecision,omitempty"`
}

// Analytics computes per-agent, per-state, and per-decision counts over
// entries newer than now-window. Most-active picks are simple max counts;
// ties go to whichever key appeared first in the history.
func (t *Tracker) Analytics(window time.Duration, label string) Analytics {
	cutoff := time.Now().UTC().Add(-window)

	t.mu.Lock()
	defer t.mu.Unlock()

	out := Analytics{
		Window:     label,
		ByAgent:    make(map[string]int),
		ByState:    make(map[string]int),
		ByDecision: make(map[string]int),
	}

	var agentOrder, decisionOrder []string
	for _, e := range t.history {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		out.TotalEvents++
		if _, seen := out.ByAgent[e.AgentID]; !seen {
			agentOrder = append(agentOrder, e.AgentID)
		}
		out.ByAgent[e.AgentID]++
		out.ByState[string(e.State)]++
		if e.DecisionID != "" {
			if _, seen := out.ByDecision[e.DecisionID]; !seen {
				decisionOrder = append(decisionOrder, e.DecisionID)
			}
			out.ByDecision[e.DecisionID]++
		}
	}

	out.MostActiveAgent = maxByCount(agentOrder, out.ByAgent)
	out.MostActiveDecision = maxByCount(decisionOrder, out.ByDecision)
	return out
}

// maxByCount returns the first-seen key with the strictly highest count.
func maxByCount(order []string, counts map[string]int) string {
	best := ""
	bestCount := 0
	for _, key := range order {
		if counts[key] > bestCount {
			best = key
			bestCount = counts[key]
		}
	}
	return best
}
