package scheduler

import (
	"sort"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// assignAgents pre-assigns an agent to each scheduled task. Among agents
// capable of the task's type, the one with the fewest planned
// assignments wins, breaking ties by ascending agent id. When no
// registered agent can execute the type, the task falls back to
// round-robin over the whole pool, seeded by the schedule version so
// successive regenerations rotate the fallback.
func assignAgents(scheduled map[string]*models.ScheduledTask, agents []*models.Agent, version int) {
	if len(agents) == 0 {
		return
	}

	pool := make([]*models.Agent, len(agents))
	copy(pool, agents)
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	planned := make(map[string]int, len(pool))

	ids := make([]string, 0, len(scheduled))
	for id := range scheduled {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rr := version
	for _, id := range ids {
		st := scheduled[id]

		var best *models.Agent
		for _, agent := range pool {
			if agent.Status == models.AgentStatusOffline || agent.Status == models.AgentStatusError {
				continue
			}
			if !agent.CanExecute(st.Task.Type) {
				continue
			}
			if best == nil || planned[agent.ID] < planned[best.ID] {
				best = agent
			}
		}

		if best == nil {
			best = pool[rr%len(pool)]
			rr++
		}

		planned[best.ID]++
		st.Resources.AgentID = best.ID
	}
}

// agentUtilization maps each assigned agent to the fraction of the
// schedule's total duration it is planned to be busy.
func agentUtilization(scheduled map[string]*models.ScheduledTask, totalHours float64) map[string]float64 {
	if totalHours <= 0 {
		return nil
	}

	busy := make(map[string]float64)
	for _, st := range scheduled {
		if st.Resources.AgentID == "" {
			continue
		}
		busy[st.Resources.AgentID] += st.Task.EstimatedHours
	}
	if len(busy) == 0 {
		return nil
	}

	util := make(map[string]float64, len(busy))
	for id, hours := range busy {
		util[id] = clamp01(hours / totalHours)
	}
	return util
}
