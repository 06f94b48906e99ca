package scheduler

import (
	"math"
	"time"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// scoreContext carries the shared inputs for one scoring pass so every
// task is scored against the same snapshot.
type scoreContext struct {
	now          time.Time
	criticalPath map[string]bool
	fanout       func(taskID string) int
	resources    *config.ResourcesConfig
	weights      config.ScoringWeights
	agents       []*models.Agent
	// currentMemFrac and currentCPUFrac are the cluster-wide usage
	// fractions at scoring time.
	currentMemFrac float64
	currentCPUFrac float64
	activeTasks    int
}

// impactTags are the tags that raise a task's business impact.
var impactTags = []string{"critical-path", "customer-facing", "revenue-impact", "security"}

// typeComplexityBase is the inherent complexity contribution per task type.
var typeComplexityBase = map[models.TaskType]float64{
	models.TaskTypeDevelopment:   0.30,
	models.TaskTypeDeployment:    0.40,
	models.TaskTypeResearch:      0.25,
	models.TaskTypeTesting:       0.20,
	models.TaskTypeReview:        0.15,
	models.TaskTypeDocumentation: 0.10,
}

// typeImpactBonus is the business-impact contribution per task type.
var typeImpactBonus = map[models.TaskType]float64{
	models.TaskTypeDeployment:    0.20,
	models.TaskTypeDevelopment:   0.15,
	models.TaskTypeTesting:       0.10,
	models.TaskTypeReview:        0.10,
	models.TaskTypeResearch:      0.05,
	models.TaskTypeDocumentation: 0.05,
}

// scoreTask computes the nine scoring factors and the weighted total.
func scoreTask(task *models.AtomicTask, sc *scoreContext) models.TaskScores {
	s := models.TaskScores{
		Priority:          task.Priority.Score(),
		Deadline:          deadlineScore(task, sc.now),
		Dependency:        dependencyScore(task, sc),
		Resource:          resourceScore(task, sc.resources),
		Duration:          durationScore(task),
		SystemLoad:        systemLoadScore(task, sc),
		Complexity:        complexityScore(task),
		BusinessImpact:    businessImpactScore(task),
		AgentAvailability: agentAvailabilityScore(task, sc),
	}

	w := sc.weights
	s.Total = w.Dependencies*s.Dependency +
		w.Deadline*s.Deadline +
		w.SystemLoad*s.SystemLoad +
		w.Complexity*s.Complexity +
		w.BusinessImpact*s.BusinessImpact +
		w.AgentAvailability*s.AgentAvailability +
		w.Priority*s.Priority +
		w.Resources*s.Resource +
		w.Duration*s.Duration

	return s
}

// impliedDeadline derives a deadline from the estimate and priority.
func impliedDeadline(task *models.AtomicTask, now time.Time) time.Time {
	window := task.EstimatedHours * task.Priority.DeadlineMultiplier()
	return now.Add(time.Duration(window * float64(time.Hour)))
}

// deadlineScore scores urgency against a seven-day horizon. Critical
// tasks get a 1.5x boost, capped at 1.
func deadlineScore(task *models.AtomicTask, now time.Time) float64 {
	deadline := impliedDeadline(task, now)
	horizon := 7 * 24 * time.Hour

	timeToDeadline := deadline.Sub(now)
	score := math.Max(0, 1-timeToDeadline.Hours()/horizon.Hours())

	if task.Priority == models.PriorityCritical {
		score = math.Min(1, score*1.5)
	}
	return score
}

// dependencyScore rewards critical-path membership and fan-out.
func dependencyScore(task *models.AtomicTask, sc *scoreContext) float64 {
	score := 0.5
	if sc.criticalPath[task.ID] {
		score += 0.3
	}
	score += math.Min(0.2, 0.1*float64(sc.fanout(task.ID)))
	return clamp01(score)
}

// resourceScore rewards tasks with a light resource footprint.
func resourceScore(task *models.AtomicTask, resources *config.ResourcesConfig) float64 {
	quota := resources.TypeResources(task.Type)

	memFrac := 0.0
	if resources.MaxMemoryMB > 0 {
		memFrac = float64(quota.MemoryMB) / float64(resources.MaxMemoryMB)
	}
	cpuFrac := 0.0
	if resources.MaxCPUUtilization > 0 {
		cpuFrac = quota.CPUWeight / (resources.MaxCPUUtilization * float64(resources.AvailableAgents+1))
	}

	return 1 - math.Min(0.5, (memFrac+cpuFrac)/2)
}

// durationScore rewards short tasks against an eight-hour session.
func durationScore(task *models.AtomicTask) float64 {
	return 1 - math.Min(0.8, task.EstimatedHours/8)
}

// systemLoadScore scores how much headroom the system has for this task.
func systemLoadScore(task *models.AtomicTask, sc *scoreContext) float64 {
	quota := sc.resources.TypeResources(task.Type)

	taskMemFrac := 0.0
	if sc.resources.MaxMemoryMB > 0 {
		taskMemFrac = float64(quota.MemoryMB) / float64(sc.resources.MaxMemoryMB)
	}
	taskCPUFrac := 0.0
	if sc.resources.MaxCPUUtilization > 0 {
		taskCPUFrac = quota.CPUWeight / (sc.resources.MaxCPUUtilization * 10)
	}

	freeSlots := float64(sc.resources.MaxConcurrentTasks-sc.activeTasks) /
		float64(sc.resources.MaxConcurrentTasks)

	availability := (1-sc.currentMemFrac-taskMemFrac)*0.4 +
		(1-sc.currentCPUFrac-taskCPUFrac)*0.4 +
		clamp01(freeSlots)*0.2

	return clamp01(availability)
}

// complexityScore rewards simple tasks. Higher counts of touched files,
// test requirements, acceptance criteria, and dependencies all lower it.
func complexityScore(task *models.AtomicTask) float64 {
	filePathWeight := 0.05 * float64(len(task.FilePaths))
	testReqWeight := 0.05 * float64(len(task.TestingRequirements))
	acceptanceWeight := 0.03 * float64(len(task.AcceptanceCriteria))
	depWeight := 0.05 * float64(len(task.Dependencies))
	typeBase := typeComplexityBase[task.Type]

	sum := filePathWeight + testReqWeight + acceptanceWeight + depWeight + typeBase
	return 1 - math.Min(1, sum)
}

// businessImpactScore combines priority, type, and impact tags.
func businessImpactScore(task *models.AtomicTask) float64 {
	score := task.Priority.Score() * 0.5
	score += typeImpactBonus[task.Type]

	for _, tag := range impactTags {
		if task.HasTag(tag) {
			score += 0.2
			break
		}
	}

	return clamp01(score)
}

// agentAvailabilityScore scores how well the agent pool can absorb the
// task. With no registered agents the score is neutral.
func agentAvailabilityScore(task *models.AtomicTask, sc *scoreContext) float64 {
	if len(sc.agents) == 0 {
		return 0.5
	}

	idle := 0
	for _, a := range sc.agents {
		if a.Status == models.AgentStatusIdle {
			idle++
		}
	}

	score := float64(idle) / float64(len(sc.agents))
	need := sc.resources.TypeResources(task.Type).AgentCount
	if idle >= need {
		score += 0.2
	} else {
		score /= 2
	}

	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
