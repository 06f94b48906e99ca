package scheduler

import (
	"sort"
	"time"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// batchBuffer pads each batch's planned duration to absorb overruns.
const batchBuffer = 1.10

// orderBatch sorts the tasks of one parallel batch according to the
// selected algorithm. Ties always break by ascending task id so a given
// input produces the same schedule every time.
func orderBatch(tasks []*models.AtomicTask, scores map[string]models.TaskScores, algorithm models.SchedulingAlgorithm, sc *scoreContext) {
	less := func(a, b *models.AtomicTask) bool {
		return a.ID < b.ID
	}

	switch algorithm {
	case models.AlgorithmPriorityFirst:
		less = func(a, b *models.AtomicTask) bool {
			pa, pb := a.Priority.Score(), b.Priority.Score()
			if pa != pb {
				return pa > pb
			}
			da, db := impliedDeadline(a, sc.now), impliedDeadline(b, sc.now)
			if !da.Equal(db) {
				return da.Before(db)
			}
			return a.ID < b.ID
		}
	case models.AlgorithmEarliestDeadline:
		less = func(a, b *models.AtomicTask) bool {
			da, db := impliedDeadline(a, sc.now), impliedDeadline(b, sc.now)
			if !da.Equal(db) {
				return da.Before(db)
			}
			return a.ID < b.ID
		}
	case models.AlgorithmCriticalPath:
		less = func(a, b *models.AtomicTask) bool {
			ca, cb := sc.criticalPath[a.ID], sc.criticalPath[b.ID]
			if ca != cb {
				return ca
			}
			sa, sb := scores[a.ID].Total, scores[b.ID].Total
			if sa != sb {
				return sa > sb
			}
			return a.ID < b.ID
		}
	case models.AlgorithmResourceBalanced:
		less = func(a, b *models.AtomicTask) bool {
			sa, sb := scores[a.ID].Resource, scores[b.ID].Resource
			if sa != sb {
				return sa > sb
			}
			return a.ID < b.ID
		}
	case models.AlgorithmShortestJob:
		less = func(a, b *models.AtomicTask) bool {
			if a.EstimatedHours != b.EstimatedHours {
				return a.EstimatedHours < b.EstimatedHours
			}
			return a.ID < b.ID
		}
	case models.AlgorithmHybridOptimal:
		less = func(a, b *models.AtomicTask) bool {
			ca, cb := sc.criticalPath[a.ID], sc.criticalPath[b.ID]
			if ca != cb {
				return ca
			}
			sa, sb := scores[a.ID].Total, scores[b.ID].Total
			if sa != sb {
				return sa > sb
			}
			pa, pb := a.Priority.Score(), b.Priority.Score()
			if pa != pb {
				return pa > pb
			}
			if a.EstimatedHours != b.EstimatedHours {
				return a.EstimatedHours < b.EstimatedHours
			}
			return a.ID < b.ID
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool { return less(tasks[i], tasks[j]) })
}

// assignResources reserves memory and cpu for each task in a batch from
// its task-type quota. Under resource_balanced, if the batch's combined
// memory demand exceeds the configured ceiling, every reservation is
// scaled down proportionally so the batch still fits.
func assignResources(tasks []*models.AtomicTask, algorithm models.SchedulingAlgorithm, resources *config.ResourcesConfig) map[string]models.AssignedResources {
	assigned := make(map[string]models.AssignedResources, len(tasks))

	totalMem := 0
	for _, task := range tasks {
		quota := resources.TypeResources(task.Type)
		assigned[task.ID] = models.AssignedResources{
			MemoryMB:  quota.MemoryMB,
			CPUWeight: quota.CPUWeight,
		}
		totalMem += quota.MemoryMB
	}

	if algorithm == models.AlgorithmResourceBalanced && resources.MaxMemoryMB > 0 && totalMem > resources.MaxMemoryMB {
		scale := float64(resources.MaxMemoryMB) / float64(totalMem)
		for id, res := range assigned {
			res.MemoryMB = int(float64(res.MemoryMB) * scale)
			assigned[id] = res
		}
	}

	return assigned
}

// batchDuration is the planned wall time for one batch: the longest
// member estimate plus the overrun buffer.
func batchDuration(tasks []*models.AtomicTask) time.Duration {
	var longest float64
	for _, task := range tasks {
		if task.EstimatedHours > longest {
			longest = task.EstimatedHours
		}
	}
	return time.Duration(longest * batchBuffer * float64(time.Hour))
}
