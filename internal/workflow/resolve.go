package workflow

import (
	"regexp"

	"github.com/ShayCichocki/dispatch/pkg/faults"
)

// Subtask id patterns. A subtask id collapses to its parent workflow id
// so progress events from decomposed work land on the right workflow.
var (
	subtaskPattern = regexp.MustCompile(`^(.+)-(atomic|plan|impl)-\d+$`)
	genericPattern = regexp.MustCompile(`^(.+)-[A-Za-z]+-\d+$`)
)

// ResolveWorkflowID resolves the workflow id for an inbound progress
// event. Priority: metadata jobId, metadata sessionId, then the task
// id. Subtask ids are collapsed to the parent id. Finding no id at all
// is a typed failure, never a silent substitution.
func ResolveWorkflowID(taskID string, metadata map[string]string) (string, error) {
	id := ""
	switch {
	case metadata["jobId"] != "":
		id = metadata["jobId"]
	case metadata["sessionId"] != "":
		id = metadata["sessionId"]
	case taskID != "":
		id = taskID
	}

	if id == "" {
		return "", faults.New(faults.Validation, "workflow", "ResolveWorkflowID",
			"no workflow id in event")
	}

	if m := subtaskPattern.FindStringSubmatch(id); m != nil {
		return m[1], nil
	}
	if m := genericPattern.FindStringSubmatch(id); m != nil {
		return m[1], nil
	}
	return id, nil
}
