package coordinator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// AgentChannel is the transport between the coordinator and agents.
// Implementations decide how payloads reach the agent (stdio, queue,
// HTTP); the coordinator only sends payloads and polls for responses.
type AgentChannel interface {
	// SendTask delivers a task payload to the agent. Returns false if
	// the agent is unreachable.
	SendTask(agentID string, payload []byte) bool
	// ReceiveResponse polls for a response from the agent, waiting up to
	// the given duration. Returns the raw response and whether one
	// arrived.
	ReceiveResponse(agentID string, poll time.Duration) (string, bool)
}

// readiable is implemented by channels that need warm-up before the
// coordinator starts dispatching.
type readiable interface {
	Ready() bool
}

// buildPayload serializes the task document sent to an agent.
func buildPayload(st *models.ScheduledTask, executionID string, now time.Time) ([]byte, error) {
	t := st.Task
	return json.Marshal(models.TaskPayload{
		TaskID:             t.ID,
		Title:              t.Title,
		Description:        t.Description,
		Type:               t.Type,
		Priority:           t.Priority,
		EstimatedHours:     t.EstimatedHours,
		AcceptanceCriteria: t.AcceptanceCriteria,
		Tags:               t.Tags,
		ProjectID:          t.ProjectID,
		Dependencies:       t.Dependencies,
		ExecutionID:        executionID,
		Timestamp:          now.Format(time.RFC3339),
	})
}

// failureMarkers are the substrings that flag a plain-text response as a
// failure when no JSON envelope is present.
var failureMarkers = []string{"error", "failed", "failure"}

// parseResponse interprets an agent response. A JSON object carrying a
// "success" field is taken at its word; everything else, JSON or plain
// text, is inferred from failure markers.
func parseResponse(raw string) *models.ExecutionResult {
	trimmed := strings.TrimSpace(raw)

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &probe); err == nil {
		if _, ok := probe["success"]; ok {
			var parsed models.ExecutionResult
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				if parsed.Output == "" {
					parsed.Output = trimmed
				}
				return &parsed
			}
		}
	}

	lower := strings.ToLower(trimmed)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return &models.ExecutionResult{
				Success: false,
				Output:  trimmed,
				Error:   trimmed,
			}
		}
	}

	return &models.ExecutionResult{Success: true, Output: trimmed}
}
