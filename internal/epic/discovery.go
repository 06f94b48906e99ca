package epic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/dispatch/internal/llm"
	"github.com/ShayCichocki/dispatch/pkg/faults"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Discovery materialization thresholds. Candidates below either floor
// are discarded.
const (
	minDiscoveryConfidence = 0.7
	minDiscoveryStrength   = 0.6
)

const discoverySystemPrompt = `You analyze software project epics and identify semantic dependencies between them that task-level edges cannot capture. Respond with JSON only.`

// discoveredRelationship is one candidate edge in the model's response.
type discoveredRelationship struct {
	FromEpicID string  `json:"from_epic_id"`
	ToEpicID   string  `json:"to_epic_id"`
	Type       string  `json:"type"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// DiscoverIntelligentRelationships asks the language model for semantic
// epic relationships that task-level edges miss. Candidates materialize
// only with confidence >= 0.7 and strength >= 0.6, with unknown epics
// and cycle-introducing edges dropped. The existing edges stay
// untouched; the return value holds only the new ones.
func (m *Manager) DiscoverIntelligentRelationships(ctx context.Context, caller llm.Caller, epics []*models.Epic, existing []*models.EpicDependency) ([]*models.EpicDependency, error) {
	if len(epics) < 2 {
		return nil, nil
	}

	raw, err := llm.CallJSON(ctx, caller, buildDiscoveryPrompt(epics, existing),
		discoverySystemPrompt, "epic-discovery")
	if err != nil {
		return nil, faults.Wrap(err, faults.Transient, "epic", "DiscoverIntelligentRelationships",
			"relationship discovery failed")
	}

	var resp struct {
		Relationships []discoveredRelationship `json:"relationships"`
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, faults.Wrap(err, faults.Validation, "epic", "DiscoverIntelligentRelationships",
			"response does not match the expected shape")
	}

	known := make(map[string]bool, len(epics))
	for _, e := range epics {
		known[e.ID] = true
	}
	have := make(map[[2]string]bool, len(existing))
	for _, d := range existing {
		have[[2]string{d.FromEpicID, d.ToEpicID}] = true
	}

	accepted := append([]*models.EpicDependency(nil), existing...)
	var discovered []*models.EpicDependency

	for _, r := range resp.Relationships {
		if !known[r.FromEpicID] || !known[r.ToEpicID] || r.FromEpicID == r.ToEpicID {
			continue
		}
		if have[[2]string{r.FromEpicID, r.ToEpicID}] {
			continue
		}
		if r.Confidence < minDiscoveryConfidence || r.Strength < minDiscoveryStrength {
			m.debugLog.Log("[epic.Discover] dropped %s->%s: confidence=%.2f strength=%.2f",
				r.FromEpicID, r.ToEpicID, r.Confidence, r.Strength)
			continue
		}

		dep := &models.EpicDependency{
			FromEpicID: r.FromEpicID,
			ToEpicID:   r.ToEpicID,
			Strength:   r.Strength,
			Reason:     r.Reason,
		}
		if strings.EqualFold(r.Type, string(models.EpicDepBlocks)) {
			dep.Type = models.EpicDepBlocks
			dep.Critical = true
		} else {
			dep.Type = models.EpicDepEnables
		}

		// Reject edges that would close a cycle against everything
		// accepted so far.
		candidate := append(accepted, dep)
		if findCycle(epics, candidate) != nil {
			m.debugLog.Log("[epic.Discover] dropped %s->%s: would introduce a cycle",
				r.FromEpicID, r.ToEpicID)
			continue
		}

		accepted = candidate
		have[[2]string{r.FromEpicID, r.ToEpicID}] = true
		discovered = append(discovered, dep)
	}

	m.debugLog.Log("[epic.Discover] candidates=%d accepted=%d",
		len(resp.Relationships), len(discovered))
	return discovered, nil
}

// buildDiscoveryPrompt renders the epics and known edges for the model.
func buildDiscoveryPrompt(epics []*models.Epic, existing []*models.EpicDependency) string {
	var sb strings.Builder
	sb.WriteString("Project epics:\n")
	for _, e := range epics {
		fmt.Fprintf(&sb, "- %s: %s (priority %s, %d tasks)", e.ID, e.Title, e.Priority, len(e.TaskIDs))
		if e.Description != "" {
			fmt.Fprintf(&sb, ": %s", e.Description)
		}
		sb.WriteString("\n")
	}

	if len(existing) > 0 {
		sb.WriteString("\nAlready-known dependencies (do not repeat these):\n")
		for _, d := range existing {
			fmt.Fprintf(&sb, "- %s %s %s\n", d.FromEpicID, d.Type, d.ToEpicID)
		}
	}

	sb.WriteString(`
Identify semantic dependencies between epics that the known edges miss.
For each, report from_epic_id, to_epic_id, type ("blocks" or "enables"),
strength (0-1), confidence (0-1), and a one-sentence reason.

Respond with JSON of the form:
{"relationships": [{"from_epic_id": "...", "to_epic_id": "...", "type": "enables", "strength": 0.8, "confidence": 0.9, "reason": "..."}]}`)

	return sb.String()
}
