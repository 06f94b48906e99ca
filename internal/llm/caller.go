// Package llm provides the optional language-model helper used for
// intelligent relationship discovery. The core enforces JSON output
// validation and retry independently of the underlying client.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/dispatch/pkg/faults"
)

// maxJSONAttempts bounds the validate-and-retry loop.
const maxJSONAttempts = 3

// Caller is the outbound language-model interface.
type Caller interface {
	// CallFormatAware sends a prompt with a system prompt and returns the
	// raw model response. The label identifies the call in logs.
	CallFormatAware(ctx context.Context, prompt, system, label string) (string, error)
}

// CallJSON performs a format-aware call and validates the response as
// JSON, retrying up to three times with the validation failure injected
// into the follow-up prompt.
func CallJSON(ctx context.Context, caller Caller, prompt, system, label string) (string, error) {
	if caller == nil {
		return "", faults.New(faults.Configuration, "llm", "CallJSON",
			"no caller configured")
	}

	current := prompt
	var lastErr error

	for attempt := 1; attempt <= maxJSONAttempts; attempt++ {
		raw, err := caller.CallFormatAware(ctx, current, system, label)
		if err != nil {
			return "", faults.Wrap(err, faults.Transient, "llm", "CallJSON",
				"%s: call failed on attempt %d", label, attempt)
		}

		cleaned := stripFences(raw)
		if json.Valid([]byte(cleaned)) {
			return cleaned, nil
		}

		lastErr = fmt.Errorf("response is not valid JSON")
		current = fmt.Sprintf(
			"%s\n\nYour previous response was rejected: %v.\nRespond with valid JSON only, no prose and no code fences.",
			prompt, lastErr)
	}

	return "", faults.New(faults.Exhausted, "llm", "CallJSON",
		"%s: no valid JSON after %d attempts", label, maxJSONAttempts)
}

// stripFences removes a surrounding markdown code fence, which models
// add even when asked not to.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
