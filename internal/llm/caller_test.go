package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ShayCichocki/dispatch/pkg/faults"
)

// fakeCaller replays canned responses and records the prompts it saw.
type fakeCaller struct {
	responses []string
	err       error
	prompts   []string
}

func (f *fakeCaller) CallFormatAware(ctx context.Context, prompt, system, label string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	idx := len(f.prompts) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func TestCallJSONAcceptsValidResponse(t *testing.T) {
	f := &fakeCaller{responses: []string{`{"relationships": []}`}}

	got, err := CallJSON(context.Background(), f, "prompt", "system", "test")
	if err != nil {
		t.Fatalf("CallJSON: %v", err)
	}
	if got != `{"relationships": []}` {
		t.Errorf("unexpected response: %s", got)
	}
	if len(f.prompts) != 1 {
		t.Errorf("expected 1 call, got %d", len(f.prompts))
	}
}

func TestCallJSONStripsCodeFences(t *testing.T) {
	f := &fakeCaller{responses: []string{"```json\n{\"a\": 1}\n```"}}

	got, err := CallJSON(context.Background(), f, "prompt", "", "test")
	if err != nil {
		t.Fatalf("CallJSON: %v", err)
	}
	if got != `{"a": 1}` {
		t.Errorf("expected fences stripped, got %q", got)
	}
}

func TestCallJSONRetriesWithFeedback(t *testing.T) {
	f := &fakeCaller{responses: []string{
		"Sure! Here is the analysis you asked for.",
		`{"ok": true}`,
	}}

	got, err := CallJSON(context.Background(), f, "prompt", "", "test")
	if err != nil {
		t.Fatalf("CallJSON: %v", err)
	}
	if got != `{"ok": true}` {
		t.Errorf("unexpected response: %s", got)
	}
	if len(f.prompts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(f.prompts))
	}
	if !strings.Contains(f.prompts[1], "rejected") {
		t.Errorf("expected validation feedback in retry prompt, got %q", f.prompts[1])
	}
}

func TestCallJSONExhaustsAttempts(t *testing.T) {
	f := &fakeCaller{responses: []string{"not json", "still not json", "never json"}}

	_, err := CallJSON(context.Background(), f, "prompt", "", "test")
	if err == nil {
		t.Fatal("expected exhaustion")
	}
	if !faults.IsKind(err, faults.Exhausted) {
		t.Errorf("expected Exhausted fault, got %v", err)
	}
	if len(f.prompts) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(f.prompts))
	}
}

func TestCallJSONPropagatesCallError(t *testing.T) {
	f := &fakeCaller{err: errors.New("network down")}

	_, err := CallJSON(context.Background(), f, "prompt", "", "test")
	if err == nil {
		t.Fatal("expected error")
	}
	if !faults.IsKind(err, faults.Transient) {
		t.Errorf("expected Transient fault, got %v", err)
	}
}

func TestCallJSONNilCaller(t *testing.T) {
	_, err := CallJSON(context.Background(), nil, "p", "", "test")
	if !faults.IsKind(err, faults.Configuration) {
		t.Errorf("expected Configuration fault, got %v", err)
	}
}
