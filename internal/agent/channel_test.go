package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner records invocations and replays a canned result.
type fakeRunner struct {
	output []byte
	err    error

	mu   sync.Mutex
	args [][]string
}

func newFakeRunner(output string, err error) *fakeRunner {
	return &fakeRunner{output: []byte(output), err: err}
}

func (f *fakeRunner) Run(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.args = append(f.args, append([]string{name}, args...))
	f.mu.Unlock()
	return f.output, f.err
}

func (f *fakeRunner) RunShell(ctx context.Context, workDir, command string) ([]byte, error) {
	return f.Run(ctx, workDir, "sh", "-c", command)
}

func TestProcessChannelRoundTrip(t *testing.T) {
	runner := newFakeRunner(`{"success": true, "output": "done"}`, nil)
	c := NewProcessChannel(runner, "worker", nil)

	if !c.Ready() {
		t.Fatal("configured channel should be ready")
	}
	if !c.SendTask("agent-1", []byte(`{"taskId": "t1"}`)) {
		t.Fatal("SendTask should accept the payload")
	}

	resp, ok := c.ReceiveResponse("agent-1", time.Second)
	if !ok {
		t.Fatal("expected a response")
	}
	if !strings.Contains(resp, `"success": true`) {
		t.Errorf("unexpected response: %s", resp)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.args) != 1 || runner.args[0][0] != "worker" {
		t.Errorf("worker command not invoked: %v", runner.args)
	}
	if !strings.Contains(runner.args[0][len(runner.args[0])-1], "t1") {
		t.Errorf("payload not passed to worker: %v", runner.args[0])
	}
}

func TestProcessChannelWrapsWorkerFailure(t *testing.T) {
	runner := newFakeRunner("boom", errors.New("exit status 1"))
	c := NewProcessChannel(runner, "worker", nil)

	c.SendTask("agent-1", []byte(`{}`))

	resp, ok := c.ReceiveResponse("agent-1", time.Second)
	if !ok {
		t.Fatal("expected a response")
	}
	if !strings.Contains(resp, `"success":false`) {
		t.Errorf("failure should be structured: %s", resp)
	}
	if !strings.Contains(resp, "exit status 1") {
		t.Errorf("failure should carry the process error: %s", resp)
	}
}

func TestProcessChannelNotReady(t *testing.T) {
	c := NewProcessChannel(nil, "", nil)
	if c.Ready() {
		t.Error("channel without runner should not be ready")
	}
	if c.SendTask("agent-1", []byte(`{}`)) {
		t.Error("SendTask should refuse when not ready")
	}
}

func TestReceiveResponseTimesOut(t *testing.T) {
	c := NewProcessChannel(newFakeRunner("", nil), "worker", nil)

	start := time.Now()
	_, ok := c.ReceiveResponse("agent-1", 60*time.Millisecond)
	if ok {
		t.Fatal("expected timeout")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("ReceiveResponse returned before the poll window elapsed")
	}
}
