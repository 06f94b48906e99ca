// Package agent implements the process-backed agent channel: each task
// payload is handed to a worker command as JSON on argv, and the
// command's output is returned as the agent response.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/dispatch/internal/exec"
	"github.com/ShayCichocki/dispatch/internal/logging"
)

// ProcessChannel runs one worker process per dispatched task. It
// satisfies the coordinator's AgentChannel and reports readiness once a
// worker command is configured.
type ProcessChannel struct {
	mu sync.Mutex

	runner  exec.CommandRunner
	command string
	workDir string
	// timeout bounds each worker process.
	timeout  time.Duration
	debugLog *logging.DebugLogger

	// responses queues worker outputs per agent id.
	responses map[string][]string
}

// Option configures a ProcessChannel.
type Option func(*ProcessChannel)

// WithWorkDir sets the working directory for worker processes.
func WithWorkDir(dir string) Option {
	return func(c *ProcessChannel) { c.workDir = dir }
}

// WithProcessTimeout bounds each worker process.
func WithProcessTimeout(d time.Duration) Option {
	return func(c *ProcessChannel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewProcessChannel creates a channel that runs the given command for
// each task. The command receives the JSON payload as its last
// argument.
func NewProcessChannel(runner exec.CommandRunner, command string, debugLog *logging.DebugLogger, opts ...Option) *ProcessChannel {
	c := &ProcessChannel{
		runner:    runner,
		command:   command,
		timeout:   time.Hour,
		debugLog:  debugLog,
		responses: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ready reports whether the channel can dispatch work.
func (c *ProcessChannel) Ready() bool {
	return c.runner != nil && c.command != ""
}

// SendTask launches a worker process for the payload. The process runs
// asynchronously; its output is queued for ReceiveResponse.
func (c *ProcessChannel) SendTask(agentID string, payload []byte) bool {
	if !c.Ready() {
		return false
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		out, err := c.runner.Run(ctx, c.workDir, c.command, string(payload))
		response := string(out)
		if err != nil {
			c.debugLog.Log("[agent.SendTask] worker failed for %s: %v", agentID, err)
			response = workerFailure(err, out)
		}

		c.mu.Lock()
		c.responses[agentID] = append(c.responses[agentID], response)
		c.mu.Unlock()
	}()

	return true
}

// ReceiveResponse polls for a queued worker response, waiting up to the
// given duration.
func (c *ProcessChannel) ReceiveResponse(agentID string, poll time.Duration) (string, bool) {
	deadline := time.Now().Add(poll)
	for {
		c.mu.Lock()
		queue := c.responses[agentID]
		if len(queue) > 0 {
			resp := queue[0]
			c.responses[agentID] = queue[1:]
			c.mu.Unlock()
			return resp, true
		}
		c.mu.Unlock()

		if time.Now().After(deadline) {
			return "", false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// workerFailure wraps a process error as a structured failure response.
func workerFailure(err error, out []byte) string {
	msg := fmt.Sprintf("worker process failed: %v", err)
	if len(out) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, out)
	}
	data, jsonErr := json.Marshal(map[string]any{
		"success": false,
		"error":   msg,
	})
	if jsonErr != nil {
		return msg
	}
	return string(data)
}
