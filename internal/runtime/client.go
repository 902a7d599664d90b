// Package runtime shells out to the OpenClaw gateway binary and parses
// its JSON command output.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/clawcontrol/clawcontrol/internal/cache"
	. "github.com/clawcontrol/clawcontrol/internal/logging"
)

// CommandError carries the exit status and stderr of a failed gateway
// invocation so callers can match on failure signatures.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("openclaw %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// BinaryMissing reports whether the failure means the gateway binary
// itself could not be executed.
func (e *CommandError) BinaryMissing() bool {
	if errors.Is(e.Err, exec.ErrNotFound) {
		return true
	}
	lower := strings.ToLower(e.Err.Error() + " " + e.Stderr)
	return strings.Contains(lower, "no such file or directory") ||
		strings.Contains(lower, "executable file not found")
}

// Client invokes the gateway binary with a per-call timeout.
type Client struct {
	bin     string
	timeout time.Duration
	cache   *cache.Cache
}

// New builds a client for the given gateway binary.
func New(bin string, timeout time.Duration) *Client {
	if bin == "" {
		bin = "openclaw"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{bin: bin, timeout: timeout, cache: cache.New()}
}

// Invoke runs one gateway command and returns its stdout. Stderr and
// the exit code travel in the returned *CommandError on failure.
func (c *Client) Invoke(ctx context.Context, args ...string) ([]byte, error) {
	stdout, _, err := c.InvokeCapture(ctx, c.timeout, args...)
	return stdout, err
}

// InvokeCapture runs one gateway command with an explicit timeout and
// returns both output streams. Dispatch uses this to keep stderr for
// its audit record even on success.
func (c *Client) InvokeCapture(ctx context.Context, timeout time.Duration, args ...string) ([]byte, []byte, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	L_trace("runtime: invoked", "args", args, "elapsed", time.Since(start), "error", err)
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return stdout.Bytes(), stderr.Bytes(), &CommandError{
			Args:     args,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// InvokeJSON runs a command and unmarshals its stdout into a generic
// object.
func (c *Client) InvokeJSON(ctx context.Context, args ...string) (map[string]interface{}, error) {
	out, err := c.Invoke(ctx, args...)
	if err != nil {
		return nil, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(out), &obj); err != nil {
		return nil, fmt.Errorf("openclaw %s: bad json: %w", strings.Join(args, " "), err)
	}
	return obj, nil
}
