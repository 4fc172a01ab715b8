package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
)

// CommandTaskType is the registry name of the external command task.
const CommandTaskType = "Command"

// killGrace is how long a command gets between SIGTERM and SIGKILL.
const killGrace = 5 * time.Second

// statusPattern matches output such as "disk ok - 12% used".
var statusPattern = regexp.MustCompile(`(?is)^.*(ok|warning|critical|invalid)\s*-.+`)

// reservedArgs are never forwarded to the program.
var reservedArgs = map[string]struct{}{
	"id":        {},
	"scheduler": {},
	"path":      {},
	"name":      {},
}

// Command runs an external program and reads its status from the trailing output token.
type Command struct {
	*BaseTask

	name    string
	argv    []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewCommand builds a Command task. args must contain "path"; "name" is an optional label.
// Every other argument except id and scheduler becomes a "--key value" pair.
func NewCommand(id string, args map[string]any, deps Deps) (Task, error) {
	path := strings.TrimSpace(argString(args["path"]))
	if path == "" {
		return nil, errors.New("command task requires a path argument")
	}
	argv, err := shellquote.Split(path)
	if err != nil {
		return nil, fmt.Errorf("split command path: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("command path is empty")
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		if _, reserved := reservedArgs[k]; reserved {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "--"+k, argString(args[k]))
	}

	name := argString(args["name"])
	if name == "" {
		name = path
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Command{
		BaseTask: NewBaseTask(id, CommandTaskType),
		name:     name,
		argv:     argv,
		timeout:  deps.CommandTimeout,
		logger:   logger.With("task_id", id, "command", name),
	}
	c.Handle(DefaultAction, c.check)
	c.logger.Debug("command configured", "argv", argv)
	return c, nil
}

// Argv returns the program and arguments the task executes.
func (c *Command) Argv() []string {
	return append([]string(nil), c.argv...)
}

func (c *Command) check(ctx context.Context, _ map[string]any) (Status, error) {
	c.logger.Info("checking command")
	c.SetState("")

	runCtx := ctx
	cancel := func() {}
	if c.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	var buf bytes.Buffer
	out := &syncWriter{w: &buf}
	cmd := exec.CommandContext(runCtx, c.argv[0], c.argv[1:]...) // #nosec G204
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error {
		c.logger.Warn("command cancelled, sending termination", "err", runCtx.Err())
		sendTermination(cmd.Process)
		return nil
	}
	cmd.WaitDelay = killGrace

	err := cmd.Run()
	output := buf.String()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := "command exited with an out of bound return code"
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				msg = fmt.Sprintf("command timed out after %s", c.timeout)
			}
			c.logger.Warn("command failed", "exit_code", exitErr.ExitCode(), "output", output)
			return StatusInvalid, &TaskError{
				TaskType: CommandTaskType,
				Action:   DefaultAction,
				Msg:      msg,
				ExitCode: exitErr.ExitCode(),
				Output:   output,
			}
		}
		return StatusInvalid, &TaskError{TaskType: CommandTaskType, Action: DefaultAction, Msg: "start command", Err: err, Output: output}
	}

	c.logger.Debug("command output", "output", output)
	c.SetState(strings.TrimSpace(output))
	return ParseStatusOutput(output)
}

// ParseStatusOutput extracts the status token from a command's output.
func ParseStatusOutput(output string) (Status, error) {
	m := statusPattern.FindStringSubmatch(strings.TrimSpace(output))
	if m == nil {
		return StatusInvalid, &TaskError{
			TaskType: CommandTaskType,
			Action:   DefaultAction,
			Msg:      "unparseable status received from the called process",
			Output:   output,
		}
	}
	return ParseStatus(m[1]), nil
}

func argString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}

// CheckCommandPaths is a HealthCheck that fails when a Command action names a
// program that cannot be found.
func CheckCommandPaths(_ context.Context, actions []ActionConfig) error {
	var errs []error
	for _, action := range actions {
		if TypeName(action.Task) != CommandTaskType {
			continue
		}
		argv, err := shellquote.Split(strings.TrimSpace(argString(action.Args["path"])))
		if err != nil || len(argv) == 0 {
			continue
		}
		if _, err := exec.LookPath(argv[0]); err != nil {
			errs = append(errs, fmt.Errorf("action %s: %w", action.ID, err))
		}
	}
	return errors.Join(errs...)
}
