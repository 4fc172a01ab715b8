package core

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusOutput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		output string
		want   Status
	}{
		{name: "ok", output: "disk ok - 12% used", want: StatusOK},
		{name: "uppercase warning", output: "BATTERY WARNING - 11.2V\n", want: StatusWarning},
		{name: "critical without space", output: "modem critical- no carrier", want: StatusCritical},
		{name: "invalid token", output: "probe invalid - sensor missing", want: StatusInvalid},
		{name: "last token wins", output: "ok - ignore\nfinal critical - real result", want: StatusCritical},
		{name: "surrounding whitespace", output: "\n\n  load ok - 0.3  \n", want: StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStatusOutput(tt.output)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStatusOutputUnparseable(t *testing.T) {
	t.Parallel()
	for _, output := range []string{"", "all good", "ok", "ok -", "status: fine - really"} {
		status, err := ParseStatusOutput(output)
		assert.Equal(t, StatusInvalid, status, "output %q", output)

		var taskErr *TaskError
		require.True(t, errors.As(err, &taskErr), "output %q", output)
		assert.Equal(t, KindTask, KindOf(err))
		assert.Contains(t, taskErr.Msg, "unparseable")
	}
}

func TestNewCommandArgv(t *testing.T) {
	t.Parallel()
	task, err := NewCommand("check-disk", map[string]any{
		"path":      "/usr/local/bin/check_disk -x 'two words'",
		"name":      "disk",
		"id":        "ignored",
		"scheduler": "ignored",
		"warn":      80,
		"crit":      "95",
	}, Deps{})
	require.NoError(t, err)

	cmd := task.(*Command)
	assert.Equal(t, "check-disk", cmd.ID())
	assert.Equal(t, CommandTaskType, cmd.Type())
	assert.Equal(t, []string{
		"/usr/local/bin/check_disk", "-x", "two words",
		"--crit", "95",
		"--warn", "80",
	}, cmd.Argv())

	_, ok := cmd.Action(DefaultAction)
	assert.True(t, ok)
}

func TestNewCommandRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := NewCommand("x", map[string]any{"name": "nothing"}, Deps{})
	assert.Error(t, err)

	_, err = NewCommand("x", map[string]any{"path": "   "}, Deps{})
	assert.Error(t, err)

	_, err = NewCommand("x", map[string]any{"path": "unterminated 'quote"}, Deps{})
	assert.Error(t, err)
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func runCommand(t *testing.T, script string, deps Deps) (Status, *Command, error) {
	t.Helper()
	task, err := NewCommand("cmd", map[string]any{"path": "/bin/sh -c '" + script + "'"}, deps)
	require.NoError(t, err)
	cmd := task.(*Command)
	fn, ok := cmd.Action(DefaultAction)
	require.True(t, ok)
	status, err := fn(context.Background(), nil)
	return status, cmd, err
}

func TestCommandCheckParsesStatus(t *testing.T) {
	skipWithoutShell(t)
	t.Parallel()

	status, cmd, err := runCommand(t, "echo starting; echo battery WARNING - 11.4V", Deps{})
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, status)
	assert.Equal(t, "starting\nbattery WARNING - 11.4V", cmd.State())
}

func TestCommandCheckNonZeroExit(t *testing.T) {
	skipWithoutShell(t)
	t.Parallel()

	status, _, err := runCommand(t, "echo broken; exit 3", Deps{})
	assert.Equal(t, StatusInvalid, status)

	var taskErr *TaskError
	require.True(t, errors.As(err, &taskErr))
	assert.Equal(t, 3, taskErr.ExitCode)
	assert.Contains(t, taskErr.Output, "broken")
}

func TestCommandCheckUnparseableOutput(t *testing.T) {
	skipWithoutShell(t)
	t.Parallel()

	status, _, err := runCommand(t, "echo hello", Deps{})
	assert.Equal(t, StatusInvalid, status)
	assert.Equal(t, KindTask, KindOf(err))
}

func TestCommandCheckTimeout(t *testing.T) {
	skipWithoutShell(t)
	t.Parallel()

	started := time.Now()
	status, _, err := runCommand(t, "sleep 10", Deps{CommandTimeout: 200 * time.Millisecond})
	assert.Equal(t, StatusInvalid, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(started), 9*time.Second)
}

func TestCommandMissingProgram(t *testing.T) {
	t.Parallel()
	task, err := NewCommand("cmd", map[string]any{"path": "/nonexistent/remotenode-probe"}, Deps{})
	require.NoError(t, err)
	fn, _ := task.Action(DefaultAction)

	status, err := fn(context.Background(), nil)
	assert.Equal(t, StatusInvalid, status)
	assert.Equal(t, KindTask, KindOf(err))
}

func TestCheckCommandPaths(t *testing.T) {
	actions := []ActionConfig{
		{ID: "shell", Task: "Command", Args: map[string]any{"path": "/bin/sh -c 'echo ok - fine'"}},
		{ID: "other", Task: "Fake"},
	}
	require.NoError(t, CheckCommandPaths(context.Background(), actions))

	actions = append(actions, ActionConfig{ID: "gone", Task: "Command", Args: map[string]any{"path": "/nonexistent/probe"}})
	err := CheckCommandPaths(context.Background(), actions)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action gone")
}
