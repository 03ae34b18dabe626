package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/autoperf/internal/fault"
)

func script(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func newExec(t *testing.T) *Exec {
	return &Exec{Attempts: 2, Delay: time.Millisecond, Logger: zaptest.NewLogger(t), Secrets: []string{"s3cr3tkey"}}
}

func TestRun_Success(t *testing.T) {
	dir := t.TempDir()
	err := newExec(t).Run(context.Background(), Command{Name: "build", Line: "touch built", Dir: dir})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "built"))
}

func TestRun_PassesEnvironment(t *testing.T) {
	dir := t.TempDir()
	script(t, dir, "env.sh", `printf '%s' "$PERFPOINT_EVENT_INDEX" > index`)
	err := newExec(t).Run(context.Background(), Command{
		Name: "workload",
		Line: "sh env.sh",
		Dir:  dir,
		Env:  []string{"PERFPOINT_EVENT_INDEX=3"},
	})
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, "index"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(got))
}

func TestRun_TogglesShellBetweenAttempts(t *testing.T) {
	// Through a shell the trailing "exit 1" fails the command; exec'd
	// directly, echo prints the whole line and succeeds.
	var out bytes.Buffer
	err := newExec(t).Run(context.Background(), Command{
		Name:   "workload",
		Line:   "echo first; exit 1",
		Dir:    t.TempDir(),
		Output: &out,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "first\n")
	assert.Contains(t, out.String(), "first; exit 1")
}

func TestRun_ExhaustedAttempts(t *testing.T) {
	dir := t.TempDir()
	script(t, dir, "fail.sh", "echo compiling\necho token=s3cr3tkey\necho boom >&2\nexit 3")
	e := newExec(t)
	e.Attempts = 3
	err := e.Run(context.Background(), Command{Name: "build", Line: "sh fail.sh", Dir: dir})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrChildFailed)
	assert.Equal(t, 3, ExitCode(err))
	assert.Contains(t, err.Error(), "attempt 3 of 3")
	assert.Contains(t, err.Error(), "boom")
	assert.NotContains(t, err.Error(), "s3cr3tkey")
	assert.Equal(t, "child_failed", fault.Kind(err))
}

func TestRun_MinimumAttempts(t *testing.T) {
	e := newExec(t)
	e.Attempts = 0
	err := e.Run(context.Background(), Command{Name: "clean", Line: "false", Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt 2 of 2")
}

func TestRun_EmptyLine(t *testing.T) {
	err := newExec(t).Run(context.Background(), Command{Name: "build", Line: "  "})
	assert.ErrorIs(t, err, fault.ErrInvalidConfig)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- newExec(t).Run(ctx, Command{Name: "workload", Line: "sleep 10", Dir: t.TempDir()})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_CancelStopsShellChildren(t *testing.T) {
	// The shell forks sleep; the grandchild holds the output pipe open
	// unless the whole process group is killed.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := newExec(t).Run(ctx, Command{Name: "workload", Line: "sleep 3; true", Dir: t.TempDir()})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestChildError_CarriesOutputTail(t *testing.T) {
	dir := t.TempDir()
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "echo line-"+strings.Repeat("x", i%3)+string(rune('a'+i%26)))
	}
	lines = append(lines, "echo last-line", "exit 1")
	script(t, dir, "noisy.sh", strings.Join(lines, "\n"))
	err := newExec(t).Run(context.Background(), Command{Name: "build", Line: "sh noisy.sh", Dir: dir})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "last-line")
	assert.LessOrEqual(t, strings.Count(msg, "\n"), tailLines)
}
