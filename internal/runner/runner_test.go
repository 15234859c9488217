package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dubproc/internal/stage"
	"dubproc/internal/store"
)

// TestHelperStageWorker is not a real test: it's invoked as a subprocess
// standing in for cmd/stageworker, per the standard os/exec
// fake-subprocess testing idiom (see exec_test.go in the Go stdlib).
func TestHelperStageWorker(t *testing.T) {
	if os.Getenv("DUBPROC_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	reader := bufio.NewReader(os.Stdin)
	var req stage.Request
	if err := stage.ReadFrame(reader, &req); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	writer := bufio.NewWriter(os.Stdout)
	switch os.Getenv("DUBPROC_HELPER_MODE") {
	case "hang":
		time.Sleep(10 * time.Second)
	case "fail":
		stage.WriteFrame(writer, stage.Response{OK: false, Error: "simulated stage failure"})
	default:
		stage.WriteFrame(writer, stage.Response{OK: true, Value: map[string]any{"echo_stage": req.Stage}})
	}
}

type fakeWatchdog struct{ d time.Duration }

func (f fakeWatchdog) WatchdogFor(string) time.Duration { return f.d }

func helperCommandPath(t *testing.T, mode string) (string, []string, map[string]string) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	env := map[string]string{
		"DUBPROC_WANT_HELPER_PROCESS": "1",
		"DUBPROC_HELPER_MODE":         mode,
	}
	return exe, []string{"-test.run=TestHelperStageWorker"}, env
}

// buildWrapperScript writes a shell script that re-execs the test binary
// with the flags/env the helper process needs, since exec.Command(path)
// takes no extra args in runStage.
func buildWrapperScript(t *testing.T, mode string) string {
	t.Helper()
	exe, args, env := helperCommandPath(t, mode)
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "stageworker.sh")

	envLines := ""
	for k, v := range env {
		envLines += fmt.Sprintf("export %s=%s\n", k, v)
	}
	content := fmt.Sprintf("#!/bin/sh\n%sexec %q %s\n", envLines, exe, args[0])
	require.NoError(t, os.WriteFile(scriptPath, []byte(content), 0o755))
	return scriptPath
}

func TestRunStageSuccess(t *testing.T) {
	script := buildWrapperScript(t, "ok")
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	r := New(st, nil, fakeWatchdog{d: 5 * time.Second}, script)
	out, err := r.runStage(context.Background(), "job-1", "extracting", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, "extracting", out["echo_stage"])
}

func TestRunStageFailurePropagates(t *testing.T) {
	script := buildWrapperScript(t, "fail")
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	r := New(st, nil, fakeWatchdog{d: 5 * time.Second}, script)
	_, err = r.runStage(context.Background(), "job-1", "asr", map[string]any{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "simulated stage failure")
}

func TestRunStageWatchdogKillsHungChild(t *testing.T) {
	script := buildWrapperScript(t, "hang")
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	r := New(st, nil, fakeWatchdog{d: 300 * time.Millisecond}, script)
	start := time.Now()
	_, err = r.runStage(context.Background(), "job-1", "tts", map[string]any{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "watchdog timeout")
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRecoverAfterRestartRequeuesRunningAndQueued(t *testing.T) {
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	now := time.Now()
	require.NoError(t, st.PutJob(&store.Job{OwnerID: "u1", State: store.JobRunning, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, st.PutJob(&store.Job{OwnerID: "u1", State: store.JobDone, CreatedAt: now, UpdatedAt: now}))

	n, err := RecoverAfterRestart(st)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	jobs, err := st.ListJobsByState(store.JobQueued)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "Recovered after restart", jobs[0].Message)
}

func TestPopDegradedReasons(t *testing.T) {
	out := map[string]any{
		"transcript_path":  "/tmp/t.json",
		"degraded_reasons": []any{"whisper not installed"},
	}
	reasons := popDegradedReasons(out)
	require.Equal(t, []string{"whisper not installed"}, reasons)
	require.NotContains(t, out, "degraded_reasons")

	require.Nil(t, popDegradedReasons(map[string]any{"x": 1}))
	require.Equal(t, []string{"one"}, popDegradedReasons(map[string]any{"degraded_reasons": "one"}))
}
