// Package runner implements the stage pipeline runner (§4.E): it drives a
// job through its ordered stages, checkpointing progress after each one
// so a crash resumes from the first incomplete stage rather than from
// scratch, and isolates stage execution in a child cmd/stageworker
// process it can kill outright on a watchdog timeout.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"dubproc/internal/obs"
	"dubproc/internal/stage"
	"dubproc/internal/store"
)

// killGrace is how long a stage gets to exit cleanly after SIGTERM before
// the runner escalates to SIGKILL.
const killGrace = 2 * time.Second

// pollInterval bounds how often the runner checks a running stage's
// liveness and the parent context for cancellation.
const pollInterval = 250 * time.Millisecond

// Watchdog resolves the timeout budget for a named stage.
type Watchdog interface {
	WatchdogFor(stage string) time.Duration
}

// Runner drives jobs through the stage pipeline.
type Runner struct {
	store        *store.Store
	metrics      *obs.Metrics
	watchdog     Watchdog
	workerPath   string
	mu           sync.Mutex
	canceled     map[string]bool
}

// New builds a pipeline runner. workerPath is the path to the compiled
// cmd/stageworker binary.
func New(st *store.Store, metrics *obs.Metrics, watchdog Watchdog, workerPath string) *Runner {
	return &Runner{store: st, metrics: metrics, watchdog: watchdog, workerPath: workerPath, canceled: map[string]bool{}}
}

// Cancel marks a running job for cancellation; the runner checks this
// flag between stages and during its poll loop, and will kill the active
// stage subprocess promptly rather than waiting for it to finish.
func (r *Runner) Cancel(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled[jobID] = true
}

func (r *Runner) isCanceled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled[jobID]
}

func (r *Runner) clearCanceled(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.canceled, jobID)
}

// Run executes every remaining stage of j in order, resuming from the
// checkpoint in j.WorkDir if one exists. It persists job state (progress,
// message, runtime fields) back to the store after every stage.
func (r *Runner) Run(ctx context.Context, j *store.Job) error {
	defer r.clearCanceled(j.ID)

	cp, err := readCheckpoint(j.WorkDir, j.ID)
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}
	seedInitialState(cp, j)

	startIdx := len(stage.Order)
	for i, name := range stage.Order {
		if !stageVerified(cp, name) {
			startIdx = i
			break
		}
	}
	if startIdx > 0 {
		log.WithFields(log.Fields{"job_id": j.ID, "resume_at": stageAt(startIdx)}).Info("resuming job from checkpoint")
	}

	if r.metrics != nil {
		r.metrics.PipelineJobTotal.Inc()
	}

	for i := startIdx; i < len(stage.Order); i++ {
		stageName := stage.Order[i]

		if r.isCanceled(j.ID) {
			r.updateState(j, store.JobCanceled, float64(i)/float64(len(stage.Order)), "canceled")
			return fmt.Errorf("job %s canceled before stage %s", j.ID, stageName)
		}

		r.updateState(j, store.JobRunning, float64(i)/float64(len(stage.Order)), fmt.Sprintf("running %s", stageName))

		started := time.Now()
		out, err := r.runStage(ctx, j.ID, stageName, cp.State)
		elapsed := time.Since(started)
		if r.metrics != nil {
			if h := r.metrics.StageHistogram(stageName); h != nil {
				h.Observe(elapsed.Seconds())
			}
		}

		if err != nil {
			if r.metrics != nil {
				r.metrics.JobErrorsTotal.WithLabelValues(stageName).Inc()
				r.metrics.PipelineJobFailed.Inc()
			}
			r.updateState(j, store.JobFailed, float64(i)/float64(len(stage.Order)), err.Error())
			return fmt.Errorf("stage %s failed: %w", stageName, err)
		}

		if reasons := popDegradedReasons(out); len(reasons) > 0 {
			cp.Degraded = true
			for _, reason := range reasons {
				if cp.DegradedNote != "" {
					cp.DegradedNote += "; "
				}
				cp.DegradedNote += reason
			}
			log.WithFields(log.Fields{"job_id": j.ID, "stage": stageName, "reasons": reasons}).Warn("stage completed degraded")
		}
		for k, v := range out {
			cp.State[k] = v
		}
		sc, err := buildStageCheckpoint(out)
		if err != nil {
			return fmt.Errorf("recording checkpoint artifacts for stage %s: %w", stageName, err)
		}
		cp.Stages[stageName] = sc
		cp.LastStage = stageName
		if err := writeCheckpoint(j.WorkDir, cp); err != nil {
			return fmt.Errorf("checkpointing after stage %s: %w", stageName, err)
		}
	}

	if r.metrics != nil {
		if cp.Degraded {
			r.metrics.PipelineJobDegraded.Inc()
		}
		r.metrics.JobsFinishedTotal.WithLabelValues(string(store.JobDone)).Inc()
	}

	message := "done"
	if cp.Degraded {
		message = "done (degraded: " + cp.DegradedNote + ")"
	}
	_, err = r.store.UpdateJob(j.ID, func(job *store.Job) error {
		job.State = store.JobDone
		job.Progress = 1.0
		job.Message = message
		if v, ok := cp.State["output_mkv"].(string); ok {
			job.OutputMKV = v
		}
		if v, ok := cp.State["output_srt"].(string); ok {
			job.OutputSRT = v
		}
		if v, ok := cp.State["duration_s"].(float64); ok && v > 0 {
			job.DurationS = v
		}
		if cp.Degraded {
			if job.Runtime == nil {
				job.Runtime = map[string]any{}
			}
			job.Runtime["degraded_reasons"] = strings.Split(cp.DegradedNote, "; ")
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("job_id", j.ID).Error("failed to persist final job state")
	}
	return nil
}

// popDegradedReasons strips a stage's degraded-warning list out of its
// output map so warnings travel to the job record, not the checkpoint's
// accumulated stage state.
func popDegradedReasons(out map[string]any) []string {
	raw, ok := out["degraded_reasons"]
	if !ok {
		return nil
	}
	delete(out, "degraded_reasons")
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var reasons []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				reasons = append(reasons, s)
			}
		}
		return reasons
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// seedInitialState primes the checkpoint's working state from the job
// record on first run, so stage 0 has video_path/work_dir/etc. available
// without the caller needing to duplicate them.
func seedInitialState(cp *Checkpoint, j *store.Job) {
	if _, seeded := cp.State["job_id"]; seeded {
		return
	}
	cp.State["job_id"] = j.ID
	cp.State["video_path"] = j.VideoPath
	cp.State["work_dir"] = j.WorkDir
	cp.State["out_dir"] = j.WorkDir
	cp.State["src_lang"] = j.SrcLang
	cp.State["tgt_lang"] = j.TgtLang
	cp.State["device"] = string(j.Device)
	cp.State["duration_s"] = j.DurationS
}

// stageAt names the stage execution resumes at, or "done" if every
// stage already verified complete.
func stageAt(idx int) string {
	if idx >= len(stage.Order) {
		return "done"
	}
	return stage.Order[idx]
}

func (r *Runner) updateState(j *store.Job, state store.JobState, progress float64, message string) {
	_, err := r.store.UpdateJob(j.ID, func(job *store.Job) error {
		job.State = state
		job.Progress = progress
		job.Message = message
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("job_id", j.ID).Error("failed to persist job state")
	}
}

// runStage spawns a stageworker child process for one stage, enforcing
// the watchdog timeout: SIGTERM at the deadline, SIGKILL killGrace later
// if it hasn't exited.
func (r *Runner) runStage(ctx context.Context, jobID, stageName string, input map[string]any) (map[string]any, error) {
	timeout := r.watchdog.WatchdogFor(stageName)
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(r.workerPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stageworker stdin: %w", err)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting stageworker: %w", err)
	}

	req := stage.Request{Stage: stageName, JobID: jobID, Input: input}
	writer := bufio.NewWriter(stdin)
	if err := stage.WriteFrame(writer, req); err != nil {
		killProcessGroup(cmd)
		return nil, fmt.Errorf("writing stage request: %w", err)
	}
	stdin.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			if waitErr != nil {
				return nil, fmt.Errorf("stageworker exited with error: %w (stderr: %s)", waitErr, stderr.String())
			}
			var resp stage.Response
			if err := stage.ReadFrame(bufio.NewReader(&stdout), &resp); err != nil {
				return nil, fmt.Errorf("reading stage response: %w (stderr: %s)", err, stderr.String())
			}
			if !resp.OK {
				return nil, fmt.Errorf("stage %s reported failure: %s", stageName, resp.Error)
			}
			return resp.Value, nil

		case <-stageCtx.Done():
			log.WithFields(log.Fields{"job_id": jobID, "stage": stageName}).Warn("stage watchdog timeout, sending SIGTERM")
			killProcessGroup(cmd)
			select {
			case <-done:
			case <-time.After(killGrace):
				log.WithFields(log.Fields{"job_id": jobID, "stage": stageName}).Error("stage did not exit after SIGTERM, sending SIGKILL")
				forceKillProcessGroup(cmd)
				<-done
			}
			return nil, fmt.Errorf("stage %s exceeded watchdog timeout of %s", stageName, timeout)

		case <-ticker.C:
			if r.isCanceled(jobID) {
				log.WithFields(log.Fields{"job_id": jobID, "stage": stageName}).Info("job canceled mid-stage, terminating stage process")
				killProcessGroup(cmd)
				select {
				case <-done:
				case <-time.After(killGrace):
					forceKillProcessGroup(cmd)
					<-done
				}
				return nil, fmt.Errorf("job %s canceled during stage %s", jobID, stageName)
			}
		}
	}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func forceKillProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// RecoverAfterRestart scans for jobs left RUNNING or QUEUED by a prior
// process that crashed or was killed, and requeues them with a
// user-visible note rather than silently losing track of them.
func RecoverAfterRestart(st *store.Store) (int, error) {
	recovered := 0
	// Collect both states before updating, so a job just moved from
	// Running to Queued is not listed and counted a second time.
	var pending []*store.Job
	for _, state := range []store.JobState{store.JobRunning, store.JobQueued} {
		jobs, err := st.ListJobsByState(state)
		if err != nil {
			return recovered, fmt.Errorf("listing jobs in state %s: %w", state, err)
		}
		pending = append(pending, jobs...)
	}
	for _, j := range pending {
		_, err := st.UpdateJob(j.ID, func(job *store.Job) error {
			job.State = store.JobQueued
			job.Message = "Recovered after restart"
			return nil
		})
		if err != nil {
			return recovered, fmt.Errorf("recovering job %s: %w", j.ID, err)
		}
		recovered++
	}
	return recovered, nil
}
