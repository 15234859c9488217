// Command dubproc is the orchestrator's composition root: it opens the
// durable store, wires auth/scheduler/runner/gateway, starts the
// background admission and retention loops, and serves the HTTP API
// behind graceful shutdown, the way stream_gateway/main.go wires its
// own services together.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"dubproc/internal/auth"
	"dubproc/internal/config"
	"dubproc/internal/egress"
	"dubproc/internal/gateway"
	"dubproc/internal/library"
	"dubproc/internal/notify"
	"dubproc/internal/obs"
	"dubproc/internal/queue"
	"dubproc/internal/retention"
	"dubproc/internal/runner"
	"dubproc/internal/scheduler"
	"dubproc/internal/storage"
	"dubproc/internal/store"
	"dubproc/internal/upload"
)

func main() {
	cfg := config.Load()
	logger := obs.NewLogger(cfg.LogLevel)

	logger.WithFields(log.Fields{
		"port":       cfg.Port,
		"queue_mode": cfg.QueueMode,
		"app_root":   cfg.AppRoot,
	}).Info("starting dubproc")

	for _, dir := range []string{cfg.OutDir, cfg.InputDir, cfg.LogDir, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.WithError(err).WithField("dir", dir).Fatal("failed to create required directory")
		}
	}

	st, err := store.Open(cfg.StateDir)
	if err != nil {
		logger.WithError(err).Fatal("failed to open durable store")
	}
	defer st.Close()

	if recovered, err := runner.RecoverAfterRestart(st); err != nil {
		logger.WithError(err).Fatal("failed to recover jobs after restart")
	} else if recovered > 0 {
		logger.WithField("count", recovered).Warn("requeued jobs left running or queued by a prior process")
	}

	bootstrapAdmin(st, cfg, logger)

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	auditLog, err := obs.NewAuditLog(filepath.Join(cfg.LogDir, "audit"))
	if err != nil {
		logger.WithError(err).Fatal("failed to open audit log")
	}
	defer auditLog.Close()

	tokens := auth.NewTokenIssuer(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute, time.Duration(cfg.RefreshTokenDays)*24*time.Hour)
	refresh := auth.NewRefreshService(st, tokens)
	limiter := auth.NewRateLimiter(5, 20)

	sessionTTL := time.Duration(cfg.RefreshTokenDays) * 24 * time.Hour

	// Cookie sessions are an auth concern, not a queue concern: every
	// deployment gets a session store. The in-memory one is replaced by
	// the Redis-backed implementation only when the distributed queue is
	// configured and reachable, so sessions survive restarts and span
	// instances there.
	var sessions auth.SessionStore = auth.NewMemorySessionStore(sessionTTL)
	var dq *queue.Queue
	if cfg.QueueMode == "redis" || cfg.QueueMode == "auto" {
		q, err := queue.New(cfg.RedisURL,
			time.Duration(cfg.RedisLockTTLMS)*time.Millisecond,
			time.Duration(cfg.RedisLockRefreshMS)*time.Millisecond,
			cfg.MaxConcurrencyPerUser, logger)
		if err != nil && cfg.QueueMode == "redis" {
			logger.WithError(err).Fatal("distributed queue required but unavailable")
		}
		if err == nil {
			dq = q
			defer dq.Close()
			if dq.Status() {
				sessions = queue.NewSessionStore(dq, sessionTTL)
			} else {
				logger.Warn("distributed queue degraded at startup, falling back to local scheduling")
			}
		}
	}

	resolver := auth.NewResolver(st, tokens, sessions)

	sched := scheduler.New(scheduler.Limits{
		Global:  cfg.MaxConcurrencyGlobal,
		PerUser: cfg.MaxConcurrencyPerUser,
		PerResource: map[scheduler.Resource]int{
			scheduler.ResourceASR: cfg.MaxConcurrencyTranscribe,
			scheduler.ResourceTTS: cfg.MaxConcurrencyTTS,
			scheduler.ResourceGPU: cfg.MaxConcurrencyGPU,
		},
	}, 30*time.Second)

	backend, err := newStorageBackend(cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize storage backend")
	}

	uploads, err := upload.New(st, cfg.InputDir)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize upload service")
	}

	lib := library.New(st)

	egressPolicy := egress.NewPolicy(cfg.AllowEgress, cfg.AllowHFEgress)
	notifier := notify.New(egressPolicy.HTTPClient(10*time.Second), cfg.NtfyBaseURL, cfg.NtfyTopic, cfg.NtfyEnabled && !cfg.OfflineMode, auditLog)

	workerPath, err := os.Executable()
	if err != nil {
		logger.WithError(err).Fatal("failed to resolve own executable path")
	}
	workerPath = filepath.Join(filepath.Dir(workerPath), "stageworker")

	run := runner.New(st, metrics, cfg, workerPath)

	retentionCfg := retention.Config{
		OutputRoot:        cfg.OutDir,
		UploadsRoot:       cfg.InputDir,
		LogsRoot:          cfg.LogDir,
		MinFreeGB:         cfg.MinFreeGB,
		UploadTTLHours:    cfg.RetentionUploadTTLHours,
		JobArtifactDays:   cfg.RetentionJobArtifactDays,
		LogDays:           cfg.RetentionLogDays,
		WorkStaleMaxHours: cfg.WorkStaleMaxHours,
	}
	retentionSvc := retention.New(st, retentionCfg)

	gw := gateway.New(gateway.Deps{
		Store:        st,
		Resolver:     resolver,
		Tokens:       tokens,
		Refresh:      refresh,
		Sessions:     sessions,
		Limiter:      limiter,
		Scheduler:    sched,
		Queue:        dq,
		Runner:       run,
		Backend:      backend,
		Library:      lib,
		Uploads:      uploads,
		Audit:        auditLog,
		Metrics:      metrics,
		Retention:    retentionSvc,
		Quotas:       retention.DefaultQuotas,
		OutputRoot:   cfg.OutDir,
		CookieSecure: cfg.CookieSecure,
	})

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	gw.RegisterRoutes(router.Group("/api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runAdmissionLoop(ctx, sched, dq, st, run, metrics, notifier, logger)
	go runRetentionLoop(ctx, retentionSvc, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("dubproc listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.WithField("signal", sig.String()).Info("shutting down dubproc")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}
	logger.Info("dubproc stopped")
}

// bootstrapAdmin ensures an admin account exists when ADMIN_PASSWORD is
// set and no users are registered yet, so a fresh deployment isn't
// stranded without a way to log in.
func bootstrapAdmin(st *store.Store, cfg *config.Config, logger *log.Logger) {
	if cfg.AdminPassword == "" {
		return
	}
	users, err := st.ListUsers()
	if err != nil {
		logger.WithError(err).Fatal("failed to check for existing users")
	}
	if len(users) > 0 {
		return
	}
	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		logger.WithError(err).Fatal("failed to hash bootstrap admin password")
	}
	if err := st.PutUser(&store.User{
		Username:     cfg.AdminUsername,
		PasswordHash: hash,
		Role:         store.RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		logger.WithError(err).Fatal("failed to create bootstrap admin")
	}
	logger.WithField("username", cfg.AdminUsername).Info("created bootstrap admin account")
}

func newStorageBackend(cfg *config.Config) (storage.Backend, error) {
	if cfg.StorageBackend == "s3" {
		return storage.NewMinio(context.Background(), cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	return storage.NewLocal(cfg.OutDir)
}

// runAdmissionLoop polls the scheduler (or the distributed queue, when
// healthy) for the next ticket to admit and dispatches it to the runner
// in its own goroutine, the way the pipeline is meant to drain tickets
// concurrently up to each resource's configured concurrency cap.
func runAdmissionLoop(ctx context.Context, sched *scheduler.Scheduler, dq *queue.Queue, st *store.Store, run *runner.Runner, metrics *obs.Metrics, notifier *notify.Notifier, logger *log.Logger) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dq != nil && dq.Status() {
				admitFromQueue(ctx, dq, st, run, metrics, notifier, logger)
				continue
			}
			admitFromScheduler(ctx, sched, st, run, metrics, notifier, logger)
		}
	}
}

func admitFromScheduler(ctx context.Context, sched *scheduler.Scheduler, st *store.Store, run *runner.Runner, metrics *obs.Metrics, notifier *notify.Notifier, logger *log.Logger) {
	ticket := sched.TryAdmitNext()
	if ticket == nil {
		return
	}
	dispatch(ctx, ticket.JobID, st, run, metrics, notifier, logger, func() { sched.Release(ticket) })
}

// queueHolder identifies this process as a lock holder in the
// distributed queue.
var queueHolder = "dubproc-" + fmt.Sprintf("%d", os.Getpid())

func admitFromQueue(ctx context.Context, dq *queue.Queue, st *store.Store, run *runner.Runner, metrics *obs.Metrics, notifier *notify.Notifier, logger *log.Logger) {
	for _, resource := range []string{"asr", "tts", "gpu"} {
		jobID, ok, err := dq.Claim(ctx, resource, queueHolder)
		if err != nil {
			logger.WithError(err).Warn("distributed queue claim failed")
			continue
		}
		if !ok {
			continue
		}

		job, err := st.GetJob(jobID)
		if err != nil {
			logger.WithError(err).WithField("job_id", jobID).Warn("claimed job not found in store")
			releaseQueueLock(dq, jobID, logger)
			continue
		}

		// Cluster-wide per-user cap: a refused job goes back on the
		// queue for a later attempt rather than being dropped.
		allowed, err := dq.BeforeJobRun(ctx, job.OwnerID, jobID)
		if err != nil {
			logger.WithError(err).WithField("job_id", jobID).Warn("distributed queue before-run check failed")
		}
		if err != nil || !allowed {
			if reqErr := dq.Requeue(ctx, jobID, resource); reqErr != nil {
				logger.WithError(reqErr).WithField("job_id", jobID).Warn("failed to requeue refused job")
			}
			releaseQueueLock(dq, jobID, logger)
			continue
		}

		// The lock outlives its TTL only while this heartbeat runs;
		// cancellation of hbCtx stops refreshing and lets it lapse.
		hbCtx, hbCancel := context.WithCancel(ctx)
		go heartbeatQueueLock(hbCtx, dq, jobID, logger)

		ownerID := job.OwnerID
		dispatch(ctx, jobID, st, run, metrics, notifier, logger, func() {
			hbCancel()
			finalizeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := dq.AfterJobRun(finalizeCtx, ownerID, jobID); err != nil {
				logger.WithError(err).WithField("job_id", jobID).Warn("failed to release per-user queue slot")
			}
			if err := dq.Release(finalizeCtx, jobID, queueHolder); err != nil {
				logger.WithError(err).WithField("job_id", jobID).Warn("failed to release distributed queue lock")
			}
		})
	}
}

func releaseQueueLock(dq *queue.Queue, jobID string, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dq.Release(ctx, jobID, queueHolder); err != nil {
		logger.WithError(err).WithField("job_id", jobID).Warn("failed to release distributed queue lock")
	}
}

// heartbeatQueueLock refreshes a claimed job's lock on the configured
// interval until ctx is canceled, so a long-running job's lock never
// lapses mid-run and gets re-claimed by another instance.
func heartbeatQueueLock(ctx context.Context, dq *queue.Queue, jobID string, logger *log.Logger) {
	ticker := time.NewTicker(dq.RefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := dq.Heartbeat(ctx, jobID, queueHolder); err != nil {
				logger.WithError(err).WithField("job_id", jobID).Warn("distributed queue heartbeat failed")
			}
		}
	}
}

func dispatch(ctx context.Context, jobID string, st *store.Store, run *runner.Runner, metrics *obs.Metrics, notifier *notify.Notifier, logger *log.Logger, release func()) {
	job, err := st.GetJob(jobID)
	if err != nil {
		logger.WithError(err).WithField("job_id", jobID).Warn("admitted job not found in store")
		release()
		return
	}
	metrics.JobsQueuedTotal.Inc()
	go func() {
		defer release()
		if err := run.Run(ctx, job); err != nil {
			logger.WithError(err).WithField("job_id", jobID).Warn("job run ended in error")
		}
		notifyOutcome(ctx, st, notifier, jobID, logger)
	}()
}

// notifyOutcome reads the job's final state back from the store and
// fires the matching notification: done, needs-attention (done but
// degraded), or failed. Cancellation is user-initiated and not notified.
func notifyOutcome(ctx context.Context, st *store.Store, notifier *notify.Notifier, jobID string, logger *log.Logger) {
	job, err := st.GetJob(jobID)
	if err != nil {
		logger.WithError(err).WithField("job_id", jobID).Warn("finished job not found for notification")
		return
	}
	switch job.State {
	case store.JobDone:
		if reasons := degradedReasons(job); len(reasons) > 0 {
			notifier.NeedsAttention(ctx, job, reasons)
			return
		}
		notifier.JobDone(ctx, job)
	case store.JobFailed:
		notifier.JobFailed(ctx, job)
	}
}

func degradedReasons(job *store.Job) []string {
	raw, ok := job.Runtime["degraded_reasons"]
	if !ok {
		return nil
	}
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
	default:
		return nil
	}
}

// runRetentionLoop runs the retention sweep immediately at startup, then
// every six hours, logging but not crashing on failure since
// a failed sweep just means stale data survives one more cycle.
func runRetentionLoop(ctx context.Context, svc *retention.Service, logger *log.Logger) {
	sweep := func() {
		if _, err := svc.Sweep(); err != nil {
			logger.WithError(err).Warn("retention sweep failed")
		}
	}
	sweep()

	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func requestLogger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		entry := logger.WithFields(log.Fields{
			"status":  status,
			"method":  c.Request.Method,
			"path":    path,
			"latency": latency.String(),
			"ip":      c.ClientIP(),
		})
		switch {
		case status >= 500:
			entry.Error("server error")
		case status >= 400:
			entry.Warn("client error")
		default:
			entry.Info("request")
		}
	}
}
