package gateway

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"dubproc/internal/auth"
	"dubproc/internal/library"
	"dubproc/internal/obs"
	"dubproc/internal/queue"
	"dubproc/internal/scheduler"
	"dubproc/internal/store"
)

// SubmitJobRequest is the JSON body for POST /jobs.
type SubmitJobRequest struct {
	VideoPath   string          `json:"video_path" binding:"required"`
	Mode        store.Mode      `json:"mode"`
	Device      store.Device    `json:"device"`
	SrcLang     string          `json:"src_lang" binding:"required"`
	TgtLang     string          `json:"tgt_lang" binding:"required"`
	SeriesTitle string          `json:"series_title"`
	Season      int             `json:"season"`
	Episode     int             `json:"episode"`
	Visibility  store.Visibility `json:"visibility"`
	Priority    int             `json:"priority"`
}

// SubmitJob handles POST /jobs: it persists a new job record in the
// queued state and admits a ticket onto the in-process scheduler (or
// the distributed queue, when configured).
func (g *Gateway) SubmitJob(c *gin.Context) {
	id := identityFrom(c)
	if !id.HasScope(store.ScopeSubmitJob) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: auth.ErrForbidden.Error()})
		return
	}

	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.Mode == "" {
		req.Mode = store.ModeMedium
	}
	if req.Device == "" {
		req.Device = store.DeviceAuto
	}
	if req.Visibility == "" {
		req.Visibility = store.VisibilityPrivate
	}

	if g.retention != nil {
		if err := g.retention.CheckJobQuota(id.UserID, g.quotas); err != nil {
			c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: err.Error()})
			return
		}
		if err := g.retention.CheckDiskGuard(); err != nil {
			c.JSON(http.StatusInsufficientStorage, ErrorResponse{Error: err.Error()})
			return
		}
	}

	now := time.Now().UTC()
	jobID := uuid.NewString()
	jobRoot := filepath.Join(g.outRoot, "jobs", jobID)
	job := &store.Job{
		ID:          jobID,
		OwnerID:     id.UserID,
		VideoPath:   req.VideoPath,
		Mode:        req.Mode,
		Device:      req.Device,
		SrcLang:     req.SrcLang,
		TgtLang:     req.TgtLang,
		SeriesTitle: req.SeriesTitle,
		SeriesSlug:  library.Slugify(req.SeriesTitle),
		Season:      req.Season,
		Episode:     req.Episode,
		Visibility:  req.Visibility,
		State:       store.JobQueued,
		WorkDir:     filepath.Join(jobRoot, "work"),
		LogPath:     filepath.Join(jobRoot, "logs", "pipeline.log"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.PutJob(job); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if job.SeriesSlug != "" {
		if err := g.library.IndexJob(job); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
			return
		}
	}

	g.enqueueTicket(c.Request.Context(), job, req.Priority)

	g.auditEmit(obs.AuditEvent{Event: obs.EventJobCreate, Outcome: obs.OutcomeSuccess, UserID: id.UserID, ResourceID: job.ID}, job.LogPath)
	c.JSON(http.StatusCreated, job)
}

// enqueueTicket routes an admission ticket to the distributed queue
// when it's configured and healthy, falling back to the in-process
// scheduler otherwise (and on a failed remote submit).
func (g *Gateway) enqueueTicket(ctx context.Context, job *store.Job, priority int) {
	resource := scheduler.ResourceFor(job.Mode, job.Device)
	if g.dq != nil && g.dq.Status() {
		err := g.dq.Submit(ctx, queue.Ticket{
			JobID:    job.ID,
			OwnerID:  job.OwnerID,
			Priority: priority,
			Resource: string(resource),
		})
		if err == nil {
			return
		}
		log.WithError(err).WithField("job_id", job.ID).Warn("distributed submit failed, falling back to local scheduler")
	}
	g.sched.Submit(&scheduler.Ticket{
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		Priority: priority,
		Resource: resource,
	})
}

// cancelFanout propagates a cancel cluster-wide when the distributed
// queue is active, so an instance other than this one running the job
// observes it.
func (g *Gateway) cancelFanout(ctx context.Context, job *store.Job) {
	if g.dq == nil {
		return
	}
	resource := string(scheduler.ResourceFor(job.Mode, job.Device))
	if err := g.dq.CancelFanout(ctx, resource, job.ID); err != nil {
		log.WithError(err).WithField("job_id", job.ID).Warn("distributed cancel fanout failed")
	}
}

// GetJob handles GET /jobs/:id.
func (g *Gateway) GetJob(c *gin.Context) {
	id := identityFrom(c)
	job, err := g.store.GetJob(c.Param("id"))
	if err != nil {
		c.JSON(statusForStoreErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	if !auth.CanView(id.UserID, id.Role, job.OwnerID, job.Visibility) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: auth.ErrForbidden.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /jobs?state&q&limit&offset: the caller's jobs,
// optionally filtered by state and a series-title substring, paginated.
func (g *Gateway) ListJobs(c *gin.Context) {
	id := identityFrom(c)
	jobs, err := g.store.ListJobs(id.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	if state := c.Query("state"); state != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.State == store.JobState(state) {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if q := strings.ToLower(c.Query("q")); q != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if strings.Contains(strings.ToLower(j.SeriesTitle), q) || strings.Contains(j.SeriesSlug, q) {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset > len(jobs) {
		offset = len(jobs)
	}
	end := offset + limit
	if end > len(jobs) {
		end = len(jobs)
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs[offset:end], "total": len(jobs)})
}

// CancelJob handles POST /jobs/:id/cancel.
func (g *Gateway) CancelJob(c *gin.Context) {
	id := identityFrom(c)
	job, err := g.store.GetJob(c.Param("id"))
	if err != nil {
		c.JSON(statusForStoreErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	if !auth.CanEdit(id.UserID, id.Role, job.OwnerID) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: auth.ErrForbidden.Error()})
		return
	}

	g.sched.Drop(job.ID)
	if g.runner != nil {
		g.runner.Cancel(job.ID)
	}
	g.cancelFanout(c.Request.Context(), job)
	updated, err := g.store.UpdateJob(job.ID, func(j *store.Job) error {
		if j.State == store.JobDone || j.State == store.JobFailed {
			return nil
		}
		j.State = store.JobCanceled
		j.Message = "canceled by user"
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	g.auditEmit(obs.AuditEvent{Event: obs.EventJobCancel, Outcome: obs.OutcomeSuccess, UserID: id.UserID, ResourceID: job.ID}, job.LogPath)
	c.JSON(http.StatusOK, updated)
}

// ReprioritizeJobRequest is the JSON body for POST /jobs/:id/reprioritize.
type ReprioritizeJobRequest struct {
	Priority int `json:"priority" binding:"required"`
}

// ReprioritizeJob handles POST /jobs/:id/reprioritize.
func (g *Gateway) ReprioritizeJob(c *gin.Context) {
	id := identityFrom(c)
	job, err := g.store.GetJob(c.Param("id"))
	if err != nil {
		c.JSON(statusForStoreErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	if !auth.CanEdit(id.UserID, id.Role, job.OwnerID) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: auth.ErrForbidden.Error()})
		return
	}

	var req ReprioritizeJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if !g.sched.Reprioritize(job.ID, req.Priority) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "job is not pending admission"})
		return
	}
	g.auditEmit(obs.AuditEvent{Event: obs.EventJobPriority, Outcome: obs.OutcomeSuccess, UserID: id.UserID, ResourceID: job.ID}, job.LogPath)
	c.JSON(http.StatusOK, gin.H{"status": "reprioritized"})
}

// DeleteJob handles DELETE /jobs/:id.
func (g *Gateway) DeleteJob(c *gin.Context) {
	id := identityFrom(c)
	job, err := g.store.GetJob(c.Param("id"))
	if err != nil {
		c.JSON(statusForStoreErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	if !auth.CanEdit(id.UserID, id.Role, job.OwnerID) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: auth.ErrForbidden.Error()})
		return
	}
	if job.State == store.JobRunning || job.State == store.JobQueued {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "cannot delete an active job, cancel it first"})
		return
	}

	if err := g.store.DeleteLibraryEntry(job.ID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if err := g.store.DeleteJob(job.ID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	g.removeJobArtifacts(job)
	g.auditEmit(obs.AuditEvent{Event: obs.EventJobDelete, Outcome: obs.OutcomeSuccess, UserID: id.UserID, ResourceID: job.ID}, "")
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// removeJobArtifacts best-effort deletes a deleted job's on-disk tree.
// Only paths that resolve under the output root are removed; anything
// outside it is refused outright rather than cascaded.
func (g *Gateway) removeJobArtifacts(job *store.Job) {
	if g.outRoot == "" {
		return
	}
	jobRoot := filepath.Join(g.outRoot, "jobs", job.ID)
	for _, dir := range []string{jobRoot, job.WorkDir} {
		if dir == "" {
			continue
		}
		rel, err := filepath.Rel(g.outRoot, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			log.WithField("path", dir).Warn("refusing to delete artifact path outside output root")
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).WithField("path", dir).Warn("failed to delete job artifacts")
		}
	}
}
