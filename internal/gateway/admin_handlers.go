package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dubproc/internal/obs"
	"dubproc/internal/store"
)

// AdminQueue handles GET /admin/queue: the scheduler's pending tickets
// in admission order, the current admission counters, and whether the
// distributed queue is live or fallen back to local scheduling.
func (g *Gateway) AdminQueue(c *gin.Context) {
	id := identityFrom(c)

	state := g.sched.State()
	tickets := g.sched.SnapshotQueue()
	queued := make([]gin.H, 0, len(tickets))
	for _, t := range tickets {
		queued = append(queued, gin.H{
			"job_id":      t.JobID,
			"owner_id":    t.OwnerID,
			"priority":    t.Priority,
			"resource":    string(t.Resource),
			"enqueued_at": t.EnqueuedAt,
		})
	}

	mode := "local"
	if g.dq != nil {
		if g.dq.Status() {
			mode = "redis"
		} else {
			mode = "fallback"
		}
	}

	g.auditEmit(obs.AuditEvent{Event: obs.EventAdminQueueView, Outcome: obs.OutcomeSuccess, UserID: id.UserID}, "")
	c.JSON(http.StatusOK, gin.H{
		"mode":             mode,
		"pending":          queued,
		"admitted_total":   state.AdmittedTotal,
		"admitted_by_user": state.AdmittedByUser,
		"admitted_by_res":  state.AdmittedByRes,
	})
}

// AdminSetJobPriority handles POST /admin/jobs/:id/priority.
func (g *Gateway) AdminSetJobPriority(c *gin.Context) {
	id := identityFrom(c)
	var req ReprioritizeJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	jobID := c.Param("id")
	if !g.sched.Reprioritize(jobID, req.Priority) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "job is not pending admission"})
		return
	}
	g.auditEmit(obs.AuditEvent{Event: obs.EventAdminJobPriority, Outcome: obs.OutcomeSuccess, UserID: id.UserID, ResourceID: jobID,
		Meta: map[string]any{"priority": req.Priority}}, "")
	c.JSON(http.StatusOK, gin.H{"status": "reprioritized"})
}

// AdminCancelJob handles POST /admin/jobs/:id/cancel: same transition
// as the owner-facing cancel, but available to any admin and audited
// under the admin event.
func (g *Gateway) AdminCancelJob(c *gin.Context) {
	id := identityFrom(c)
	job, err := g.store.GetJob(c.Param("id"))
	if err != nil {
		c.JSON(statusForStoreErr(err), ErrorResponse{Error: err.Error()})
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
		j.Message = "canceled by admin"
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	g.auditEmit(obs.AuditEvent{Event: obs.EventAdminJobCancel, Outcome: obs.OutcomeSuccess, UserID: id.UserID, ResourceID: job.ID}, job.LogPath)
	c.JSON(http.StatusOK, updated)
}

// AdminSetJobVisibility handles POST /admin/jobs/:id/visibility.
func (g *Gateway) AdminSetJobVisibility(c *gin.Context) {
	id := identityFrom(c)
	g.setVisibility(c, id, obs.EventAdminVisibility)
}

// AdminListUsers handles GET /admin/users.
func (g *Gateway) AdminListUsers(c *gin.Context) {
	users, err := g.store.ListUsers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, users)
}

// AdminCreateInviteRequest is the JSON body for POST /admin/invites.
type AdminCreateInviteRequest struct {
	TTLHours int `json:"ttl_hours"`
}

// AdminCreateInvite handles POST /admin/invites: mints a single-use
// invite token, returning the raw token once (only its hash is
// persisted).
func (g *Gateway) AdminCreateInvite(c *gin.Context) {
	id := identityFrom(c)
	var req AdminCreateInviteRequest
	_ = c.ShouldBindJSON(&req)
	if req.TTLHours <= 0 {
		req.TTLHours = 72
	}

	token := uuid.NewString()
	inv := &store.Invite{
		TokenHash: sha256Hex(token),
		CreatedBy: id.UserID,
		ExpiresAt: time.Now().Add(time.Duration(req.TTLHours) * time.Hour),
		CreatedAt: time.Now(),
	}
	if err := g.store.PutInvite(inv); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	g.auditEmit(obs.AuditEvent{Event: obs.EventAdminInviteCreate, Outcome: obs.OutcomeSuccess, UserID: id.UserID}, "")
	c.JSON(http.StatusCreated, gin.H{"invite_token": token, "expires_at": inv.ExpiresAt})
}
