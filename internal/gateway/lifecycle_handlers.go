package gateway

import (
	"bufio"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"dubproc/internal/auth"
	"dubproc/internal/obs"
	"dubproc/internal/store"
)

// PauseJob handles POST /jobs/:id/pause: a queued job is parked so the
// scheduler stops considering it. Only QUEUED jobs can be paused.
func (g *Gateway) PauseJob(c *gin.Context) {
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
	if job.State != store.JobQueued {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "only queued jobs can be paused"})
		return
	}

	g.sched.Drop(job.ID)
	g.cancelFanout(c.Request.Context(), job)
	updated, err := g.store.UpdateJob(job.ID, func(j *store.Job) error {
		j.State = store.JobPaused
		j.Message = "paused by user"
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// ResumeJob handles POST /jobs/:id/resume: a paused job re-enters the
// admission queue. Only PAUSED jobs can be resumed.
func (g *Gateway) ResumeJob(c *gin.Context) {
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
	if job.State != store.JobPaused {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "only paused jobs can be resumed"})
		return
	}

	updated, err := g.store.UpdateJob(job.ID, func(j *store.Job) error {
		j.State = store.JobQueued
		j.Message = "resumed by user"
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	g.enqueueTicket(c.Request.Context(), job, 0)
	c.JSON(http.StatusOK, updated)
}

// SetVisibilityRequest is the JSON body for POST /jobs/:id/visibility.
type SetVisibilityRequest struct {
	Visibility store.Visibility `json:"visibility" binding:"required"`
}

// SetJobVisibility handles POST /jobs/:id/visibility: the owner or an
// admin flips a job between private and shared, and the library index
// row follows.
func (g *Gateway) SetJobVisibility(c *gin.Context) {
	id := identityFrom(c)
	g.setVisibility(c, id, obs.EventJobVisibility)
}

func (g *Gateway) setVisibility(c *gin.Context, id auth.Identity, auditEvent string) {
	job, err := g.store.GetJob(c.Param("id"))
	if err != nil {
		c.JSON(statusForStoreErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	if !auth.CanEdit(id.UserID, id.Role, job.OwnerID) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: auth.ErrForbidden.Error()})
		return
	}

	var req SetVisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if req.Visibility != store.VisibilityPrivate && req.Visibility != store.VisibilityShared {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "visibility must be private or shared"})
		return
	}

	updated, err := g.store.UpdateJob(job.ID, func(j *store.Job) error {
		j.Visibility = req.Visibility
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if updated.SeriesSlug != "" {
		if err := g.library.IndexJob(updated); err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
			return
		}
	}
	g.auditEmit(obs.AuditEvent{Event: auditEvent, Outcome: obs.OutcomeSuccess, UserID: id.UserID, ResourceID: job.ID,
		Meta: map[string]any{"visibility": string(req.Visibility)}}, job.LogPath)
	c.JSON(http.StatusOK, updated)
}

// JobFiles handles GET /jobs/:id/files: the URL map of the job's
// playable artifacts under /api/files, keyed by artifact kind. Only
// outputs that exist on the backend are listed.
func (g *Gateway) JobFiles(c *gin.Context) {
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

	urls := map[string]string{}
	for kind, path := range map[string]string{
		"master": job.OutputMKV,
		"subs":   job.OutputSRT,
	} {
		key := g.fileKey(path)
		if key == "" {
			continue
		}
		if exists, err := g.backend.Exists(c.Request.Context(), key); err == nil && exists {
			urls[kind] = "/api/files/" + key
		}
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "urls": urls})
}

// fileKey rewrites an absolute artifact path into a backend key relative
// to the output root, or "" when the path is empty or escapes the root.
func (g *Gateway) fileKey(path string) string {
	if path == "" || g.outRoot == "" {
		return ""
	}
	rel, err := filepath.Rel(g.outRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

// JobLogsTail handles GET /jobs/:id/logs/tail?n=: the last n lines of
// the job's pipeline log, capped to keep responses bounded.
func (g *Gateway) JobLogsTail(c *gin.Context) {
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

	n := 100
	if raw := c.Query("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if n > 2000 {
		n = 2000
	}

	lines, err := tailLines(job.LogPath, n)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, gin.H{"lines": []string{}})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// JobLogsStream handles GET /jobs/:id/logs/stream: Server-Sent Events
// following the job's pipeline log until the client disconnects or the
// job reaches a terminal state.
func (g *Gateway) JobLogsStream(c *gin.Context) {
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

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	var offset int64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		lines, newOffset, err := readFrom(job.LogPath, offset)
		if err != nil && !os.IsNotExist(err) {
			return
		}
		offset = newOffset
		for _, line := range lines {
			c.SSEvent("log", line)
		}
		if len(lines) > 0 {
			c.Writer.Flush()
		}

		current, err := g.store.GetJob(job.ID)
		terminal := err == nil && (current.State == store.JobDone || current.State == store.JobFailed || current.State == store.JobCanceled)

		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}
		if terminal {
			// One final drain already happened above; close the stream.
			c.SSEvent("state", string(current.State))
			c.Writer.Flush()
			return
		}
	}
}

// tailLines reads the last n lines of path without loading unbounded
// history: it scans the whole file but retains only a rolling window.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	window := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(window) == n {
			copy(window, window[1:])
			window = window[:n-1]
		}
		window = append(window, scanner.Text())
	}
	return window, scanner.Err()
}

// readFrom returns the complete lines appended to path since offset and
// the new offset to resume from.
func readFrom(path string, offset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, err
	}
	var lines []string
	pos := offset
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A trailing line without its newline is left for the next call.
			if err == io.EOF {
				err = nil
			}
			return lines, pos, err
		}
		pos += int64(len(line))
		lines = append(lines, strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
	}
}
