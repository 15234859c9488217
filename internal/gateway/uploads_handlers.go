package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dubproc/internal/obs"
	"dubproc/internal/retention"
	"dubproc/internal/store"
	"dubproc/internal/upload"
)

// InitUploadRequest is the JSON body for POST /uploads.
type InitUploadRequest struct {
	Filename   string `json:"filename" binding:"required"`
	TotalBytes int64  `json:"total_bytes" binding:"required"`
	ChunkBytes int64  `json:"chunk_bytes" binding:"required"`
}

// InitUpload handles POST /uploads.
func (g *Gateway) InitUpload(c *gin.Context) {
	id := identityFrom(c)
	var req InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	if g.retention != nil {
		if err := g.retention.CheckUploadQuota(id.UserID, req.TotalBytes, g.quotas); err != nil {
			status := http.StatusRequestEntityTooLarge
			var quotaErr *retention.ErrQuotaExceeded
			if !errors.As(err, &quotaErr) {
				status = http.StatusInternalServerError
			}
			g.auditEmit(obs.AuditEvent{Event: obs.EventUploadInit, Outcome: obs.OutcomeFailure, UserID: id.UserID}, "")
			c.JSON(status, ErrorResponse{Error: err.Error()})
			return
		}
	}

	u, err := g.uploads.Init(id.UserID, req.Filename, req.TotalBytes, req.ChunkBytes)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	g.auditEmit(obs.AuditEvent{Event: obs.EventUploadInit, Outcome: obs.OutcomeSuccess, UserID: id.UserID, ResourceID: u.ID}, "")
	c.JSON(http.StatusCreated, u)
}

// PutChunk handles PUT /uploads/:id/chunk?index=&offset=, with the
// chunk's declared SHA-256 in the X-Chunk-Sha256 header and the raw
// bytes as the request body.
func (g *Gateway) PutChunk(c *gin.Context) {
	uploadID := c.Param("id")
	if !g.chunkLimiter.Allow(uploadID) {
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "chunk rate limit exceeded"})
		return
	}
	u, err := g.uploads.Status(uploadID)
	if err != nil {
		c.JSON(statusForStoreErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	id := identityFrom(c)
	if u.OwnerID != id.UserID {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "upload session belongs to another user"})
		return
	}

	index, err := strconv.Atoi(c.Query("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "index must be an integer"})
		return
	}
	offset, err := strconv.ParseInt(c.Query("offset"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "offset must be an integer"})
		return
	}
	declared := c.GetHeader("X-Chunk-Sha256")
	if declared == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "X-Chunk-Sha256 header is required"})
		return
	}

	updated, err := g.uploads.PutChunk(uploadID, index, offset, declared, c.Request.Body)
	if err != nil {
		c.JSON(statusForUploadErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// CompleteUpload handles POST /uploads/:id/complete.
func (g *Gateway) CompleteUpload(c *gin.Context) {
	uploadID := c.Param("id")
	u, err := g.uploads.Status(uploadID)
	if err != nil {
		c.JSON(statusForStoreErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	id := identityFrom(c)
	if u.OwnerID != id.UserID {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "upload session belongs to another user"})
		return
	}

	done, err := g.uploads.Complete(uploadID)
	if err != nil {
		c.JSON(statusForUploadErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	g.auditEmit(obs.AuditEvent{Event: obs.EventUploadComplete, Outcome: obs.OutcomeSuccess, UserID: id.UserID, ResourceID: done.ID}, "")
	c.JSON(http.StatusOK, done)
}

// UploadStatus handles GET /uploads/:id.
func (g *Gateway) UploadStatus(c *gin.Context) {
	id := identityFrom(c)
	u, err := g.uploads.Status(c.Param("id"))
	if err != nil {
		c.JSON(statusForStoreErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	if u.OwnerID != id.UserID {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "upload session belongs to another user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"upload":              u,
		"next_expected_chunk": u.NextExpectedChunk(),
		"total_chunks":        u.TotalChunks(),
	})
}

func statusForUploadErr(err error) int {
	switch err {
	case upload.ErrIncomplete, upload.ErrInvalidFilename:
		return http.StatusBadRequest
	case upload.ErrChecksumMismatch, upload.ErrOutOfOrder, upload.ErrChunkSize, upload.ErrAlreadyCompleted:
		return http.StatusConflict
	case store.ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
