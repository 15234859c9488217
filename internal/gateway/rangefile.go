package gateway

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"dubproc/internal/auth"
	"dubproc/internal/obs"
)

// ServeFile handles GET/HEAD /files/*key with HTTP Range support,
// adapted from pkg/fileserver's handler for the Backend interface.
// Keys are expected in the form "jobs/<job_id>/<artifact>"; the
// owning job's visibility governs access the same way job endpoints
// do, so a shared dub's files are downloadable by anyone, but a
// private one only by its owner or an admin.
func (g *Gateway) ServeFile(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.JSON(http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}

	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "file path required"})
		return
	}

	id, err := g.resolver.Resolve(c.Request)
	if err != nil {
		c.JSON(statusForAuthErr(err), ErrorResponse{Error: err.Error()})
		return
	}

	jobID := jobIDFromKey(key)
	if jobID != "" {
		job, err := g.store.GetJob(jobID)
		if err != nil {
			c.JSON(statusForStoreErr(err), ErrorResponse{Error: err.Error()})
			return
		}
		if !auth.CanView(id.UserID, id.Role, job.OwnerID, job.Visibility) {
			c.JSON(http.StatusForbidden, ErrorResponse{Error: auth.ErrForbidden.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	exists, err := g.backend.Exists(ctx, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "file not found"})
		return
	}

	c.Header("Content-Type", detectContentType(key))
	c.Header("Accept-Ranges", "bytes")

	g.auditEmit(obs.AuditEvent{Event: obs.EventFileDownload, Outcome: obs.OutcomeSuccess, UserID: id.UserID, ResourceID: key}, "")

	rangeHeader := c.GetHeader("Range")
	if rangeHeader == "" {
		g.serveFull(c, key)
		return
	}
	g.serveRange(c, key, rangeHeader)
}

func jobIDFromKey(key string) string {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) >= 2 && parts[0] == "jobs" {
		return parts[1]
	}
	return ""
}

func (g *Gateway) serveFull(c *gin.Context, key string) {
	rc, err := g.backend.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	defer rc.Close()

	size, err := g.backend.Size(c.Request.Context(), key)
	if err == nil {
		c.Header("Content-Length", strconv.FormatInt(size, 10))
	}
	c.Status(http.StatusOK)
	if c.Request.Method == http.MethodHead {
		return
	}
	io.Copy(c.Writer, rc)
}

func (g *Gateway) serveRange(c *gin.Context, key, rangeHeader string) {
	total, err := g.backend.Size(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	offset, length, err := parseRange(rangeHeader, total)
	if err != nil {
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", total))
		c.JSON(http.StatusRequestedRangeNotSatisfiable, ErrorResponse{Error: "invalid range header"})
		return
	}

	rc, err := g.backend.Stream(c.Request.Context(), key, offset, length)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	defer rc.Close()

	c.Header("Content-Range", formatContentRange(offset, offset+length-1, total))
	c.Header("Content-Length", strconv.FormatInt(length, 10))
	c.Status(http.StatusPartialContent)
	if c.Request.Method == http.MethodHead {
		return
	}
	io.Copy(c.Writer, rc)
}

// parseRange parses an HTTP Range header of the form "bytes=start-end",
// "bytes=start-" (to EOF), or "bytes=-N" (last N bytes) against a known
// total resource size, returning the absolute byte offset and length to
// serve. Any range that is malformed, starts at or past total, or whose
// suffix length isn't positive is reported as an error so the caller
// answers 416 rather than streaming a negative or out-of-bounds length.
func parseRange(rangeHeader string, total int64) (offset int64, length int64, err error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range header format")
	}
	if total <= 0 {
		return 0, 0, fmt.Errorf("resource has no content to range over")
	}
	spec := strings.TrimPrefix(rangeHeader, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range specification")
	}

	switch {
	case parts[0] == "" && parts[1] == "":
		return 0, 0, fmt.Errorf("invalid range specification")

	case parts[0] == "":
		// Suffix range: "bytes=-N", the last N bytes of the resource.
		n, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix length")
		}
		if n > total {
			n = total
		}
		return total - n, n, nil

	case parts[1] == "":
		start, perr := strconv.ParseInt(parts[0], 10, 64)
		if perr != nil || start < 0 {
			return 0, 0, fmt.Errorf("invalid range start")
		}
		if start >= total {
			return 0, 0, fmt.Errorf("range start beyond end of resource")
		}
		return start, total - start, nil

	default:
		start, perr := strconv.ParseInt(parts[0], 10, 64)
		if perr != nil || start < 0 {
			return 0, 0, fmt.Errorf("invalid range start")
		}
		end, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || end < start {
			return 0, 0, fmt.Errorf("invalid range end")
		}
		if start >= total {
			return 0, 0, fmt.Errorf("range start beyond end of resource")
		}
		if end >= total {
			end = total - 1
		}
		return start, end - start + 1, nil
	}
}

func formatContentRange(start, end, total int64) string {
	if total >= 0 {
		return fmt.Sprintf("bytes %d-%d/%d", start, end, total)
	}
	return fmt.Sprintf("bytes %d-%d/*", start, end)
}

var fileContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".srt":  "application/x-subrip",
	".vtt":  "text/vtt",
	".json": "application/json",
}

func detectContentType(key string) string {
	idx := strings.LastIndex(key, ".")
	if idx < 0 {
		return "application/octet-stream"
	}
	if ct, ok := fileContentTypes[strings.ToLower(key[idx:])]; ok {
		return ct
	}
	return "application/octet-stream"
}
