package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dubproc/internal/auth"
	"dubproc/internal/store"
)

// BrowseLibrary handles GET /library: every series/episode visible to
// the caller, grouped by series slug.
func (g *Gateway) BrowseLibrary(c *gin.Context) {
	id := identityFrom(c)
	series, err := g.library.Browse(id.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, series)
}

// RecentLibrary handles GET /library/recent?limit=.
func (g *Gateway) RecentLibrary(c *gin.Context) {
	id := identityFrom(c)
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	recent, err := g.library.Recent(id.UserID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, recent)
}

// SearchLibrary handles GET /library/search?q=.
func (g *Gateway) SearchLibrary(c *gin.Context) {
	id := identityFrom(c)
	series, err := g.library.Search(id.UserID, c.Query("q"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, series)
}

// SeriesSeasons handles GET /library/series/:series/seasons.
func (g *Gateway) SeriesSeasons(c *gin.Context) {
	id := identityFrom(c)
	seasons, err := g.library.Seasons(id.UserID, id.Role, c.Param("series"))
	if err != nil {
		c.JSON(statusForLibraryErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"series_slug": c.Param("series"), "seasons": seasons})
}

// SeasonEpisodes handles GET /library/series/:series/seasons/:season/episodes.
func (g *Gateway) SeasonEpisodes(c *gin.Context) {
	id := identityFrom(c)
	season, err := strconv.Atoi(c.Param("season"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "season must be a number"})
		return
	}
	episodes, err := g.library.Episodes(id.UserID, id.Role, c.Param("series"), season)
	if err != nil {
		c.JSON(statusForLibraryErr(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"series_slug": c.Param("series"), "season": season, "episodes": episodes})
}

func statusForLibraryErr(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// RecordLibraryView handles POST /library/view/:job_id, marking the
// episode backing job_id as opened for continue-watching ordering.
func (g *Gateway) RecordLibraryView(c *gin.Context) {
	id := identityFrom(c)
	job, err := g.store.GetJob(c.Param("job_id"))
	if err != nil {
		c.JSON(statusForStoreErr(err), ErrorResponse{Error: err.Error()})
		return
	}

	if err := g.library.RecordView(id.UserID, id.Role, job); err != nil {
		status := http.StatusInternalServerError
		if err == auth.ErrForbidden {
			status = http.StatusForbidden
		}
		c.JSON(status, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}
