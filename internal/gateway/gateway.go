// Package gateway implements the artifact gateway's HTTP surface
// (§4.G): auth endpoints, chunked upload endpoints, job submission and
// lifecycle, library browse/continue-watching, Range-aware file
// serving, and an admin surface, wired onto gin the way antserver's
// internal/handlers package does.
package gateway

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"dubproc/internal/auth"
	"dubproc/internal/library"
	"dubproc/internal/obs"
	"dubproc/internal/queue"
	"dubproc/internal/retention"
	"dubproc/internal/runner"
	"dubproc/internal/scheduler"
	"dubproc/internal/storage"
	"dubproc/internal/store"
	"dubproc/internal/upload"
)

// ErrorResponse is the standard JSON error body, matching antserver's
// handlers package convention.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Gateway wires every HTTP-facing component into gin route handlers.
type Gateway struct {
	store     *store.Store
	resolver  *auth.Resolver
	tokens    *auth.TokenIssuer
	refresh   *auth.RefreshService
	sessions  auth.SessionStore
	limiter   *auth.RateLimiter
	sched     *scheduler.Scheduler
	dq        *queue.Queue
	runner    *runner.Runner
	backend   storage.Backend
	library   *library.Service
	uploads   *upload.Service
	audit     *obs.AuditLog
	metrics   *obs.Metrics
	retention *retention.Service
	quotas    retention.Quotas
	outRoot   string
	cookieSecure bool

	// Fixed-rate buckets for the unauthenticated surface and chunk
	// ingest: login attempts per IP (every attempt consumes a token,
	// successful or not; failures are not counted separately), invite
	// redemptions per IP, and chunk posts per upload session.
	loginLimiter  *auth.RateLimiter
	inviteLimiter *auth.RateLimiter
	chunkLimiter  *auth.RateLimiter
}

// Deps bundles the constructor arguments for New, since Gateway's
// surface touches nearly every other internal package.
type Deps struct {
	Store        *store.Store
	Resolver     *auth.Resolver
	Tokens       *auth.TokenIssuer
	Refresh      *auth.RefreshService
	Sessions     auth.SessionStore
	Limiter      *auth.RateLimiter
	Scheduler    *scheduler.Scheduler
	Queue        *queue.Queue
	Runner       *runner.Runner
	Backend      storage.Backend
	Library      *library.Service
	Uploads      *upload.Service
	Audit        *obs.AuditLog
	Metrics      *obs.Metrics
	Retention    *retention.Service
	Quotas       retention.Quotas
	OutputRoot   string
	CookieSecure bool
}

// New builds a Gateway from its dependencies.
func New(d Deps) *Gateway {
	return &Gateway{
		store:        d.Store,
		resolver:     d.Resolver,
		tokens:       d.Tokens,
		refresh:      d.Refresh,
		sessions:     d.Sessions,
		limiter:      d.Limiter,
		sched:        d.Scheduler,
		dq:           d.Queue,
		runner:       d.Runner,
		backend:      d.Backend,
		library:      d.Library,
		uploads:      d.Uploads,
		audit:        d.Audit,
		metrics:      d.Metrics,
		retention:    d.Retention,
		quotas:       d.Quotas,
		outRoot:      d.OutputRoot,
		cookieSecure: d.CookieSecure,

		loginLimiter:  auth.NewRateLimiter(5.0/60.0, 5),
		inviteLimiter: auth.NewRateLimiter(10.0/60.0, 10),
		chunkLimiter:  auth.NewRateLimiter(3, 3),
	}
}

// RegisterRoutes wires every route this gateway serves onto rg, mirroring
// antserver handlers.RegisterRoutes' flat grouping.
func (g *Gateway) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/auth/login", g.Login)
	rg.POST("/auth/refresh", g.Refresh)
	rg.POST("/auth/logout", g.Logout)
	rg.POST("/auth/invite/redeem", g.RedeemInvite)

	authed := rg.Group("")
	authed.Use(g.AuthMiddleware(), g.RateLimitMiddleware())
	{
		authed.POST("/apikeys", g.IssueAPIKey)

		authed.POST("/uploads", g.InitUpload)
		authed.PUT("/uploads/:id/chunk", g.PutChunk)
		authed.POST("/uploads/:id/complete", g.CompleteUpload)
		authed.GET("/uploads/:id", g.UploadStatus)

		authed.POST("/jobs", g.SubmitJob)
		authed.GET("/jobs", g.ListJobs)
		authed.GET("/jobs/:id", g.GetJob)
		authed.POST("/jobs/:id/cancel", g.CancelJob)
		authed.POST("/jobs/:id/pause", g.PauseJob)
		authed.POST("/jobs/:id/resume", g.ResumeJob)
		authed.POST("/jobs/:id/reprioritize", g.ReprioritizeJob)
		authed.POST("/jobs/:id/visibility", g.SetJobVisibility)
		authed.GET("/jobs/:id/files", g.JobFiles)
		authed.GET("/jobs/:id/logs/tail", g.JobLogsTail)
		authed.GET("/jobs/:id/logs/stream", g.JobLogsStream)
		authed.DELETE("/jobs/:id", g.DeleteJob)

		authed.GET("/library", g.BrowseLibrary)
		authed.GET("/library/search", g.SearchLibrary)
		authed.GET("/library/recent", g.RecentLibrary)
		authed.GET("/library/continue", g.RecentLibrary)
		authed.POST("/library/view/:job_id", g.RecordLibraryView)
		authed.GET("/library/series/:series/seasons", g.SeriesSeasons)
		authed.GET("/library/series/:series/seasons/:season/episodes", g.SeasonEpisodes)

		authed.GET("/admin/queue", g.AdminRequireRole(store.RoleAdmin), g.AdminQueue)
		authed.POST("/admin/jobs/:id/priority", g.AdminRequireRole(store.RoleAdmin), g.AdminSetJobPriority)
		authed.POST("/admin/jobs/:id/cancel", g.AdminRequireRole(store.RoleAdmin), g.AdminCancelJob)
		authed.POST("/admin/jobs/:id/visibility", g.AdminRequireRole(store.RoleAdmin), g.AdminSetJobVisibility)
		authed.GET("/admin/users", g.AdminRequireRole(store.RoleAdmin), g.AdminListUsers)
		authed.POST("/admin/invites", g.AdminRequireRole(store.RoleAdmin), g.AdminCreateInvite)
	}

	rg.GET("/files/*key", g.ServeFile)
	rg.HEAD("/files/*key", g.ServeFile)

	if g.metrics != nil && g.metrics.Gatherer != nil {
		rg.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g.metrics.Gatherer, promhttp.HandlerOpts{})))
	} else {
		rg.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

func (g *Gateway) auditEmit(evt obs.AuditEvent, jobAuditPath string) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Emit(evt, jobAuditPath); err != nil {
		log.WithError(err).Warn("failed to write audit event")
	}
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
