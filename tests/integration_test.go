// Package tests holds cross-package integration scenarios that no
// single internal package's unit tests can exercise on their own:
// a submitted job flowing through the real scheduler admission path,
// chunked upload over the real gateway HTTP surface, range-aware file
// serving, and the private/shared visibility toggle. Scheduler
// ordering/aging/reprioritize, refresh-token replay, crash recovery,
// and watchdog timeout already have focused coverage in
// internal/scheduler, internal/auth, and internal/runner respectively
// and are not duplicated here.
package tests

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"dubproc/internal/auth"
	"dubproc/internal/gateway"
	"dubproc/internal/library"
	"dubproc/internal/scheduler"
	"dubproc/internal/storage"
	"dubproc/internal/store"
	"dubproc/internal/upload"
)

type harness struct {
	gw      *gateway.Gateway
	router  *gin.Engine
	store   *store.Store
	sched   *scheduler.Scheduler
	backend *storage.Local
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tokens := auth.NewTokenIssuer("test-secret", 15*time.Minute, 30*24*time.Hour)
	resolver := auth.NewResolver(st, tokens, nil)
	refresh := auth.NewRefreshService(st, tokens)
	sched := scheduler.New(scheduler.Limits{Global: 1, PerUser: 4}, 0)

	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	uploads, err := upload.New(st, t.TempDir())
	require.NoError(t, err)

	gw := gateway.New(gateway.Deps{
		Store:     st,
		Resolver:  resolver,
		Tokens:    tokens,
		Refresh:   refresh,
		Scheduler: sched,
		Backend:   backend,
		Library:   library.New(st),
		Uploads:   uploads,
	})

	router := gin.New()
	gw.RegisterRoutes(router.Group("/api"))

	return &harness{gw: gw, router: router, store: st, sched: sched, backend: backend}
}

func (h *harness) do(t *testing.T, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) newUser(t *testing.T, username string) (*store.User, string) {
	t.Helper()
	hash, err := auth.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	u := &store.User{Username: username, PasswordHash: hash, Role: store.RoleOperator}
	require.NoError(t, h.store.PutUser(u))
	return u, "correct horse battery staple"
}

func (h *harness) login(t *testing.T, username, password string) gateway.TokenResponse {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/auth/login", gateway.LoginRequest{Username: username, Password: password}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp gateway.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// Scenario 1: two users submitting jobs against the admission
// scheduler wired through the real gateway, with global concurrency
// capped at one. The second user's job must sit queued until the
// first is released, at which point the scheduler admits it next.
func TestTwoUsersShareGlobalConcurrencyCap(t *testing.T) {
	h := newHarness(t)
	userA, passA := h.newUser(t, "user-a")
	userB, passB := h.newUser(t, "user-b")
	tokenA := h.login(t, userA.Username, passA).AccessToken
	tokenB := h.login(t, userB.Username, passB).AccessToken

	recA := h.do(t, http.MethodPost, "/api/jobs", gateway.SubmitJobRequest{
		VideoPath: "a.mp4", SrcLang: "ja", TgtLang: "en", Priority: 50,
	}, tokenA)
	require.Equal(t, http.StatusCreated, recA.Code)
	var jobA store.Job
	require.NoError(t, json.Unmarshal(recA.Body.Bytes(), &jobA))

	recB := h.do(t, http.MethodPost, "/api/jobs", gateway.SubmitJobRequest{
		VideoPath: "b.mp4", SrcLang: "ja", TgtLang: "en", Priority: 50,
	}, tokenB)
	require.Equal(t, http.StatusCreated, recB.Code)
	var jobB store.Job
	require.NoError(t, json.Unmarshal(recB.Body.Bytes(), &jobB))

	// SubmitJob already pushed a ticket for each job onto the shared
	// scheduler; admit directly against it.
	first := h.sched.TryAdmitNext()
	require.NotNil(t, first)
	require.Equal(t, jobA.ID, first.JobID)

	// Global cap of 1 is exhausted: user B's job must stay queued.
	require.Nil(t, h.sched.TryAdmitNext())

	h.sched.Release(first)

	second := h.sched.TryAdmitNext()
	require.NotNil(t, second)
	require.Equal(t, jobB.ID, second.JobID)
}

// Scenario 3: chunked upload through the real gateway HTTP surface,
// including the required 409 on a mismatched chunk hash.
func TestChunkedUploadRejectsMismatchedHash(t *testing.T) {
	h := newHarness(t)
	u, pass := h.newUser(t, "uploader")
	token := h.login(t, u.Username, pass).AccessToken

	rec := h.do(t, http.MethodPost, "/api/uploads", gateway.InitUploadRequest{
		Filename: "movie.mp4", TotalBytes: 8, ChunkBytes: 4,
	}, token)
	require.Equal(t, http.StatusCreated, rec.Code)
	var up store.Upload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &up))

	chunk0 := []byte{1, 2, 3, 4}
	sum0 := sha256.Sum256(chunk0)
	req := httptest.NewRequest(http.MethodPut, "/api/uploads/"+up.ID+"/chunk?index=0&offset=0", bytes.NewReader(chunk0))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Chunk-Sha256", hex.EncodeToString(sum0[:]))
	rec2 := httptest.NewRecorder()
	h.router.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)

	chunk1 := []byte{5, 6, 7, 8}
	req = httptest.NewRequest(http.MethodPut, "/api/uploads/"+up.ID+"/chunk?index=1&offset=4", bytes.NewReader(chunk1))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Chunk-Sha256", "0000000000000000000000000000000000000000000000000000000000000000")
	rec3 := httptest.NewRecorder()
	h.router.ServeHTTP(rec3, req)
	require.Equal(t, http.StatusConflict, rec3.Code)

	rec4 := h.do(t, http.MethodGet, "/api/uploads/"+up.ID, nil, token)
	require.Equal(t, http.StatusOK, rec4.Code)
	var status struct {
		Upload            store.Upload `json:"upload"`
		NextExpectedChunk int          `json:"next_expected_chunk"`
		TotalChunks       int          `json:"total_chunks"`
	}
	require.NoError(t, json.Unmarshal(rec4.Body.Bytes(), &status))
	require.EqualValues(t, 4, status.Upload.ReceivedBytes)
	require.Equal(t, 1, status.NextExpectedChunk)
}

// Scenario 5: Range-aware file serving through the real gateway, via
// a job's output artifact stored in the local backend.
func TestFileServingHonorsRangeHeader(t *testing.T) {
	h := newHarness(t)
	owner, pass := h.newUser(t, "owner")
	token := h.login(t, owner.Username, pass).AccessToken

	job := &store.Job{OwnerID: owner.ID, State: store.JobDone, Visibility: store.VisibilityPrivate, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, h.store.PutJob(job))

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	key := "jobs/" + job.ID + "/out.mp4"
	require.NoError(t, h.backend.Put(context.Background(), key, bytes.NewReader(payload)))

	rangeReq := httptest.NewRequest(http.MethodGet, "/api/files/"+key, nil)
	rangeReq.Header.Set("Authorization", "Bearer "+token)
	rangeReq.Header.Set("Range", "bytes=0-99")
	rangeRec := httptest.NewRecorder()
	h.router.ServeHTTP(rangeRec, rangeReq)
	require.Equal(t, http.StatusPartialContent, rangeRec.Code)
	require.Equal(t, "bytes 0-99/256", rangeRec.Header().Get("Content-Range"))
	require.Equal(t, "100", rangeRec.Header().Get("Content-Length"))
	require.Len(t, rangeRec.Body.Bytes(), 100)
	require.Equal(t, payload[:100], rangeRec.Body.Bytes())

	fullReq := httptest.NewRequest(http.MethodGet, "/api/files/"+key, nil)
	fullReq.Header.Set("Authorization", "Bearer "+token)
	fullRec := httptest.NewRecorder()
	h.router.ServeHTTP(fullRec, fullReq)
	require.Equal(t, http.StatusOK, fullRec.Code)
	require.Len(t, fullRec.Body.Bytes(), 256)
}

// Scenario 7: a job's visibility gates a non-owner's ability to view
// it via the job endpoint and the library seasons endpoint, and toggling visibility flips
// that access live.
func TestLibraryVisibilityTogglesNonOwnerAccess(t *testing.T) {
	h := newHarness(t)
	owner, ownerPass := h.newUser(t, "owner")
	viewer, viewerPass := h.newUser(t, "viewer")
	ownerToken := h.login(t, owner.Username, ownerPass).AccessToken
	viewerToken := h.login(t, viewer.Username, viewerPass).AccessToken

	rec := h.do(t, http.MethodPost, "/api/jobs", gateway.SubmitJobRequest{
		VideoPath: "a.mp4", SrcLang: "ja", TgtLang: "en", SeriesTitle: "Show A",
	}, ownerToken)
	require.Equal(t, http.StatusCreated, rec.Code)
	var job store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, store.VisibilityPrivate, job.Visibility)

	getJob := func(token string) int {
		r := h.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil, token)
		return r.Code
	}
	getSeasons := func(token string) int {
		r := h.do(t, http.MethodGet, "/api/library/series/show-a/seasons", nil, token)
		return r.Code
	}
	require.Equal(t, http.StatusForbidden, getJob(viewerToken))
	require.Equal(t, http.StatusForbidden, getSeasons(viewerToken))
	require.Equal(t, http.StatusOK, getJob(ownerToken))

	setVisibility := func(v store.Visibility) {
		r := h.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/visibility",
			gateway.SetVisibilityRequest{Visibility: v}, ownerToken)
		require.Equal(t, http.StatusOK, r.Code)
	}

	setVisibility(store.VisibilityShared)
	require.Equal(t, http.StatusOK, getJob(viewerToken))
	require.Equal(t, http.StatusOK, getSeasons(viewerToken))

	setVisibility(store.VisibilityPrivate)
	require.Equal(t, http.StatusForbidden, getJob(viewerToken))
	require.Equal(t, http.StatusForbidden, getSeasons(viewerToken))
}
