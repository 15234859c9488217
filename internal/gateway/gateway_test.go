package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"dubproc/internal/auth"
	"dubproc/internal/library"
	"dubproc/internal/scheduler"
	"dubproc/internal/storage"
	"dubproc/internal/store"
	"dubproc/internal/upload"
)

func newTestGateway(t *testing.T) (*Gateway, *store.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tokens := auth.NewTokenIssuer("test-secret", 15*time.Minute, 30*24*time.Hour)
	sessions := auth.NewMemorySessionStore(30 * 24 * time.Hour)
	resolver := auth.NewResolver(st, tokens, sessions)
	refresh := auth.NewRefreshService(st, tokens)
	sched := scheduler.New(scheduler.Limits{Global: 4, PerUser: 4}, 0)

	outRoot := t.TempDir()
	backend, err := storage.NewLocal(outRoot)
	require.NoError(t, err)

	uploads, err := upload.New(st, t.TempDir())
	require.NoError(t, err)

	gw := New(Deps{
		Store:      st,
		Resolver:   resolver,
		Tokens:     tokens,
		Refresh:    refresh,
		Sessions:   sessions,
		Scheduler:  sched,
		Backend:    backend,
		Library:    library.New(st),
		Uploads:    uploads,
		OutputRoot: outRoot,
	})
	return gw, st
}

func newTestUser(t *testing.T, st *store.Store, role store.Role) (*store.User, string) {
	t.Helper()
	hash, err := auth.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	u := &store.User{Username: "user-" + string(role), PasswordHash: hash, Role: role}
	require.NoError(t, st.PutUser(u))
	return u, "correct horse battery staple"
}

func newRouter(gw *Gateway) *gin.Engine {
	r := gin.New()
	gw.RegisterRoutes(r.Group("/api"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, bearer string) *httptest.ResponseRecorder {
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
	r.ServeHTTP(rec, req)
	return rec
}

func TestLoginIssuesTokens(t *testing.T) {
	gw, st := newTestGateway(t)
	_, plaintext := newTestUser(t, st, store.RoleOperator)
	users, err := st.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)

	router := newRouter(gw)
	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", LoginRequest{
		Username: users[0].Username, Password: plaintext,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	gw, st := newTestGateway(t)
	_, _ = newTestUser(t, st, store.RoleOperator)
	users, _ := st.ListUsers()

	router := newRouter(gw)
	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", LoginRequest{
		Username: users[0].Username, Password: "wrong",
	}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitJobRequiresAuth(t *testing.T) {
	gw, _ := newTestGateway(t)
	router := newRouter(gw)
	rec := doJSON(t, router, http.MethodPost, "/api/jobs", SubmitJobRequest{
		VideoPath: "in.mp4", SrcLang: "ja", TgtLang: "en",
	}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func accessTokenFor(t *testing.T, gw *Gateway, u *store.User) string {
	t.Helper()
	tok, _, err := gw.tokens.IssueAccessToken(u.ID, u.Role)
	require.NoError(t, err)
	return tok
}

func TestSubmitJobAndGetJobRoundTrip(t *testing.T) {
	gw, st := newTestGateway(t)
	u, _ := newTestUser(t, st, store.RoleOperator)
	token := accessTokenFor(t, gw, u)

	router := newRouter(gw)
	rec := doJSON(t, router, http.MethodPost, "/api/jobs", SubmitJobRequest{
		VideoPath: "in.mp4", SrcLang: "ja", TgtLang: "en", SeriesTitle: "Show A",
	}, token)
	require.Equal(t, http.StatusCreated, rec.Code)

	var job store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, store.JobQueued, job.State)
	require.Equal(t, "show-a", job.SeriesSlug)

	rec = doJSON(t, router, http.MethodGet, "/api/jobs/"+job.ID, nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetJobForbidsNonOwnerOnPrivateJob(t *testing.T) {
	gw, st := newTestGateway(t)
	owner, _ := newTestUser(t, st, store.RoleOperator)
	stranger := &store.User{Username: "stranger", PasswordHash: "x", Role: store.RoleOperator}
	require.NoError(t, st.PutUser(stranger))

	ownerToken := accessTokenFor(t, gw, owner)
	strangerToken := accessTokenFor(t, gw, stranger)

	router := newRouter(gw)
	rec := doJSON(t, router, http.MethodPost, "/api/jobs", SubmitJobRequest{
		VideoPath: "in.mp4", SrcLang: "ja", TgtLang: "en",
	}, ownerToken)
	require.Equal(t, http.StatusCreated, rec.Code)
	var job store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	rec = doJSON(t, router, http.MethodGet, "/api/jobs/"+job.ID, nil, strangerToken)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestParseRange(t *testing.T) {
	const total = int64(1024)

	tests := []struct {
		name         string
		rangeHeader  string
		total        int64
		expectOffset int64
		expectLength int64
		expectError  bool
	}{
		{name: "valid range with end", rangeHeader: "bytes=0-99", total: total, expectOffset: 0, expectLength: 100},
		{name: "valid range without end", rangeHeader: "bytes=100-", total: total, expectOffset: 100, expectLength: total - 100},
		{name: "suffix range", rangeHeader: "bytes=-50", total: total, expectOffset: total - 50, expectLength: 50},
		{name: "suffix range larger than total clamps", rangeHeader: "bytes=-10000", total: total, expectOffset: 0, expectLength: total},
		{name: "end clamped to total", rangeHeader: "bytes=0-999999", total: total, expectOffset: 0, expectLength: total},
		{name: "invalid prefix", rangeHeader: "items=0-99", total: total, expectError: true},
		{name: "invalid format", rangeHeader: "bytes=invalid", total: total, expectError: true},
		{name: "invalid start", rangeHeader: "bytes=abc-100", total: total, expectError: true},
		{name: "invalid end", rangeHeader: "bytes=0-abc", total: total, expectError: true},
		{name: "start beyond total is unsatisfiable", rangeHeader: "bytes=2000-", total: total, expectError: true},
		{name: "end before start is unsatisfiable", rangeHeader: "bytes=100-50", total: total, expectError: true},
		{name: "zero-length suffix is unsatisfiable", rangeHeader: "bytes=-0", total: total, expectError: true},
		{name: "empty total is unsatisfiable", rangeHeader: "bytes=0-99", total: 0, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, length, err := parseRange(tt.rangeHeader, tt.total)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expectOffset, offset)
			require.Equal(t, tt.expectLength, length)
		})
	}
}

func TestCancelJobTransitionsState(t *testing.T) {
	gw, st := newTestGateway(t)
	u, _ := newTestUser(t, st, store.RoleOperator)
	token := accessTokenFor(t, gw, u)

	router := newRouter(gw)
	rec := doJSON(t, router, http.MethodPost, "/api/jobs", SubmitJobRequest{
		VideoPath: "in.mp4", SrcLang: "ja", TgtLang: "en",
	}, token)
	var job store.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	rec = doJSON(t, router, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, store.JobCanceled, got.State)
}

func TestLoginWithSessionSetsCookiesAndCSRFGatesRequests(t *testing.T) {
	gw, st := newTestGateway(t)
	_, plaintext := newTestUser(t, st, store.RoleOperator)
	users, err := st.ListUsers()
	require.NoError(t, err)

	router := newRouter(gw)
	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", LoginRequest{
		Username: users[0].Username, Password: plaintext, Session: true,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := map[string]*http.Cookie{}
	for _, ck := range rec.Result().Cookies() {
		cookies[ck.Name] = ck
	}
	require.Contains(t, cookies, "session")
	require.Contains(t, cookies, "refresh")
	require.Contains(t, cookies, "csrf")
	require.True(t, cookies["session"].HttpOnly)
	require.True(t, cookies["refresh"].HttpOnly)
	require.False(t, cookies["csrf"].HttpOnly)

	// An unsafe request on the session cookie alone is a CSRF failure;
	// echoing the csrf cookie in X-CSRF-Token makes it pass auth.
	body := bytes.NewBufferString(`{"video_path":"in.mp4","src_lang":"ja","tgt_lang":"en"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookies["session"])
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusForbidden, resp.Code)

	body = bytes.NewBufferString(`{"video_path":"in.mp4","src_lang":"ja","tgt_lang":"en"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookies["session"])
	req.Header.Set("X-CSRF-Token", cookies["csrf"].Value)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusCreated, resp.Code)
}

func TestLogoutEndsSession(t *testing.T) {
	gw, st := newTestGateway(t)
	_, plaintext := newTestUser(t, st, store.RoleOperator)
	users, err := st.ListUsers()
	require.NoError(t, err)

	router := newRouter(gw)
	rec := doJSON(t, router, http.MethodPost, "/api/auth/login", LoginRequest{
		Username: users[0].Username, Password: plaintext, Session: true,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var sessionCookie *http.Cookie
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "session" {
			sessionCookie = ck
		}
	}
	require.NotNil(t, sessionCookie)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(sessionCookie)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	// The ended session no longer authenticates anything.
	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.AddCookie(sessionCookie)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}
