package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dubproc/internal/egress"
	"dubproc/internal/store"
)

type published struct {
	path     string
	title    string
	priority string
	body     string
}

func captureServer(t *testing.T, got *[]published) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*got = append(*got, published{
			path:     r.URL.Path,
			title:    r.Header.Get("X-Title"),
			priority: r.Header.Get("X-Priority"),
			body:     string(body),
		})
		w.WriteHeader(http.StatusOK)
	}))
}

func TestNotifierPublishesLifecycleEvents(t *testing.T) {
	var got []published
	srv := captureServer(t, &got)
	defer srv.Close()

	client := (&egress.Policy{}).HTTPClient(5 * time.Second)
	n := New(client, srv.URL, "dubs", true, nil)
	job := &store.Job{ID: "j1", OwnerID: "u1", Error: "stage asr failed"}

	n.JobDone(context.Background(), job)
	n.JobFailed(context.Background(), job)
	n.NeedsAttention(context.Background(), job, []string{"whisper not installed"})

	require.Len(t, got, 3)
	require.Equal(t, "/dubs", got[0].path)
	require.Equal(t, "dub finished", got[0].title)
	require.Equal(t, "default", got[0].priority)
	require.Contains(t, got[1].body, "stage asr failed")
	require.Equal(t, "high", got[1].priority)
	require.Contains(t, got[2].body, "whisper not installed")
}

func TestNotifierDisabledDropsEvents(t *testing.T) {
	var got []published
	srv := captureServer(t, &got)
	defer srv.Close()

	n := New(nil, srv.URL, "dubs", false, nil)
	n.JobDone(context.Background(), &store.Job{ID: "j1"})
	require.Empty(t, got)

	// An empty topic disables delivery even when the flag is on.
	n = New(nil, srv.URL, "", true, nil)
	n.JobDone(context.Background(), &store.Job{ID: "j1"})
	require.Empty(t, got)
}
