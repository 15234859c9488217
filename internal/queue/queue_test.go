package queue

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)
	q, err := New("redis://"+mr.Addr(), 5*time.Second, 2*time.Second, 1, log)
	require.NoError(t, err)
	require.True(t, q.Status())
	t.Cleanup(func() { q.Close() })
	return q
}

func TestSubmitAndClaim(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, Ticket{JobID: "job-1", OwnerID: "u1", Priority: 5, Resource: "asr"}))
	require.NoError(t, q.Submit(ctx, Ticket{JobID: "job-2", OwnerID: "u1", Priority: 1, Resource: "asr"}))

	jobID, ok, err := q.Claim(ctx, "asr", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-1", jobID, "higher priority ticket should pop first")
}

func TestClaimOnEmptyQueueReturnsFalse(t *testing.T) {
	q := newTestQueue(t)
	_, ok, err := q.Claim(context.Background(), "asr", "worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHeartbeatRequiresOwningHolder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Submit(ctx, Ticket{JobID: "job-1", OwnerID: "u1", Priority: 1, Resource: "asr"}))

	_, ok, err := q.Claim(ctx, "asr", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Heartbeat(ctx, "job-1", "worker-1"))
	require.Error(t, q.Heartbeat(ctx, "job-1", "worker-2"))
}

func TestPerUserActiveJobCap(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.BeforeJobRun(ctx, "u1", "job-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.BeforeJobRun(ctx, "u1", "job-2")
	require.NoError(t, err)
	require.False(t, ok, "per-user cap of 1 should reject a second concurrent job")

	require.NoError(t, q.AfterJobRun(ctx, "u1", "job-1"))
	ok, err = q.BeforeJobRun(ctx, "u1", "job-2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCancelFanoutRemovesPendingAndLock(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Submit(ctx, Ticket{JobID: "job-1", OwnerID: "u1", Priority: 1, Resource: "asr"}))

	require.NoError(t, q.CancelFanout(ctx, "asr", "job-1"))

	_, ok, err := q.Claim(ctx, "asr", "worker-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionStoreCreateLookupHeartbeat(t *testing.T) {
	q := newTestQueue(t)
	ss := NewSessionStore(q, time.Minute)
	ctx := context.Background()

	sessionID, csrf, err := ss.Create(ctx, "u1")
	require.NoError(t, err)

	userID, gotCSRF, ok := ss.Lookup(sessionID)
	require.True(t, ok)
	require.Equal(t, "u1", userID)
	require.Equal(t, csrf, gotCSRF)

	require.NoError(t, ss.Heartbeat(ctx, sessionID))
	require.NoError(t, ss.End(ctx, sessionID))

	_, _, ok = ss.Lookup(sessionID)
	require.False(t, ok)
}

func TestRequeueRestoresPriority(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Submit(ctx, Ticket{JobID: "job-1", OwnerID: "u1", Priority: 9, Resource: "asr"}))
	require.NoError(t, q.Submit(ctx, Ticket{JobID: "job-2", OwnerID: "u2", Priority: 5, Resource: "asr"}))

	jobID, ok, err := q.Claim(ctx, "asr", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-1", jobID)

	// The worker can't run it (e.g. per-user cap); it goes back with its
	// original priority and outranks job-2 on the next claim.
	require.NoError(t, q.Requeue(ctx, "job-1", "asr"))
	require.NoError(t, q.Release(ctx, "job-1", "worker-1"))

	jobID, ok, err = q.Claim(ctx, "asr", "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-1", jobID)
}
