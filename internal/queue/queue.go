// Package queue implements the optional distributed queue adapter (§4.D):
// a Redis-backed layer in front of the in-process scheduler so multiple
// orchestrator processes can share one admission decision, with TTL
// leases, heartbeats and a per-user active-job cap. When Redis is
// unavailable the adapter reports degraded status and callers fall back
// to local-only scheduling.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	keyPrefixQueue     = "dubproc:queue:"       // sorted set of job IDs by -priority
	keyPrefixLock      = "dubproc:lock:"        // job_id -> lock token, with TTL
	keyPrefixUserActive = "dubproc:user_active:" // user_id -> set of active job IDs
	keyPrefixJobMeta   = "dubproc:jobmeta:"     // job_id -> JSON Ticket payload
)

// Ticket mirrors scheduler.Ticket's fields that need to cross process
// boundaries via Redis.
type Ticket struct {
	JobID    string `json:"job_id"`
	OwnerID  string `json:"owner_id"`
	Priority int    `json:"priority"`
	Resource string `json:"resource"`
}

// Queue fronts a scheduler with a Redis-backed claim/heartbeat protocol.
type Queue struct {
	client      *redis.Client
	log         *logrus.Logger
	lockTTL     time.Duration
	refreshTTL  time.Duration
	perUserCap  int
	healthy     bool
}

// New connects to Redis at url and verifies it's reachable. On connection
// failure it still returns a Queue (with Status() reporting degraded) so
// callers can choose to run in local-only mode rather than fail startup.
func New(url string, lockTTL, refreshTTL time.Duration, perUserCap int, log *logrus.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	q := &Queue{client: client, log: log, lockTTL: lockTTL, refreshTTL: refreshTTL, perUserCap: perUserCap}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("distributed queue: redis unreachable, starting in degraded mode")
		q.healthy = false
		return q, nil
	}
	q.healthy = true
	return q, nil
}

// Status reports whether the Redis backend is currently reachable. A
// fallback-mode caller should treat a false result as "schedule locally,
// do not assume cluster-wide admission truth."
func (q *Queue) Status() (healthy bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := q.client.Ping(ctx).Err()
	q.healthy = err == nil
	return q.healthy
}

// Submit adds a ticket to the shared priority queue (a Redis sorted set
// scored by -priority so ZRANGE pops the highest priority first). Redis
// orders equal scores by member, so equal priorities come out in job ID
// order, not submission order.
func (q *Queue) Submit(ctx context.Context, t Ticket) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling ticket: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, keyPrefixJobMeta+t.JobID, payload, 0)
	pipe.ZAdd(ctx, keyPrefixQueue+t.Resource, redis.Z{Score: float64(-t.Priority), Member: t.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("submitting ticket to queue: %w", err)
	}
	return nil
}

// Claim pops the highest-priority job ID for a resource and acquires an
// exclusive TTL lock on it, returning ("", false, nil) if the queue is
// empty. A non-nil error alongside false indicates a Redis failure, which
// callers should treat as "fall back to local scheduling this tick."
func (q *Queue) Claim(ctx context.Context, resource string, holder string) (jobID string, ok bool, err error) {
	res, err := q.client.ZPopMin(ctx, keyPrefixQueue+resource, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("popping queue: %w", err)
	}
	if len(res) == 0 {
		return "", false, nil
	}
	jobID = res[0].Member.(string)

	acquired, err := q.client.SetNX(ctx, keyPrefixLock+jobID, holder, q.lockTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquiring lock: %w", err)
	}
	if !acquired {
		// Another process already claimed this job between the pop and
		// here (shouldn't happen since ZPopMin is atomic per job, but a
		// stale lock from a crashed holder can still be present).
		return jobID, false, nil
	}
	return jobID, true, nil
}

// RefreshInterval reports how often a claim holder should heartbeat its
// lock; configured to sit well inside the lock TTL.
func (q *Queue) RefreshInterval() time.Duration { return q.refreshTTL }

// Requeue puts a claimed-but-not-run job back on its resource queue,
// restoring its original priority from the stored ticket metadata when
// it's still readable.
func (q *Queue) Requeue(ctx context.Context, jobID, resource string) error {
	data, err := q.client.Get(ctx, keyPrefixJobMeta+jobID).Bytes()
	if err == nil {
		var t Ticket
		if json.Unmarshal(data, &t) == nil && t.JobID != "" {
			return q.Submit(ctx, t)
		}
	}
	return q.Submit(ctx, Ticket{JobID: jobID, Resource: resource})
}

// Heartbeat refreshes a claimed job's lock TTL, proving the holder is
// still alive. Callers should heartbeat well inside lockTTL.
func (q *Queue) Heartbeat(ctx context.Context, jobID, holder string) error {
	val, err := q.client.Get(ctx, keyPrefixLock+jobID).Result()
	if err == redis.Nil {
		return fmt.Errorf("lock for job %s expired or missing", jobID)
	}
	if err != nil {
		return fmt.Errorf("reading lock: %w", err)
	}
	if val != holder {
		return fmt.Errorf("lock for job %s held by another process", jobID)
	}
	return q.client.Expire(ctx, keyPrefixLock+jobID, q.lockTTL).Err()
}

// Release drops a job's lock, e.g. on completion, cancellation or
// voluntary yield back to the queue.
func (q *Queue) Release(ctx context.Context, jobID, holder string) error {
	val, err := q.client.Get(ctx, keyPrefixLock+jobID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading lock before release: %w", err)
	}
	if val != holder {
		return nil
	}
	return q.client.Del(ctx, keyPrefixLock+jobID).Err()
}

// BeforeJobRun enforces the per-user active-job cap and records jobID as
// active for ownerID, atomically. Returns false if the cap is already hit.
func (q *Queue) BeforeJobRun(ctx context.Context, ownerID, jobID string) (bool, error) {
	if q.perUserCap <= 0 {
		return true, nil
	}
	key := keyPrefixUserActive + ownerID
	count, err := q.client.SCard(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("checking active job count: %w", err)
	}
	if int(count) >= q.perUserCap {
		return false, nil
	}
	if err := q.client.SAdd(ctx, key, jobID).Err(); err != nil {
		return false, fmt.Errorf("recording active job: %w", err)
	}
	return true, nil
}

// AfterJobRun releases the per-user active-job slot held by jobID.
func (q *Queue) AfterJobRun(ctx context.Context, ownerID, jobID string) error {
	return q.client.SRem(ctx, keyPrefixUserActive+ownerID, jobID).Err()
}

// CancelFanout removes a job from its resource queue (if still pending)
// and drops its lock (if claimed), so a cancel request takes effect
// regardless of which process currently owns the job.
func (q *Queue) CancelFanout(ctx context.Context, resource, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyPrefixQueue+resource, jobID)
	pipe.Del(ctx, keyPrefixLock+jobID)
	pipe.Del(ctx, keyPrefixJobMeta+jobID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("cancel fanout: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}
