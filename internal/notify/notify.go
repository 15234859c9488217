// Package notify delivers job lifecycle notifications over ntfy's
// plain HTTP publish protocol: one POST per event to <base>/<topic>,
// message in the body, title and priority in headers. Delivery is
// best-effort; a failed publish is logged and audited but never fails
// the job that triggered it.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"dubproc/internal/obs"
	"dubproc/internal/store"
)

// Notifier publishes job events to an ntfy topic.
type Notifier struct {
	client  *http.Client
	baseURL string
	topic   string
	enabled bool
	audit   *obs.AuditLog
}

// New builds a Notifier. client should be an egress-gated HTTP client
// so the outbound policy applies to notification traffic like any
// other. A disabled notifier (enabled=false or empty topic) is valid
// and drops every event silently.
func New(client *http.Client, baseURL, topic string, enabled bool, audit *obs.AuditLog) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		topic:   topic,
		enabled: enabled && topic != "",
		audit:   audit,
	}
}

// JobDone announces a successful run.
func (n *Notifier) JobDone(ctx context.Context, job *store.Job) {
	n.publish(ctx, job, "dub finished", fmt.Sprintf("job %s finished", job.ID), "default")
}

// JobFailed announces a failed run.
func (n *Notifier) JobFailed(ctx context.Context, job *store.Job) {
	msg := fmt.Sprintf("job %s failed", job.ID)
	if job.Error != "" {
		msg = fmt.Sprintf("job %s failed: %s", job.ID, job.Error)
	}
	n.publish(ctx, job, "dub failed", msg, "high")
}

// NeedsAttention announces a run that finished degraded, listing the
// recorded reasons so the operator knows what to re-check.
func (n *Notifier) NeedsAttention(ctx context.Context, job *store.Job, reasons []string) {
	msg := fmt.Sprintf("job %s needs attention: %s", job.ID, strings.Join(reasons, "; "))
	n.publish(ctx, job, "dub needs attention", msg, "high")
}

func (n *Notifier) publish(ctx context.Context, job *store.Job, title, message, priority string) {
	if !n.enabled {
		return
	}

	url := fmt.Sprintf("%s/%s", n.baseURL, n.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		n.record(job, title, err)
		return
	}
	req.Header.Set("X-Title", title)
	req.Header.Set("X-Priority", priority)

	resp, err := n.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			err = fmt.Errorf("ntfy publish returned %d", resp.StatusCode)
		}
	}
	n.record(job, title, err)
}

func (n *Notifier) record(job *store.Job, title string, err error) {
	outcome := obs.OutcomeSuccess
	if err != nil {
		outcome = obs.OutcomeFailure
		log.WithError(err).WithField("job_id", job.ID).Warn("ntfy publish failed")
	}
	if n.audit == nil {
		return
	}
	evt := obs.AuditEvent{
		Event:      obs.EventNotifyNtfy,
		Outcome:    outcome,
		UserID:     job.OwnerID,
		ResourceID: job.ID,
		Meta:       map[string]any{"title": title},
	}
	if auditErr := n.audit.Emit(evt, ""); auditErr != nil {
		log.WithError(auditErr).Warn("failed to audit ntfy publish")
	}
}
