// Package scheduler implements the two-tier admission scheduler (§4.C): an
// in-process priority queue gated by global, per-user and per-resource
// concurrency limits, with an aging knob to bound starvation of
// low-priority work.
package scheduler

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dubproc/internal/store"
)

// Resource names the scarce compute lanes jobs compete for.
type Resource string

const (
	ResourceASR Resource = "asr"
	ResourceTTS Resource = "tts"
	ResourceGPU Resource = "gpu"
)

// ResourceFor derives a job's admission resource class from its mode and
// device the way §4.C requires, rather than trusting a client-supplied
// field: any job running on the GPU competes for the GPU lane regardless
// of mode, since that's the scarcest, most contended resource; CPU jobs
// in low/medium mode are gated as transcription load (the heavier of
// their two ML stages), and CPU jobs in high mode — which spend most of
// their wall-clock time in higher-fidelity voice synthesis — are gated
// as TTS load instead.
func ResourceFor(mode store.Mode, device store.Device) Resource {
	if device == store.DeviceCUDA {
		return ResourceGPU
	}
	if mode == store.ModeHigh {
		return ResourceTTS
	}
	return ResourceASR
}

// TimeProvider abstracts the clock so aging can be driven deterministically
// in tests, mirroring the teacher's RealClock pattern.
type TimeProvider interface {
	Now() time.Time
}

// RealClock implements TimeProvider using the system clock.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time { return time.Now() }

// Ticket is one admission request sitting in the queue.
type Ticket struct {
	JobID      string
	OwnerID    string
	Priority   int // higher runs first
	Resource   Resource
	EnqueuedAt time.Time

	index int // heap bookkeeping
}

// effectivePriority applies the configured aging rate: priority rises by
// one point per agingInterval spent waiting, so a long-queued low-priority
// job eventually outranks a freshly submitted high-priority one.
func (t *Ticket) effectivePriority(now time.Time, agingInterval time.Duration) int {
	if agingInterval <= 0 {
		return t.Priority
	}
	waited := now.Sub(t.EnqueuedAt)
	return t.Priority + int(waited/agingInterval)
}

// ticketHeap is a max-heap ordered by (effective priority, FIFO within tie).
type ticketHeap struct {
	items         []*Ticket
	now           time.Time
	agingInterval time.Duration
}

func (h ticketHeap) Len() int { return len(h.items) }
func (h ticketHeap) Less(i, j int) bool {
	pi := h.items[i].effectivePriority(h.now, h.agingInterval)
	pj := h.items[j].effectivePriority(h.now, h.agingInterval)
	if pi != pj {
		return pi > pj
	}
	return h.items[i].EnqueuedAt.Before(h.items[j].EnqueuedAt)
}
func (h ticketHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}
func (h *ticketHeap) Push(x any) {
	t := x.(*Ticket)
	t.index = len(h.items)
	h.items = append(h.items, t)
}
func (h *ticketHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	return item
}

// Limits bounds concurrent admission.
type Limits struct {
	Global     int
	PerUser    int
	PerResource map[Resource]int
}

// Scheduler holds the pending queue and the currently-admitted set, and
// decides which ticket (if any) may be admitted next.
type Scheduler struct {
	mu            sync.Mutex
	pending       ticketHeap
	admittedTotal int
	admittedByUser map[string]int
	admittedByRes  map[Resource]int
	limits        Limits
	agingInterval time.Duration
	clock         TimeProvider
}

// New builds a scheduler with the given admission limits and aging
// interval (0 disables aging).
func New(limits Limits, agingInterval time.Duration) *Scheduler {
	return NewWithClock(limits, agingInterval, RealClock{})
}

// NewWithClock builds a scheduler with an injected clock, for tests.
func NewWithClock(limits Limits, agingInterval time.Duration, clock TimeProvider) *Scheduler {
	if limits.PerResource == nil {
		limits.PerResource = map[Resource]int{}
	}
	return &Scheduler{
		pending:        ticketHeap{},
		admittedByUser: make(map[string]int),
		admittedByRes:  make(map[Resource]int),
		limits:         limits,
		agingInterval:  agingInterval,
		clock:          clock,
	}
}

// Submit enqueues a new ticket for admission.
func (s *Scheduler) Submit(t *Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.EnqueuedAt = s.clock.Now()
	heap.Push(&s.pending, t)
	log.WithFields(log.Fields{
		"job_id": t.JobID, "owner_id": t.OwnerID, "priority": t.Priority, "resource": t.Resource,
	}).Info("admission ticket submitted")
}

// Reprioritize updates the priority of a still-queued ticket and restores
// heap order. Returns false if the ticket isn't pending (e.g. already
// admitted or unknown).
func (s *Scheduler) Reprioritize(jobID string, priority int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.pending.items {
		if t.JobID == jobID {
			t.Priority = priority
			heap.Fix(&s.pending, t.index)
			return true
		}
	}
	return false
}

// Drop removes a still-queued ticket without admitting it, e.g. on cancel.
func (s *Scheduler) Drop(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.pending.items {
		if t.JobID == jobID {
			heap.Remove(&s.pending, t.index)
			return true
		}
	}
	return false
}

// TryAdmitNext admits the highest (effective) priority ticket whose
// resource and owner both have headroom under the configured limits. It
// returns nil if no pending ticket currently fits, without blocking: the
// caller is expected to call this from a poll loop or whenever capacity is
// released via Release.
func (s *Scheduler) TryAdmitNext() *Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Scan in priority order, skipping tickets that don't currently fit
	// so a resource-starved head-of-line ticket doesn't block others.
	ordered := s.orderedSnapshotLocked()

	for _, t := range ordered {
		if !s.fitsLocked(t) {
			continue
		}
		s.removeLocked(t.JobID)
		s.admitLocked(t)
		return t
	}
	return nil
}

func (s *Scheduler) fitsLocked(t *Ticket) bool {
	if s.limits.Global > 0 && s.admittedTotal >= s.limits.Global {
		return false
	}
	if s.limits.PerUser > 0 && s.admittedByUser[t.OwnerID] >= s.limits.PerUser {
		return false
	}
	if cap, ok := s.limits.PerResource[t.Resource]; ok && cap > 0 && s.admittedByRes[t.Resource] >= cap {
		return false
	}
	return true
}

func (s *Scheduler) admitLocked(t *Ticket) {
	s.admittedTotal++
	s.admittedByUser[t.OwnerID]++
	s.admittedByRes[t.Resource]++
	log.WithFields(log.Fields{"job_id": t.JobID, "resource": t.Resource}).Info("ticket admitted")
}

func (s *Scheduler) removeLocked(jobID string) {
	for _, t := range s.pending.items {
		if t.JobID == jobID {
			heap.Remove(&s.pending, t.index)
			return
		}
	}
}

// Release frees the admission slot held by a finished or canceled job.
func (s *Scheduler) Release(t *Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admittedTotal > 0 {
		s.admittedTotal--
	}
	if s.admittedByUser[t.OwnerID] > 0 {
		s.admittedByUser[t.OwnerID]--
	}
	if s.admittedByRes[t.Resource] > 0 {
		s.admittedByRes[t.Resource]--
	}
}

// SnapshotQueue returns a priority-ordered copy of the pending tickets,
// for admin/debug inspection. It does not mutate scheduler state.
func (s *Scheduler) SnapshotQueue() []Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := s.orderedSnapshotLocked()
	out := make([]Ticket, len(ordered))
	for i, t := range ordered {
		out[i] = *t
	}
	return out
}

// orderedSnapshotLocked returns a read-only, priority-ordered copy of the
// pending tickets. It never mutates Ticket.index: the live pending heap's
// bookkeeping must stay valid for the subsequent Remove/Fix calls made
// while s.mu is held.
func (s *Scheduler) orderedSnapshotLocked() []*Ticket {
	now := s.clock.Now()
	ordered := make([]*Ticket, len(s.pending.items))
	copy(ordered, s.pending.items)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi := ordered[i].effectivePriority(now, s.agingInterval)
		pj := ordered[j].effectivePriority(now, s.agingInterval)
		if pi != pj {
			return pi > pj
		}
		return ordered[i].EnqueuedAt.Before(ordered[j].EnqueuedAt)
	})
	return ordered
}

// State reports current admission counts, for the /admin/queue endpoint.
type State struct {
	PendingCount   int
	AdmittedTotal  int
	AdmittedByUser map[string]int
	AdmittedByRes  map[Resource]int
}

// State returns a point-in-time snapshot of admission counters.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser := make(map[string]int, len(s.admittedByUser))
	for k, v := range s.admittedByUser {
		byUser[k] = v
	}
	byRes := make(map[Resource]int, len(s.admittedByRes))
	for k, v := range s.admittedByRes {
		byRes[k] = v
	}
	return State{
		PendingCount:   len(s.pending.items),
		AdmittedTotal:  s.admittedTotal,
		AdmittedByUser: byUser,
		AdmittedByRes:  byRes,
	}
}
