// Package job holds the client-side model of server jobs.
//
// # Registry invariants
//
// The Registry is the single place where job state is mutated and enforces:
//
//   - Progress never decreases for a job. A write that would lower it is
//     dropped whole, including its other fields.
//   - Terminal statuses (completed, failed) are absorbing. Every write against
//     a terminal job is dropped.
//   - A completed job has progress 100.
//
// Drops are reported through the returned Outcome, never as errors.
package job

import (
	"slices"
	"sync"
	"time"
)

type writeMode int

const (
	modeUpsert writeMode = iota
	modeReplace
	modeMerge
)

// Registry maps job IDs to their latest state and tracks subscriptions.
// Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	order    []string
	subs     map[string]struct{}
	subOrder []string
	now      func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the clock used for LastUpdate when a message carries none.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		jobs: make(map[string]*Job),
		subs: make(map[string]struct{}),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert inserts a job or merges u into the existing entry.
func (r *Registry) Upsert(id string, u Update) (Job, Outcome) {
	return r.write(id, u, modeUpsert)
}

// Replace inserts a job or replaces the existing entry with the reported state.
// Progress and start time carry over when u omits them.
func (r *Registry) Replace(id string, u Update) (Job, Outcome) {
	return r.write(id, u, modeReplace)
}

// Merge merges u into an existing entry and never creates one.
func (r *Registry) Merge(id string, u Update) (Job, Outcome) {
	return r.write(id, u, modeMerge)
}

func (r *Registry) write(id string, u Update, mode writeMode) (Job, Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stamp := r.now().UnixMilli()
	cur, ok := r.jobs[id]
	if !ok {
		if mode == modeMerge {
			return Job{}, Missing
		}
		j := &Job{ID: id, Status: StatusQueued}
		apply(j, u, stamp)
		r.jobs[id] = j
		r.order = append(r.order, id)
		return j.Clone(), Inserted
	}

	if cur.Status.IsTerminal() {
		return cur.Clone(), DroppedTerminal
	}
	if effectiveProgress(u, cur.Progress) < cur.Progress {
		return cur.Clone(), DroppedRegression
	}

	if mode == modeReplace {
		next := &Job{
			ID:        id,
			Status:    cur.Status,
			Progress:  cur.Progress,
			StartTime: cur.StartTime,
		}
		apply(next, u, stamp)
		r.jobs[id] = next
		return next.Clone(), Updated
	}
	apply(cur, u, stamp)
	return cur.Clone(), Updated
}

func apply(j *Job, u Update, stamp int64) {
	if u.Status != "" {
		j.Status = u.Status
	}
	j.Progress = effectiveProgress(u, j.Progress)
	if u.StartTime != nil {
		j.StartTime = *u.StartTime
	}
	if u.Result != nil {
		j.Result = slices.Clone(u.Result)
	}
	if u.Error != nil {
		e := *u.Error
		j.Error = &e
	}
	if u.Duration != nil {
		j.Duration = *u.Duration
	}
	if u.Details != nil {
		j.Details = slices.Clone(u.Details)
	}
	if u.LastUpdate != nil {
		j.LastUpdate = *u.LastUpdate
	} else {
		j.LastUpdate = stamp
	}
}

func effectiveProgress(u Update, current int) int {
	if u.Status == StatusCompleted {
		return 100
	}
	if u.Progress == nil {
		return current
	}
	return min(max(*u.Progress, 0), 100)
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.Clone(), true
}

// List returns snapshots of all jobs in insertion order.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id].Clone())
	}
	return out
}

// Len returns the number of known jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Subscribe records interest in a job. Returns false if already subscribed.
func (r *Registry) Subscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; ok {
		return false
	}
	r.subs[id] = struct{}{}
	r.subOrder = append(r.subOrder, id)
	return true
}

// Unsubscribe removes interest in a job. Returns false if not subscribed.
func (r *Registry) Unsubscribe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	r.subOrder = slices.DeleteFunc(r.subOrder, func(s string) bool { return s == id })
	return true
}

// IsSubscribed reports whether the job is subscribed.
func (r *Registry) IsSubscribed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[id]
	return ok
}

// Subscriptions returns subscribed job IDs in subscription order.
func (r *Registry) Subscriptions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.subOrder)
}

// SubscriptionCount returns the number of subscribed jobs.
func (r *Registry) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
