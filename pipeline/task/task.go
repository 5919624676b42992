// Package task defines the unit of scheduled work shared between the
// datasource and scheduler packages: a Task DAG node pairing a producing
// Source with the request it computes, plus the upstream tasks it depends
// on. Splitting this out of both packages avoids a scheduler<->datasource
// import cycle (the scheduler needs to execute a producer; the datasource
// needs to hand the scheduler a graph built from its own producers).
package task

import (
	"sync"

	"github.com/metcore/viz3d-core/pipeline/item"
	"github.com/metcore/viz3d-core/pipeline/request"
)

// Source is the minimal capability the scheduler needs from a data source:
// an identity for cache scoping and a thread-safe compute step. Concrete
// data sources implement this as part of the larger datasource.DataSource
// contract.
type Source interface {
	OwnerID() string
	Produce(req *request.Request) (item.DataItem, error)
}

// State is a Task's position in its lifecycle.
type State int

const (
	// StatePending has been constructed but not yet handed to a worker.
	StatePending State = iota
	// StateExecuting is running produce; the scheduler enters it only after
	// every parent has finished.
	StateExecuting
	// StateDone has a published result (Err set on failure).
	StateDone
)

// Task is one node of a task DAG: a request to compute against a specific
// source, depending on zero or more parent tasks (upstream sources this
// request's source itself needs data from). Two tasks are the same task,
// in the scheduler's deduplication sense, iff they share (Source, Request)
// identity — see scheduler.Scheduler.IsScheduled.
type Task struct {
	Source  Source
	Request *request.Request
	Parents []*Task

	mu sync.Mutex

	state State
	// reservations counts how many callers are waiting on this task's
	// result beyond the one that created it. It is a count only: on
	// publication the scheduler takes no cache reference for it, and each
	// waiter takes its own reference through a later Contains/Get.
	reservations int

	result item.DataItem
	err    error
	done   chan struct{}
}

// New constructs a pending task for source/req depending on parents.
func New(source Source, req *request.Request, parents ...*Task) *Task {
	return &Task{
		Source:  source,
		Request: req,
		Parents: parents,
		done:    make(chan struct{}),
	}
}

// Key returns the identity used for scheduler deduplication: the owning
// source's ID plus the request's canonical text form.
func (t *Task) Key() string {
	return t.Source.OwnerID() + "::" + t.Request.Canonical()
}

// Reserve registers an additional interested caller on an already-scheduled
// task and returns the new reservation count. The scheduler calls it under
// its own task-table lock; datasource.Base.RequestAsync calls it after
// IsScheduled has returned, without that lock, so that registration is not
// serialized with publication.
func (t *Task) Reserve() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reservations++
	return t.reservations
}

// Reservations returns the current reservation count.
func (t *Task) Reservations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reservations
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// MarkExecuting transitions Pending -> Executing. Called by the scheduler
// just before a worker begins running this task's Produce step.
func (t *Task) MarkExecuting() {
	t.mu.Lock()
	t.state = StateExecuting
	t.mu.Unlock()
}

// Publish records the outcome and transitions to Done, unblocking every
// goroutine waiting in Wait. Called by the scheduler exactly once per task.
func (t *Task) Publish(result item.DataItem, err error) {
	t.mu.Lock()
	t.result = result
	t.err = err
	t.state = StateDone
	t.mu.Unlock()
	close(t.done)
}

// Wait blocks until the task reaches StateDone and returns its outcome.
// Safe to call from multiple goroutines; all see the same outcome.
func (t *Task) Wait() (item.DataItem, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}
