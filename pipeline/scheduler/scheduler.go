// Package scheduler implements the request scheduler of spec §4.6: it turns
// a task DAG into worker-pool executions, deduplicating concurrent requests
// for the identical (source, request) identity so at most one produce() call
// is ever in flight for a given computation.
//
// The worker pool itself is github.com/Carmen-Shannon/automation/tools/worker,
// a bounded, reusable goroutine pool: submitted jobs run behind a fixed set
// of workers that spin down after an idle timeout. Here it drains a batch of
// independent produce() jobs behind each task's own done channel
// (pipeline/task.Task.Wait) using the same "bounded goroutines, closures,
// synchronize on completion" pattern the pool is designed for.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Carmen-Shannon/automation/tools/worker"

	"github.com/metcore/viz3d-core/pipeline/task"
)

// Scheduler executes task DAGs across a bounded worker pool, deduplicating
// in-flight tasks by (source, request) identity.
type Scheduler struct {
	pool worker.DynamicWorkerPool
	log  *zap.Logger

	nextTaskID atomic.Int64

	mu       sync.Mutex
	inflight map[string]*task.Task
}

// New constructs a Scheduler backed by a worker pool of the given size.
// queueSize bounds how many submitted-but-not-yet-picked-up jobs the pool
// will buffer before SubmitTask blocks; idleTimeout is how long an idle
// worker waits before spinning down, mirroring worker.NewDynamicWorkerPool's
// own parameters. log may be nil.
func New(workers, queueSize int, idleTimeout time.Duration, log *zap.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		pool:     worker.NewDynamicWorkerPool(workers, queueSize, idleTimeout),
		log:      log,
		inflight: make(map[string]*task.Task),
	}
}

// IsScheduled returns the in-flight task registered under (ownerID,
// canonicalRequest), or nil if none exists. Used by datasource.Base to
// decide whether an incoming request joins an existing computation.
func (s *Scheduler) IsScheduled(ownerID, canonicalRequest string) *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[ownerID+"::"+canonicalRequest]
}

// ScheduleTaskGraph enqueues root for execution, walking its parents
// depth-first and deduplicating every node against the in-flight table
// before submitting it to the worker pool (spec §4.6, "scheduleTaskGraph").
// Returns the task actually tracked for root's identity: root itself on a
// fresh schedule, or a pre-existing task (with one more reservation) if the
// identical (source, request) was already in flight — this is the
// deduplication invariant of spec §4.6: two callers asking for the same task
// graph get back the same Task object.
func (s *Scheduler) ScheduleTaskGraph(root *task.Task) *task.Task {
	return s.scheduleNode(root)
}

func (s *Scheduler) scheduleNode(t *task.Task) *task.Task {
	key := t.Key()

	s.mu.Lock()
	if existing, ok := s.inflight[key]; ok {
		existing.Reserve()
		s.mu.Unlock()
		s.log.Debug("scheduler: dedup hit, added reservation", zap.String("key", key), zap.Int("reservations", existing.Reservations()))
		return existing
	}
	s.inflight[key] = t
	s.mu.Unlock()

	resolved := make([]*task.Task, len(t.Parents))
	for i, p := range t.Parents {
		resolved[i] = s.scheduleNode(p)
	}
	t.Parents = resolved

	id := int(s.nextTaskID.Add(1))
	s.pool.SubmitTask(worker.Task{
		ID: id,
		Do: func() (any, error) {
			s.execute(t)
			return nil, nil
		},
	})
	return t
}

// execute waits for every (already-deduplicated) parent to finish, then runs
// t's own Produce step and publishes the outcome. A parent failure short-
// circuits: t never calls Produce and publishes the parent's error, per spec
// §7 ("errors bubble out and cancel the task").
func (s *Scheduler) execute(t *task.Task) {
	for _, p := range t.Parents {
		if _, err := p.Wait(); err != nil {
			t.Publish(nil, err)
			s.finish(t)
			return
		}
	}

	t.MarkExecuting()
	result, err := t.Source.Produce(t.Request)
	t.Publish(result, err)
	s.finish(t)

	if err != nil {
		s.log.Debug("scheduler: task failed", zap.String("key", t.Key()), zap.Error(err))
	} else {
		s.log.Debug("scheduler: task published", zap.String("key", t.Key()))
	}
}

// finish removes t from the in-flight table so a later request for the same
// identity schedules fresh work instead of joining a completed task.
func (s *Scheduler) finish(t *task.Task) {
	s.mu.Lock()
	delete(s.inflight, t.Key())
	s.mu.Unlock()
}

// InflightCount reports how many distinct (source, request) tasks are
// currently scheduled, for tests and diagnostics.
func (s *Scheduler) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
