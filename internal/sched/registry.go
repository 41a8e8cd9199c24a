package sched

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"orcasched/internal/kernel"
)

// taskRegistry is the gtid-ordered set of live tasks of one scheduler
// instance. Adds and removes are serialized so metric collection can walk it
// from the reporting agent.
type taskRegistry struct {
	mu    sync.Mutex
	tasks *treemap.Map // kernel.Gtid -> *Task
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: treemap.NewWith(cmpGtid)}
}

func (r *taskRegistry) add(t *Task) {
	r.mu.Lock()
	r.tasks.Put(t.Gtid, t)
	r.mu.Unlock()
}

func (r *taskRegistry) remove(gtid kernel.Gtid) {
	r.mu.Lock()
	r.tasks.Remove(gtid)
	r.mu.Unlock()
}

func (r *taskRegistry) get(gtid kernel.Gtid) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.tasks.Get(gtid)
	if !ok {
		return nil
	}
	return v.(*Task)
}

func (r *taskRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks.Size()
}

// each calls fn for every task in gtid order until fn returns false. fn
// runs with the registry locked and must not add or remove tasks.
func (r *taskRegistry) each(fn func(t *Task) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it := r.tasks.Iterator()
	for it.Next() {
		if !fn(it.Value().(*Task)) {
			return
		}
	}
}

// list returns the tasks matching keep, in gtid order.
func (r *taskRegistry) list(keep func(t *Task) bool) []*Task {
	var out []*Task
	r.each(func(t *Task) bool {
		if keep == nil || keep(t) {
			out = append(out, t)
		}
		return true
	})
	return out
}

// deadSet holds the final metrics of tasks that died since the last report.
type deadSet struct {
	mu      sync.Mutex
	metrics []MetricSnapshot
}

func (d *deadSet) add(s MetricSnapshot) {
	d.mu.Lock()
	d.metrics = append(d.metrics, s)
	d.mu.Unlock()
}

func (d *deadSet) drain() []MetricSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.metrics
	d.metrics = nil
	return out
}

func cmpGtid(a, b any) int {
	x, y := a.(kernel.Gtid), b.(kernel.Gtid)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}
