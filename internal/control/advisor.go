package control

import (
	"sync"

	"go.uber.org/zap"
)

// Suggestion is the advisor's verdict, shaped like the command that would
// apply it.
type Suggestion = SetScheduler

const suggestedPreemptionUS = 500

// Thresholds on the variance of queued time, in us^2.
const (
	dispersiveVariance = 500 * 500
	uniformVariance    = 50 * 50
	longFraction       = 0.1
)

// Advisor accumulates ingress hints and task metrics between two Clear
// calls and derives a policy from them. It is safe for concurrent use.
type Advisor struct {
	mu       sync.Mutex
	log      *zap.Logger
	numShort int
	numLong  int
	queuedUS []int64
}

func NewAdvisor(log *zap.Logger) *Advisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Advisor{log: log.Named("advisor")}
}

func (a *Advisor) AddHint(k HintKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch k {
	case HintShort:
		a.numShort++
	case HintLong:
		a.numLong++
	}
}

func (a *Advisor) AddMetric(m Metric) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queuedUS = append(a.queuedUS, m.QueuedUS)
}

// Counts reports what has been seen since the last Clear.
func (a *Advisor) Counts() (short, long, metrics int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numShort, a.numLong, len(a.queuedUS)
}

// SuggestFromHints picks per-cpu fifo unless at least a tenth of the
// requests are long. With no hints it suggests per-cpu fifo.
func (a *Advisor) SuggestFromHints() Suggestion {
	a.mu.Lock()
	short, long := a.numShort, a.numLong
	a.mu.Unlock()

	if short+long == 0 {
		return Suggestion{Type: SchedDFCFS, PreemptionIntervalUS: -1}
	}
	p := float64(long) / float64(short+long)
	if p < longFraction {
		return Suggestion{Type: SchedDFCFS, PreemptionIntervalUS: -1}
	}
	return Suggestion{Type: SchedCFCFS, PreemptionIntervalUS: suggestedPreemptionUS}
}

// SuggestFromMetrics looks at how dispersed the queued times are. A
// dispersive workload moves per-cpu fifo to centralized; centralized stays
// only while queued times are uniform. With no metrics the current policy
// is kept.
func (a *Advisor) SuggestFromMetrics(current SchedType) Suggestion {
	a.mu.Lock()
	v, ok := variance(a.queuedUS)
	a.mu.Unlock()

	keep := Suggestion{Type: current, PreemptionIntervalUS: -1}
	if current == SchedCFCFS {
		keep.PreemptionIntervalUS = suggestedPreemptionUS
	}
	if !ok {
		return keep
	}

	var next Suggestion
	switch current {
	case SchedCFCFS:
		next = Suggestion{Type: SchedDFCFS, PreemptionIntervalUS: -1}
		if v < uniformVariance {
			next = keep
		}
		a.log.Debug("determining scheduler",
			zap.Stringer("current", current),
			zap.Float64("variance", v),
			zap.Float64("threshold", uniformVariance))
	default:
		next = Suggestion{Type: SchedDFCFS, PreemptionIntervalUS: -1}
		if v >= dispersiveVariance {
			next = Suggestion{Type: SchedCFCFS, PreemptionIntervalUS: suggestedPreemptionUS}
		}
		a.log.Debug("determining scheduler",
			zap.Stringer("current", current),
			zap.Float64("variance", v),
			zap.Float64("threshold", dispersiveVariance))
	}
	return next
}

func (a *Advisor) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.numShort, a.numLong = 0, 0
	a.queuedUS = a.queuedUS[:0]
}

// variance is the population variance of xs.
func variance(xs []int64) (float64, bool) {
	if len(xs) == 0 {
		return 0, false
	}
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := float64(x) - mean
		sq += d * d
	}
	return sq / float64(len(xs)), true
}

// Suggest prefers the ingress hints when there are any and falls back to
// the metrics otherwise.
func (a *Advisor) Suggest(current SchedType) Suggestion {
	short, long, _ := a.Counts()
	if short+long > 0 {
		return a.SuggestFromHints()
	}
	return a.SuggestFromMetrics(current)
}
