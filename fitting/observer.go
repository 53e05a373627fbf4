package fitting

import (
	"log"

	"gonum.org/v1/gonum/optimize"
)

// FitObserver receives iteration diagnostics from the drivers. It replaces
// ambient logging inside the optimization math: the objective functions never
// log, the drivers notify the observer after each accepted iteration.
type FitObserver interface {
	Iteration(fit string, iter int, value float64, params []float64)
	EpochChisq(fit, stage string, epoch int, value float64)
	Done(fit string, diag Diagnostics)
}

// LogObserver writes iteration diagnostics to the standard logger.
type LogObserver struct{}

func (LogObserver) Iteration(fit string, iter int, value float64, params []float64) {
	log.Printf("%s: iter %3d chisq=%10.2f", fit, iter, value)
}

func (LogObserver) EpochChisq(fit, stage string, epoch int, value float64) {
	log.Printf("%s: %s chisq epoch %d: %10.2f", fit, stage, epoch, value)
}

func (LogObserver) Done(fit string, diag Diagnostics) {
	log.Printf("%s: %s after %d iterations, %d calls, val=%8.2f",
		fit, diag.Status, diag.Iterations, diag.FuncEvals, diag.Value)
}

// observerRecorder adapts a FitObserver to gonum's optimize.Recorder so that
// every major iteration of a minimizer reaches the observer.
type observerRecorder struct {
	obs  FitObserver
	fit  string
	iter int
}

func newRecorder(obs FitObserver, fit string) optimize.Recorder {
	if obs == nil {
		return nil
	}
	return &observerRecorder{obs: obs, fit: fit}
}

func (r *observerRecorder) Init() error {
	r.iter = 0
	return nil
}

func (r *observerRecorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op&optimize.MajorIteration != 0 {
		r.iter++
		x := make([]float64, len(loc.X))
		copy(x, loc.X)
		r.obs.Iteration(r.fit, r.iter, loc.F, x)
	}
	return nil
}

// notifyDone forwards final diagnostics to the observer if one is set.
func notifyDone(obs FitObserver, fit string, diag Diagnostics) {
	if obs != nil {
		obs.Done(fit, diag)
	}
}
