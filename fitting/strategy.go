package fitting

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// PositionObjective is the fully profiled joint position objective shared by
// every strategy: at any trial position vector the sky and point-source
// amplitude have already been eliminated analytically, so only the genuinely
// nonlinear position parameters remain.
//
// The derivative-free strategy sees +Inf outside the feasibility boxes and
// the forward model is never evaluated there. The line-search strategies
// instead project every trial into the boxes, so value, gradient and Hessian
// always describe the same point.
type PositionObjective struct {
	Galaxy  *Cube
	Epochs  []Epoch
	HessEPS float64
	FineEPS float64
	Workers int

	// Bounds holds one feasibility box per (y, x) pair, the point-source
	// box last. Set by the strategy before the run starts.
	Bounds []orb.Bound

	err error
}

// Err returns the first fatal profiling error seen during the run. The
// objective cannot return errors through the minimizer, so it records the
// error, reports +Inf, and the strategy checks here afterwards.
func (o *PositionObjective) Err() error {
	return o.err
}

func (o *PositionObjective) fail(err error) float64 {
	if o.err == nil {
		o.err = err
	}
	return math.Inf(1)
}

func (o *PositionObjective) inBounds(x []float64) bool {
	for i, b := range o.Bounds {
		p := ctrAt(x, i)
		if p.X() <= b.Min[0] || p.X() >= b.Max[0] || p.Y() <= b.Min[1] || p.Y() >= b.Max[1] {
			return false
		}
	}
	return true
}

// clamped returns x with every pair moved at least margin inside its box.
func (o *PositionObjective) clamped(x []float64, margin float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	for i, b := range o.Bounds {
		p := clampToBound(ctrAt(x, i), b, margin)
		out[2*i] = p.Y()
		out[2*i+1] = p.X()
	}
	return out
}

// proj moves x inside the boxes with enough margin that every
// finite-difference perturbation stays inside too: the Hessian stencil
// reaches 2*HessEPS, the central gradient FineEPS.
func (o *PositionObjective) proj(x []float64) []float64 {
	m := 2 * o.HessEPS
	if o.FineEPS > m {
		m = o.FineEPS
	}
	return o.clamped(x, m)
}

// Value returns the profiled chi-square, or +Inf for an out-of-bounds trial.
// The simplex strategy uses it; its contractions handle the rejection.
func (o *PositionObjective) Value(x []float64) float64 {
	if !o.inBounds(x) {
		return math.Inf(1)
	}
	v, err := ChisqPSSM(x, o.Galaxy, o.Epochs)
	if err != nil {
		return o.fail(err)
	}
	return v
}

// boundedValue is the objective surface for the line-search strategies:
// infeasible trials are projected into the boxes rather than rejected, so
// Func, Grad and Hess agree on the point they describe.
func (o *PositionObjective) boundedValue(x []float64) float64 {
	v, err := ChisqPSSM(o.proj(x), o.Galaxy, o.Epochs)
	if err != nil {
		return o.fail(err)
	}
	return v
}

// Grad fills dst with the central-difference gradient at the projected trial
// point. The coarse forward-difference layer is too biased near an optimum
// for a Wolfe line search; the central half-width FineEPS leaves only an
// O(FineEPS^2) bias.
func (o *PositionObjective) Grad(dst, x []float64) {
	g, err := chisqPSSMGradCentral(o.proj(x), o.Galaxy, o.Epochs, o.FineEPS, o.Workers)
	if err != nil {
		o.fail(err)
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	copy(dst, g)
}

// Hess fills dst with the sparse finite-difference Hessian at the projected
// trial point.
func (o *PositionObjective) Hess(dst *mat.SymDense, x []float64) {
	h, err := ChisqPSSMHess(o.proj(x), o.Galaxy, o.Epochs, o.HessEPS)
	if err != nil {
		o.fail(err)
		dst.Zero()
		return
	}
	dst.CopySym(h)
}

// PositionStrategy is one interchangeable outer loop for the joint position
// fit. All strategies minimize the same PositionObjective; they differ only
// in how trial points are chosen.
type PositionStrategy interface {
	Fit(obj *PositionObjective, x0 []float64, bounds []orb.Bound) ([]float64, Diagnostics, error)
}

// NewPositionStrategy builds the strategy named in the config. "newton" is
// the default second-order method; "lbfgs" and "neldermead" are the
// quasi-Newton and derivative-free alternatives.
func NewPositionStrategy(cfg *Config, obs FitObserver) (PositionStrategy, error) {
	switch cfg.Strategy {
	case "", StrategyNewton:
		return &NewtonStrategy{cfg: cfg, obs: obs}, nil
	case StrategyLBFGS:
		return &LBFGSStrategy{cfg: cfg, obs: obs}, nil
	case StrategyNelderMead:
		return &NelderMeadStrategy{cfg: cfg, obs: obs}, nil
	default:
		return nil, fmt.Errorf("unknown position strategy %q", cfg.Strategy)
	}
}

// NewtonStrategy drives the fit with a Newton step built from the
// finite-difference gradient and sparse Hessian.
type NewtonStrategy struct {
	cfg *Config
	obs FitObserver
}

func (s *NewtonStrategy) Fit(obj *PositionObjective, x0 []float64, bounds []orb.Bound) ([]float64, Diagnostics, error) {
	obj.Bounds = bounds
	p := optimize.Problem{Func: obj.boundedValue, Grad: obj.Grad, Hess: obj.Hess}
	res, err := optimize.Minimize(p, x0, s.cfg.settings(newRecorder(s.obs, "fit_position_sky_sn_multi")), &optimize.Newton{})
	return finishProjected(obj, res, err)
}

// LBFGSStrategy is the quasi-Newton alternative, using only the fine-step
// central gradient.
type LBFGSStrategy struct {
	cfg *Config
	obs FitObserver
}

func (s *LBFGSStrategy) Fit(obj *PositionObjective, x0 []float64, bounds []orb.Bound) ([]float64, Diagnostics, error) {
	obj.Bounds = bounds
	p := optimize.Problem{Func: obj.boundedValue, Grad: obj.Grad}
	res, err := optimize.Minimize(p, x0, s.cfg.settings(newRecorder(s.obs, "fit_position_sky_sn_multi")), &optimize.LBFGS{})
	return finishProjected(obj, res, err)
}

// NelderMeadStrategy is the derivative-free alternative; infeasible trial
// points see +Inf and the simplex contracts away from them.
type NelderMeadStrategy struct {
	cfg *Config
	obs FitObserver
}

func (s *NelderMeadStrategy) Fit(obj *PositionObjective, x0 []float64, bounds []orb.Bound) ([]float64, Diagnostics, error) {
	obj.Bounds = bounds
	p := optimize.Problem{Func: obj.Value}
	res, err := optimize.Minimize(p, x0, s.cfg.settings(newRecorder(s.obs, "fit_position_sky_sn_multi")), &optimize.NelderMead{})
	return finishRun(obj, res, err)
}

// finishProjected is finishRun for the line-search strategies, whose
// objective projects infeasible trials: the reported optimum is the point
// actually evaluated.
func finishProjected(obj *PositionObjective, res *optimize.Result, err error) ([]float64, Diagnostics, error) {
	x, diag, ferr := finishRun(obj, res, err)
	if ferr != nil {
		return x, diag, ferr
	}
	return obj.proj(x), diag, nil
}

// finishRun turns a minimizer result into (x, diagnostics, error), surfacing
// profiling errors and non-success termination codes as fatal.
func finishRun(obj *PositionObjective, res *optimize.Result, err error) ([]float64, Diagnostics, error) {
	if obj.Err() != nil {
		return nil, Diagnostics{}, obj.Err()
	}
	if err != nil {
		// The line search gives out once the finite-difference gradient
		// noise dominates the remaining true gradient; the incumbent point
		// is converged to the accuracy the step size supports.
		if errors.Is(err, optimize.ErrLinesearcherFailure) && res != nil &&
			!math.IsInf(res.F, 0) && !math.IsNaN(res.F) {
			diag := Diagnostics{
				Value:      res.F,
				Iterations: res.Stats.MajorIterations,
				FuncEvals:  res.Stats.FuncEvaluations,
				GradEvals:  res.Stats.GradEvaluations,
				HessEvals:  res.Stats.HessEvaluations,
				Status:     "LinesearchExhausted",
			}
			return res.X, diag, nil
		}
		return nil, Diagnostics{}, fmt.Errorf("optimizer: %w", err)
	}
	diag := Diagnostics{
		Value:      res.F,
		Iterations: res.Stats.MajorIterations,
		FuncEvals:  res.Stats.FuncEvaluations,
		GradEvals:  res.Stats.GradEvaluations,
		HessEvals:  res.Stats.HessEvaluations,
		Status:     res.Status.String(),
	}
	if serr := checkStatus(res.Status); serr != nil {
		return nil, diag, serr
	}
	return res.X, diag, nil
}

// checkStatus classifies a termination status. Convergence statuses pass;
// everything else is fatal, with the optimizer's own diagnostic string
// embedded in the error.
func checkStatus(status optimize.Status) error {
	switch status {
	case optimize.Success,
		optimize.FunctionThreshold,
		optimize.FunctionConvergence,
		optimize.GradientThreshold,
		optimize.StepConvergence,
		optimize.MethodConverge:
		return nil
	case optimize.FunctionEvaluationLimit,
		optimize.GradientEvaluationLimit,
		optimize.HessianEvaluationLimit,
		optimize.RuntimeLimit:
		return fmt.Errorf("optimizer: too many function calls (%v)", status)
	case optimize.IterationLimit:
		return fmt.Errorf("optimizer: too many iterations (%v)", status)
	default:
		return fmt.Errorf("optimizer: exited with status %v", status)
	}
}
