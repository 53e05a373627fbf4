package fitting

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/optimize"
)

// zeroPenalty is used when the caller passes no regularization.
type zeroPenalty struct{}

func (zeroPenalty) Penalty(g *Cube) (float64, *Cube) {
	return 0, NewCube(g.NW, g.NY, g.NX)
}

func wrapPenalty(penalty RegPenalty, scale float64) RegPenalty {
	if penalty == nil {
		return zeroPenalty{}
	}
	return scaledPenalty{inner: penalty, scale: scale}
}

// FitGalaxySingle fits the galaxy model to a single epoch of sky-subtracted
// data with a bounded-memory quasi-Newton minimizer over the flattened model,
// using the analytic chi-square gradient plus the regularization gradient.
func FitGalaxySingle(galaxy0 *Cube, data, weight *Cube, ctr orb.Point, atm AtmModel, penalty RegPenalty, cfg *Config, obs FitObserver) (*Cube, error) {
	pen := wrapPenalty(penalty, cfg.RegScale)
	nw, ny, nx := galaxy0.NW, galaxy0.NY, galaxy0.NX

	prob := optimize.Problem{
		Func: func(x []float64) float64 {
			g := cubeAround(nw, ny, nx, x)
			cval, _ := ChisqGalaxySingle(g, data, weight, ctr, atm)
			rval, _ := pen.Penalty(g)
			return cval + rval
		},
		Grad: func(dst, x []float64) {
			g := cubeAround(nw, ny, nx, x)
			_, cgrad := ChisqGalaxySingle(g, data, weight, ctr, atm)
			_, rgrad := pen.Penalty(g)
			for i := range dst {
				dst[i] = cgrad.Data[i] + rgrad.Data[i]
			}
		},
	}

	x0 := append([]float64(nil), galaxy0.Data...)
	res, err := optimize.Minimize(prob, x0, cfg.settings(newRecorder(obs, "fit_galaxy_single")), &optimize.LBFGS{})
	if err != nil {
		return nil, fmt.Errorf("fit galaxy single: %w", err)
	}
	if serr := checkStatus(res.Status); serr != nil {
		return nil, fmt.Errorf("fit galaxy single: %w", serr)
	}
	notifyDone(obs, "fit_galaxy_single", diagFromResult(res))

	return cubeAround(nw, ny, nx, res.X), nil
}

// FitGalaxySkyMulti fits the shared galaxy model to all epochs at once with
// the per-epoch sky floating (profiled inside the objective). Returns the
// fitted galaxy and the profiled sky spectra re-evaluated at the optimum.
func FitGalaxySkyMulti(galaxy0 *Cube, epochs []Epoch, penalty RegPenalty, cfg *Config, obs FitObserver) (*Cube, [][]float64, error) {
	pen := wrapPenalty(penalty, cfg.RegScale)
	nw, ny, nx := galaxy0.NW, galaxy0.NY, galaxy0.NX

	notifyEpochChisq(obs, "initial", galaxy0, epochs)

	prob := optimize.Problem{
		Func: func(x []float64) float64 {
			g := cubeAround(nw, ny, nx, x)
			cval, _ := ChisqGalaxySkyMulti(g, epochs, cfg.Workers)
			rval, _ := pen.Penalty(g)
			return cval + rval
		},
		Grad: func(dst, x []float64) {
			g := cubeAround(nw, ny, nx, x)
			_, cgrad := ChisqGalaxySkyMulti(g, epochs, cfg.Workers)
			_, rgrad := pen.Penalty(g)
			for i := range dst {
				dst[i] = cgrad.Data[i] + rgrad.Data[i]
			}
		},
	}

	x0 := append([]float64(nil), galaxy0.Data...)
	res, err := optimize.Minimize(prob, x0, cfg.settings(newRecorder(obs, "fit_galaxy_sky_multi")), &optimize.LBFGS{})
	if err != nil {
		return nil, nil, fmt.Errorf("fit galaxy sky multi: %w", err)
	}
	if serr := checkStatus(res.Status); serr != nil {
		return nil, nil, fmt.Errorf("fit galaxy sky multi: %w", serr)
	}
	notifyDone(obs, "fit_galaxy_sky_multi", diagFromResult(res))

	galaxy := cubeAround(nw, ny, nx, res.X)
	notifyEpochChisq(obs, "final", galaxy, epochs)

	skys := make([][]float64, len(epochs))
	for i, e := range epochs {
		skys[i] = profiledSky(galaxy, e)
	}
	return galaxy, skys, nil
}

// FitPositionSky fits one epoch's sub-pixel data position against a fixed
// galaxy model with a derivative-free simplex search. The sky is profiled at
// every trial point; positions outside the feasibility window evaluate to
// +Inf without touching the forward model.
func FitPositionSky(galaxy *Cube, data, weight *Cube, ctr0 orb.Point, atm AtmModel, cfg *Config, obs FitObserver) (orb.Point, []float64, error) {
	box := intersectBound(windowBound(ctr0, cfg.PositionBound), YXBounds(galaxy.Shape(), data.Shape()))
	if box.Min[0] >= box.Max[0] || box.Min[1] >= box.Max[1] {
		return orb.Point{}, nil, fmt.Errorf("fit position sky: empty feasibility box for initial position (%g, %g)", ctr0.Y(), ctr0.X())
	}

	objective := func(x []float64) float64 {
		p := pt(x[0], x[1])
		if p.X() <= box.Min[0] || p.X() >= box.Max[0] || p.Y() <= box.Min[1] || p.Y() >= box.Max[1] {
			return math.Inf(1)
		}
		scene := atm.EvaluateGalaxy(galaxy, data.Shape(), p)
		return skyProfiledChisq(scene, data, weight)
	}

	start := clampToBound(ctr0, box, 1e-6)
	x0 := []float64{start.Y(), start.X()}
	res, err := optimize.Minimize(optimize.Problem{Func: objective}, x0, cfg.settings(newRecorder(obs, "fit_position_sky")), &optimize.NelderMead{})
	if err != nil {
		return orb.Point{}, nil, fmt.Errorf("fit position sky: %w", err)
	}
	if serr := checkStatus(res.Status); serr != nil {
		return orb.Point{}, nil, fmt.Errorf("fit position sky: %w", serr)
	}
	notifyDone(obs, "fit_position_sky", diagFromResult(res))

	ctr := pt(res.X[0], res.X[1])
	sky := profiledSky(galaxy, Epoch{Data: data, Weight: weight, Atm: atm, Ctr: ctr})
	return ctr, sky, nil
}

// FitPositionSkySNMulti jointly fits every epoch's data position and the
// shared point-source position; per-epoch sky and point-source amplitude are
// profiled per wavelength at every trial. strategy selects the outer loop;
// nil uses the one named in the config. The returned sky and point-source
// spectra are re-evaluated at the optimum.
func FitPositionSkySNMulti(galaxy *Cube, epochs []Epoch, snctr0 orb.Point, strategy PositionStrategy, cfg *Config, obs FitObserver) (*PositionFitResult, error) {
	nepochs := len(epochs)
	if nepochs == 0 {
		return nil, fmt.Errorf("fit position sky sn multi: no epochs")
	}
	if strategy == nil {
		var err error
		strategy, err = NewPositionStrategy(cfg, obs)
		if err != nil {
			return nil, fmt.Errorf("fit position sky sn multi: %w", err)
		}
	}

	// Epoch windows are clipped so the data grid stays inside the model
	// footprint; the point-source window is not.
	bounds := make([]orb.Bound, nepochs+1)
	x0 := make([]float64, 2*(nepochs+1))
	for i, e := range epochs {
		bounds[i] = intersectBound(windowBound(e.Ctr, cfg.MultiBound), YXBounds(galaxy.Shape(), e.Data.Shape()))
		if bounds[i].Min[0] >= bounds[i].Max[0] || bounds[i].Min[1] >= bounds[i].Max[1] {
			return nil, fmt.Errorf("fit position sky sn multi: empty feasibility box for epoch %d", i)
		}
		x0[2*i] = e.Ctr.Y()
		x0[2*i+1] = e.Ctr.X()
	}
	bounds[nepochs] = windowBound(snctr0, cfg.MultiBound)
	x0[2*nepochs] = snctr0.Y()
	x0[2*nepochs+1] = snctr0.X()

	obj := &PositionObjective{
		Galaxy:  galaxy,
		Epochs:  epochs,
		HessEPS: cfg.HessEPS,
		FineEPS: cfg.FineEPS,
		Workers: cfg.Workers,
	}

	x, diag, err := strategy.Fit(obj, x0, bounds)
	if err != nil {
		return nil, fmt.Errorf("fit position sky sn multi: %w", err)
	}
	notifyDone(obs, "fit_position_sky_sn_multi", diag)

	result := &PositionFitResult{
		Ctrs:  make([]orb.Point, nepochs),
		SNCtr: ctrAt(x, nepochs),
		Skys:  make([][]float64, nepochs),
		SNe:   make([][]float64, nepochs),
	}
	for i, e := range epochs {
		result.Ctrs[i] = ctrAt(x, i)
		gal := e.Atm.EvaluateGalaxy(galaxy, e.Data.Shape(), result.Ctrs[i])
		psf := e.Atm.EvaluatePointSource(result.SNCtr, e.Data.Shape(), result.Ctrs[i])
		sky, sn, err := DetermineSkyAndSN(gal, psf, e.Data, e.Weight)
		if err != nil {
			return nil, fmt.Errorf("fit position sky sn multi: epoch %d: %w", i, err)
		}
		result.Skys[i] = sky
		result.SNe[i] = sn
	}
	return result, nil
}

// profiledSky evaluates the galaxy scene at the epoch's position and returns
// the weighted average residual per wavelength (zero where the slice carries
// no weight).
func profiledSky(galaxy *Cube, e Epoch) []float64 {
	scene := e.Atm.EvaluateGalaxy(galaxy, e.Data.Shape(), e.Ctr)
	nsp := e.Data.NSpaxels()
	sky := make([]float64, e.Data.NW)
	for w := 0; w < e.Data.NW; w++ {
		base := w * nsp
		var num, den float64
		for i := 0; i < nsp; i++ {
			num += e.Weight.Data[base+i] * (e.Data.Data[base+i] - scene.Data[base+i])
			den += e.Weight.Data[base+i]
		}
		if den != 0 {
			sky[w] = num / den
		}
	}
	return sky
}

// skyProfiledChisq subtracts the profiled sky from the residual and returns
// the weighted sum of squares.
func skyProfiledChisq(scene, data, weight *Cube) float64 {
	nsp := data.NSpaxels()
	chisq := 0.0
	for w := 0; w < data.NW; w++ {
		base := w * nsp
		var num, den float64
		for i := 0; i < nsp; i++ {
			num += weight.Data[base+i] * (data.Data[base+i] - scene.Data[base+i])
			den += weight.Data[base+i]
		}
		sky := 0.0
		if den != 0 {
			sky = num / den
		}
		for i := 0; i < nsp; i++ {
			r := data.Data[base+i] - scene.Data[base+i] - sky
			chisq += weight.Data[base+i] * r * r
		}
	}
	return chisq
}

func diagFromResult(res *optimize.Result) Diagnostics {
	return Diagnostics{
		Value:      res.F,
		Iterations: res.Stats.MajorIterations,
		FuncEvals:  res.Stats.FuncEvaluations,
		GradEvals:  res.Stats.GradEvaluations,
		HessEvals:  res.Stats.HessEvaluations,
		Status:     res.Status.String(),
	}
}

// notifyEpochChisq reports the sky-floating chi-square of every epoch to the
// observer, nothing when none is set.
func notifyEpochChisq(obs FitObserver, stage string, galaxy *Cube, epochs []Epoch) {
	if obs == nil {
		return
	}
	for i, e := range epochs {
		cval, _ := ChisqGalaxySkySingle(galaxy, e.Data, e.Weight, e.Ctr, e.Atm)
		obs.EpochChisq("fit_galaxy_sky_multi", stage, i, cval)
	}
}
