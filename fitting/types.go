package fitting

import "github.com/paulmach/orb"

// Epoch bundles one observation of the scene: its data and weight cubes, the
// forward model for that night's atmospheric conditions, and the sub-pixel
// position of the data grid in model coordinates.
type Epoch struct {
	Data   *Cube
	Weight *Cube
	Atm    AtmModel
	Ctr    orb.Point
}

// FitProblem aggregates everything the joint fit operates on: the shared
// galaxy model, the per-epoch records and the shared point-source position
// (model frame). Evaluator functions read it; only the drivers reassign the
// galaxy and positions between iterations.
type FitProblem struct {
	Galaxy *Cube
	Epochs []Epoch
	SNCtr  orb.Point
}

// Chisq evaluates the fully profiled joint chi-square at the positions
// currently stored in the problem.
func (p *FitProblem) Chisq() (float64, error) {
	x := make([]float64, 2*(len(p.Epochs)+1))
	for i, e := range p.Epochs {
		x[2*i] = e.Ctr.Y()
		x[2*i+1] = e.Ctr.X()
	}
	x[2*len(p.Epochs)] = p.SNCtr.Y()
	x[2*len(p.Epochs)+1] = p.SNCtr.X()
	return ChisqPSSM(x, p.Galaxy, p.Epochs)
}

// Diagnostics summarizes one optimizer run.
type Diagnostics struct {
	Value      float64
	Iterations int
	FuncEvals  int
	GradEvals  int
	HessEvals  int
	Status     string
}

// PositionFitResult holds the output of the joint position fit: fitted data
// positions, the fitted point-source position, and the per-epoch profiled sky
// and point-source spectra re-evaluated at the optimum.
type PositionFitResult struct {
	Ctrs  []orb.Point
	SNCtr orb.Point
	Skys  [][]float64
	SNe   [][]float64
}

// pt builds an orb.Point from (y, x) spaxel coordinates. Positions follow the
// cube convention (y first); orb stores (x, y).
func pt(y, x float64) orb.Point {
	return orb.Point{x, y}
}
