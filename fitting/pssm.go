package fitting

import (
	"fmt"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
)

// Position parameter vectors for the joint fit are laid out
// [y0, x0, y1, x1, ..., ysn, xsn]: one (y, x) pair per epoch followed by the
// shared point-source pair.

func ctrAt(x []float64, i int) orb.Point {
	return pt(x[2*i], x[2*i+1])
}

// ChisqNonrefEpoch returns the fully profiled chi-square of one epoch
// containing both galaxy and point source: the sky and point-source amplitude
// are eliminated per wavelength by DetermineSkyAndSN at the given positions.
func ChisqNonrefEpoch(ctr, snctr orb.Point, galaxy *Cube, data, weight *Cube, atm AtmModel) (float64, error) {
	gal := atm.EvaluateGalaxy(galaxy, data.Shape(), ctr)
	psf := atm.EvaluatePointSource(snctr, data.Shape(), ctr)
	return profiledChisq(gal, psf, data, weight)
}

// ChisqPSSM is the joint position objective: the sum of ChisqNonrefEpoch over
// all epochs at the stacked position vector x.
func ChisqPSSM(x []float64, galaxy *Cube, epochs []Epoch) (float64, error) {
	snctr := ctrAt(x, len(epochs))
	chisq := 0.0
	for i, e := range epochs {
		v, err := ChisqNonrefEpoch(ctrAt(x, i), snctr, galaxy, e.Data, e.Weight, e.Atm)
		if err != nil {
			return 0, fmt.Errorf("epoch %d: %w", i, err)
		}
		chisq += v
	}
	return chisq, nil
}

// ChisqPSSMGrad estimates the gradient of ChisqPSSM by forward differences of
// step eps on every position coordinate. Epochs are independent given the
// point-source position, so each epoch contributes to its own pair and to the
// shared point-source pair only. Per-epoch work fans out over workers
// goroutines.
func ChisqPSSMGrad(x []float64, galaxy *Cube, epochs []Epoch, eps float64, workers int) ([]float64, error) {
	nepochs := len(epochs)
	sny, snx := x[2*nepochs], x[2*nepochs+1]

	grads := make([][4]float64, nepochs) // dy, dx, dsny, dsnx per epoch
	errs := make([]error, nepochs)

	forEachEpoch(nepochs, workers, func(i int) {
		e := epochs[i]
		y, xp := x[2*i], x[2*i+1]

		eval := func(cy, cx, sy, sx float64) (float64, error) {
			return ChisqNonrefEpoch(pt(cy, cx), pt(sy, sx), galaxy, e.Data, e.Weight, e.Atm)
		}

		c0, err := eval(y, xp, sny, snx)
		if err != nil {
			errs[i] = err
			return
		}
		cy, err := eval(y+eps, xp, sny, snx)
		if err == nil {
			grads[i][0] = (cy - c0) / eps
			var cx float64
			cx, err = eval(y, xp+eps, sny, snx)
			if err == nil {
				grads[i][1] = (cx - c0) / eps
				var cz float64
				cz, err = eval(y, xp, sny+eps, snx)
				if err == nil {
					grads[i][2] = (cz - c0) / eps
					var cw float64
					cw, err = eval(y, xp, sny, snx+eps)
					if err == nil {
						grads[i][3] = (cw - c0) / eps
					}
				}
			}
		}
		errs[i] = err
	})

	grad := make([]float64, len(x))
	for i := 0; i < nepochs; i++ {
		if errs[i] != nil {
			return nil, fmt.Errorf("epoch %d: %w", i, errs[i])
		}
		grad[2*i] = grads[i][0]
		grad[2*i+1] = grads[i][1]
		grad[2*nepochs] += grads[i][2]
		grad[2*nepochs+1] += grads[i][3]
	}
	return grad, nil
}

// chisqPSSMGradCentral estimates the gradient of ChisqPSSM with central
// differences of half-width eps. The O(eps^2) bias is small enough for a
// Wolfe line search to trust; the forward-difference ChisqPSSMGrad carries an
// O(eps) bias that swamps the true gradient near an optimum.
func chisqPSSMGradCentral(x []float64, galaxy *Cube, epochs []Epoch, eps float64, workers int) ([]float64, error) {
	nepochs := len(epochs)
	sny, snx := x[2*nepochs], x[2*nepochs+1]

	grads := make([][4]float64, nepochs)
	errs := make([]error, nepochs)

	forEachEpoch(nepochs, workers, func(i int) {
		e := epochs[i]
		y, xp := x[2*i], x[2*i+1]

		eval := func(cy, cx, sy, sx float64) (float64, error) {
			return ChisqNonrefEpoch(pt(cy, cx), pt(sy, sx), galaxy, e.Data, e.Weight, e.Atm)
		}

		dirs := [4][4]float64{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
			{0, 0, 0, 1},
		}
		for k, d := range dirs {
			hi, err := eval(y+eps*d[0], xp+eps*d[1], sny+eps*d[2], snx+eps*d[3])
			if err != nil {
				errs[i] = err
				return
			}
			lo, err := eval(y-eps*d[0], xp-eps*d[1], sny-eps*d[2], snx-eps*d[3])
			if err != nil {
				errs[i] = err
				return
			}
			grads[i][k] = (hi - lo) / (2 * eps)
		}
	})

	grad := make([]float64, len(x))
	for i := 0; i < nepochs; i++ {
		if errs[i] != nil {
			return nil, fmt.Errorf("epoch %d: %w", i, errs[i])
		}
		grad[2*i] = grads[i][0]
		grad[2*i+1] = grads[i][1]
		grad[2*nepochs] += grads[i][2]
		grad[2*nepochs+1] += grads[i][3]
	}
	return grad, nil
}

// ChisqPSSMHess estimates the Hessian of ChisqPSSM with five-point
// forward-difference stencils of step eps:
//
//	d2f/du2   = (f(u+2h) - 2 f(u+h) + f(u)) / h^2
//	d2f/du dv = (f(u+h,v+h) - f(u+h) - f(v+h) + f(u,v)) / h^2
//
// The result is block sparse: a 2x2 diagonal block per epoch, a shared 2x2
// point-source block accumulated over epochs, and the cross terms between
// each epoch and the point source. All cross-epoch entries are exactly zero
// and are never computed.
func ChisqPSSMHess(x []float64, galaxy *Cube, epochs []Epoch, eps float64) (*mat.SymDense, error) {
	nepochs := len(epochs)
	n := len(x)
	eps2 := eps * eps
	sny, snx := x[2*nepochs], x[2*nepochs+1]

	hess := mat.NewSymDense(n, nil)
	iy, ix := 2*nepochs, 2*nepochs+1

	for i, e := range epochs {
		y, xp := x[2*i], x[2*i+1]

		eval := func(cy, cx, sy, sx float64) (float64, error) {
			v, err := ChisqNonrefEpoch(pt(cy, cx), pt(sy, sx), galaxy, e.Data, e.Weight, e.Atm)
			if err != nil {
				return 0, fmt.Errorf("epoch %d: %w", i, err)
			}
			return v, nil
		}

		var c0, cy, cx, cyy, cxx, cyx float64
		var cz, cw, czz, cww, czw float64
		var cyz, cyw, cxz, cxw float64
		var err error

		steps := []struct {
			dst                *float64
			dy, dx, dsny, dsnx float64
		}{
			{&c0, 0, 0, 0, 0},
			{&cy, eps, 0, 0, 0},
			{&cx, 0, eps, 0, 0},
			{&cyy, 2 * eps, 0, 0, 0},
			{&cxx, 0, 2 * eps, 0, 0},
			{&cyx, eps, eps, 0, 0},
			{&cz, 0, 0, eps, 0},
			{&cw, 0, 0, 0, eps},
			{&czz, 0, 0, 2 * eps, 0},
			{&cww, 0, 0, 0, 2 * eps},
			{&czw, 0, 0, eps, eps},
			{&cyz, eps, 0, eps, 0},
			{&cyw, eps, 0, 0, eps},
			{&cxz, 0, eps, eps, 0},
			{&cxw, 0, eps, 0, eps},
		}
		for _, s := range steps {
			*s.dst, err = eval(y+s.dy, xp+s.dx, sny+s.dsny, snx+s.dsnx)
			if err != nil {
				return nil, err
			}
		}

		// Epoch diagonal block.
		hess.SetSym(2*i, 2*i, (cyy-2*cy+c0)/eps2)
		hess.SetSym(2*i+1, 2*i+1, (cxx-2*cx+c0)/eps2)
		hess.SetSym(2*i, 2*i+1, (cyx-cy-cx+c0)/eps2)

		// Point-source block accumulates over epochs.
		hess.SetSym(iy, iy, hess.At(iy, iy)+(czz-2*cz+c0)/eps2)
		hess.SetSym(ix, ix, hess.At(ix, ix)+(cww-2*cw+c0)/eps2)
		hess.SetSym(iy, ix, hess.At(iy, ix)+(czw-cz-cw+c0)/eps2)

		// Cross terms between this epoch's position and the point source.
		hess.SetSym(2*i, iy, (cyz-cy-cz+c0)/eps2)
		hess.SetSym(2*i, ix, (cyw-cy-cw+c0)/eps2)
		hess.SetSym(2*i+1, iy, (cxz-cx-cz+c0)/eps2)
		hess.SetSym(2*i+1, ix, (cxw-cx-cw+c0)/eps2)
	}

	return hess, nil
}

// ChisqPositionSkySNMulti returns the joint position chi-square together with
// its forward-difference gradient in one pass, reusing each epoch's galaxy
// scene for the point-source perturbations. Used by the quasi-Newton
// strategy, which wants value and gradient at the same points.
func ChisqPositionSkySNMulti(x []float64, galaxy *Cube, epochs []Epoch, eps float64) (float64, []float64, error) {
	nepochs := len(epochs)
	snctr := ctrAt(x, nepochs)
	grad := make([]float64, len(x))
	chisq := 0.0

	for i, e := range epochs {
		ctr := ctrAt(x, i)
		shape := e.Data.Shape()

		gal := e.Atm.EvaluateGalaxy(galaxy, shape, ctr)
		psf := e.Atm.EvaluatePointSource(snctr, shape, ctr)
		epochChisq, err := profiledChisq(gal, psf, e.Data, e.Weight)
		if err != nil {
			return 0, nil, fmt.Errorf("epoch %d: %w", i, err)
		}
		chisq += epochChisq

		// Point-source position perturbations: the galaxy scene is unchanged.
		for j, sn2 := range []orb.Point{
			pt(snctr.Y()+eps, snctr.X()),
			pt(snctr.Y(), snctr.X()+eps),
		} {
			psf2 := e.Atm.EvaluatePointSource(sn2, shape, ctr)
			v, err := profiledChisq(gal, psf2, e.Data, e.Weight)
			if err != nil {
				return 0, nil, fmt.Errorf("epoch %d: %w", i, err)
			}
			grad[2*nepochs+j] += (v - epochChisq) / eps
		}

		// Data position perturbations: both scenes move.
		for j, ctr2 := range []orb.Point{
			pt(ctr.Y()+eps, ctr.X()),
			pt(ctr.Y(), ctr.X()+eps),
		} {
			gal2 := e.Atm.EvaluateGalaxy(galaxy, shape, ctr2)
			psf2 := e.Atm.EvaluatePointSource(snctr, shape, ctr2)
			v, err := profiledChisq(gal2, psf2, e.Data, e.Weight)
			if err != nil {
				return 0, nil, fmt.Errorf("epoch %d: %w", i, err)
			}
			grad[2*i+j] = (v - epochChisq) / eps
		}
	}

	return chisq, grad, nil
}

// profiledChisq solves for sky and amplitude and evaluates the chi-square of
// the resulting scene against the data.
func profiledChisq(gal, psf, data, weight *Cube) (float64, error) {
	sky, sn, err := DetermineSkyAndSN(gal, psf, data, weight)
	if err != nil {
		return 0, err
	}
	nsp := data.NSpaxels()
	chisq := 0.0
	for w := 0; w < data.NW; w++ {
		base := w * nsp
		for i := 0; i < nsp; i++ {
			r := data.Data[base+i] - sky[w] - gal.Data[base+i] - sn[w]*psf.Data[base+i]
			chisq += weight.Data[base+i] * r * r
		}
	}
	return chisq, nil
}
