package fitting

import (
	"math"
	"testing"
)

// jointTestProblem builds a two-epoch scene with known positions, skys and
// point-source amplitudes, with noise-free data.
func jointTestProblem(t *testing.T) (*Cube, []Epoch, []float64) {
	t.Helper()
	const nw = 2
	galaxy := smoothGalaxy(nw, 10, 10)
	atm := NewGaussianAtm(2.0, nw)

	ctrs := []float64{0.3, -0.2, -0.25, 0.15} // y0, x0, y1, x1
	snctr := pt(0.4, -0.35)
	skys := [][]float64{{1.0, 0.5}, {0.8, 1.2}}
	amps := [][]float64{{30, 20}, {25, 35}}

	epochs := make([]Epoch, 2)
	for e := 0; e < 2; e++ {
		ctr := pt(ctrs[2*e], ctrs[2*e+1])
		gal := atm.EvaluateGalaxy(galaxy, [2]int{6, 6}, ctr)
		psf := atm.EvaluatePointSource(snctr, [2]int{6, 6}, ctr)

		data := NewCube(nw, 6, 6)
		nsp := data.NSpaxels()
		for w := 0; w < nw; w++ {
			for i := 0; i < nsp; i++ {
				data.Data[w*nsp+i] = skys[e][w] + gal.Data[w*nsp+i] + amps[e][w]*psf.Data[w*nsp+i]
			}
		}
		epochs[e] = Epoch{Data: data, Weight: constCube(nw, 6, 6, 1), Atm: atm, Ctr: ctr}
	}

	x := append(append([]float64(nil), ctrs...), snctr.Y(), snctr.X())
	return galaxy, epochs, x
}

func TestChisqNonrefEpochZeroAtTruth(t *testing.T) {
	galaxy, epochs, x := jointTestProblem(t)
	snctr := ctrAt(x, 2)
	for i, e := range epochs {
		v, err := ChisqNonrefEpoch(ctrAt(x, i), snctr, galaxy, e.Data, e.Weight, e.Atm)
		if err != nil {
			t.Fatalf("epoch %d: %v", i, err)
		}
		if v > 1e-16 {
			t.Errorf("epoch %d: chisq at truth = %g, want ~0", i, v)
		}
	}
}

func TestChisqPSSMSumsEpochs(t *testing.T) {
	galaxy, epochs, x := jointTestProblem(t)
	// Off the truth so the per-epoch terms are nonzero.
	x[0] += 0.1
	x[3] -= 0.15

	total, err := ChisqPSSM(x, galaxy, epochs)
	if err != nil {
		t.Fatalf("ChisqPSSM: %v", err)
	}
	var want float64
	snctr := ctrAt(x, 2)
	for i, e := range epochs {
		v, err := ChisqNonrefEpoch(ctrAt(x, i), snctr, galaxy, e.Data, e.Weight, e.Atm)
		if err != nil {
			t.Fatalf("epoch %d: %v", i, err)
		}
		want += v
	}
	if !almostEqual(total, want, 1e-10) {
		t.Errorf("ChisqPSSM = %g, sum of epochs = %g", total, want)
	}
	if total <= 0 {
		t.Errorf("chisq off the truth = %g, want positive", total)
	}
}

func TestChisqPSSMGradMatchesDirectDifferences(t *testing.T) {
	galaxy, epochs, x := jointTestProblem(t)
	x[1] += 0.2
	const eps = 0.02

	grad, err := ChisqPSSMGrad(x, galaxy, epochs, eps, 1)
	if err != nil {
		t.Fatalf("ChisqPSSMGrad: %v", err)
	}

	c0, err := ChisqPSSM(x, galaxy, epochs)
	if err != nil {
		t.Fatalf("ChisqPSSM: %v", err)
	}
	for k := range x {
		xp := append([]float64(nil), x...)
		xp[k] += eps
		ck, err := ChisqPSSM(xp, galaxy, epochs)
		if err != nil {
			t.Fatalf("ChisqPSSM perturbed: %v", err)
		}
		want := (ck - c0) / eps
		if !almostEqual(grad[k], want, 1e-8) {
			t.Errorf("coordinate %d: grad = %g, direct difference = %g", k, grad[k], want)
		}
	}
}

func TestChisqPSSMGradWorkerIndependence(t *testing.T) {
	galaxy, epochs, x := jointTestProblem(t)
	x[2] -= 0.1

	g1, err := ChisqPSSMGrad(x, galaxy, epochs, 0.02, 1)
	if err != nil {
		t.Fatalf("workers=1: %v", err)
	}
	g3, err := ChisqPSSMGrad(x, galaxy, epochs, 0.02, 3)
	if err != nil {
		t.Fatalf("workers=3: %v", err)
	}
	for k := range g1 {
		if g1[k] != g3[k] {
			t.Fatalf("coordinate %d depends on worker count: %g vs %g", k, g1[k], g3[k])
		}
	}
}

func TestChisqPSSMHessStructure(t *testing.T) {
	galaxy, epochs, x := jointTestProblem(t)
	x[0] += 0.1

	hess, err := ChisqPSSMHess(x, galaxy, epochs, 0.02)
	if err != nil {
		t.Fatalf("ChisqPSSMHess: %v", err)
	}
	n := len(x)
	if hess.SymmetricDim() != n {
		t.Fatalf("Hessian dimension = %d, want %d", hess.SymmetricDim(), n)
	}

	// Epochs do not couple to each other, only to the point source.
	for _, idx := range [][2]int{{0, 2}, {0, 3}, {1, 2}, {1, 3}} {
		if v := hess.At(idx[0], idx[1]); v != 0 {
			t.Errorf("cross-epoch entry (%d,%d) = %g, want exactly 0", idx[0], idx[1], v)
		}
	}

	// Diagonal entries of a chi-square near its minimum are positive.
	for k := 0; k < n; k++ {
		if hess.At(k, k) <= 0 {
			t.Errorf("diagonal entry %d = %g, want positive", k, hess.At(k, k))
		}
	}
}

func TestChisqPositionSkySNMultiMatchesSeparateCalls(t *testing.T) {
	galaxy, epochs, x := jointTestProblem(t)
	x[3] += 0.12
	const eps = 0.001

	val, grad, err := ChisqPositionSkySNMulti(x, galaxy, epochs, eps)
	if err != nil {
		t.Fatalf("ChisqPositionSkySNMulti: %v", err)
	}

	wantVal, err := ChisqPSSM(x, galaxy, epochs)
	if err != nil {
		t.Fatalf("ChisqPSSM: %v", err)
	}
	wantGrad, err := ChisqPSSMGrad(x, galaxy, epochs, eps, 1)
	if err != nil {
		t.Fatalf("ChisqPSSMGrad: %v", err)
	}

	if !almostEqual(val, wantVal, 1e-10) {
		t.Errorf("value = %g, want %g", val, wantVal)
	}
	for k := range grad {
		if !almostEqual(grad[k], wantGrad[k], 1e-8) {
			t.Errorf("coordinate %d: grad = %g, want %g", k, grad[k], wantGrad[k])
		}
	}
}

func TestFitProblemChisq(t *testing.T) {
	galaxy, epochs, x := jointTestProblem(t)
	problem := &FitProblem{Galaxy: galaxy, Epochs: epochs, SNCtr: ctrAt(x, 2)}

	got, err := problem.Chisq()
	if err != nil {
		t.Fatalf("Chisq: %v", err)
	}
	want, err := ChisqPSSM(x, galaxy, epochs)
	if err != nil {
		t.Fatalf("ChisqPSSM: %v", err)
	}
	if !almostEqual(got, want, 1e-12) {
		t.Errorf("FitProblem.Chisq = %g, ChisqPSSM = %g", got, want)
	}
}

func TestChisqPSSMGradCentralMatchesDirectDifferences(t *testing.T) {
	galaxy, epochs, x := jointTestProblem(t)
	x[1] += 0.2
	const eps = 0.001

	grad, err := chisqPSSMGradCentral(x, galaxy, epochs, eps, 1)
	if err != nil {
		t.Fatalf("chisqPSSMGradCentral: %v", err)
	}

	for k := range x {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[k] += eps
		xm[k] -= eps
		cp, err := ChisqPSSM(xp, galaxy, epochs)
		if err != nil {
			t.Fatalf("ChisqPSSM perturbed: %v", err)
		}
		cm, err := ChisqPSSM(xm, galaxy, epochs)
		if err != nil {
			t.Fatalf("ChisqPSSM perturbed: %v", err)
		}
		want := (cp - cm) / (2 * eps)
		if !almostEqual(grad[k], want, 1e-8) {
			t.Errorf("coordinate %d: grad = %g, direct difference = %g", k, grad[k], want)
		}
	}
}

func TestChisqPSSMGradCentralNearZeroAtTruth(t *testing.T) {
	galaxy, epochs, x := jointTestProblem(t)

	central, err := chisqPSSMGradCentral(x, galaxy, epochs, 0.001, 1)
	if err != nil {
		t.Fatalf("chisqPSSMGradCentral: %v", err)
	}
	forward, err := ChisqPSSMGrad(x, galaxy, epochs, 0.001, 1)
	if err != nil {
		t.Fatalf("ChisqPSSMGrad: %v", err)
	}
	// The central estimate cancels the leading bias term, so at the
	// noise-free minimum it sits much closer to zero than the forward one.
	for k, g := range central {
		if math.Abs(g) > 1e-2 {
			t.Errorf("coordinate %d: central gradient at truth = %g", k, g)
		}
		if math.Abs(g) > math.Abs(forward[k])+1e-12 {
			t.Errorf("coordinate %d: central %g not tighter than forward %g", k, g, forward[k])
		}
	}
}

func TestChisqPSSMGradNearZeroAtTruth(t *testing.T) {
	galaxy, epochs, x := jointTestProblem(t)

	grad, err := ChisqPSSMGrad(x, galaxy, epochs, 0.001, 1)
	if err != nil {
		t.Fatalf("ChisqPSSMGrad: %v", err)
	}
	// At the noise-free truth the objective has a minimum; the forward
	// difference carries an O(eps) bias, so the gradient is small, not zero.
	for k, g := range grad {
		if math.Abs(g) > 1 {
			t.Errorf("coordinate %d: gradient at truth = %g, want near zero", k, g)
		}
	}
}
