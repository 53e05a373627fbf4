package fitting

import (
	"testing"

	"gonum.org/v1/gonum/floats"
)

func TestGridOffset(t *testing.T) {
	tests := []struct {
		name          string
		modelN, dataN int
		ctr           float64
		want          float64
	}{
		{"centered equal grids", 5, 5, 0, 0},
		{"centered model larger", 9, 5, 0, 2},
		{"shifted", 9, 5, 0.5, 2.5},
		{"even sizes", 8, 4, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gridOffset(tt.modelN, tt.dataN, tt.ctr); !almostEqual(got, tt.want, epsilon) {
				t.Errorf("gridOffset(%d, %d, %g) = %g, want %g", tt.modelN, tt.dataN, tt.ctr, got, tt.want)
			}
		})
	}
}

func TestSplitCoord(t *testing.T) {
	tests := []struct {
		name     string
		v        float64
		n        int
		wantI    int
		wantFrac float64
	}{
		{"interior", 2.25, 5, 2, 0.25},
		{"integer", 3, 5, 3, 0},
		{"upper edge", 4, 5, 3, 1},
		{"below zero clamps", -0.5, 5, 0, 0},
		{"above range clamps", 6.2, 5, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, frac := splitCoord(tt.v, tt.n)
			if i != tt.wantI || !almostEqual(frac, tt.wantFrac, epsilon) {
				t.Errorf("splitCoord(%g, %d) = (%d, %g), want (%d, %g)", tt.v, tt.n, i, frac, tt.wantI, tt.wantFrac)
			}
		})
	}
}

func TestEvaluateGalaxyIdentity(t *testing.T) {
	galaxy := randomCube(2, 4, 4, 2)
	atm := NewGaussianAtm(2.0, 2)

	out := atm.EvaluateGalaxy(galaxy, [2]int{4, 4}, pt(0, 0))
	for i := range galaxy.Data {
		if !almostEqual(out.Data[i], galaxy.Data[i], epsilon) {
			t.Fatalf("element %d: got %g, want %g", i, out.Data[i], galaxy.Data[i])
		}
	}
}

func TestEvaluateGalaxyHalfPixelShift(t *testing.T) {
	// A half-pixel shift along x averages neighboring columns.
	galaxy := NewCube(1, 3, 3)
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			galaxy.Set(0, y, x, float64(x))
		}
	}
	atm := NewGaussianAtm(2.0, 1)

	out := atm.EvaluateGalaxy(galaxy, [2]int{3, 2}, pt(0, 0.5))
	for y := 0; y < 3; y++ {
		if got := out.At(0, y, 0); !almostEqual(got, 1.0, epsilon) {
			t.Errorf("row %d col 0: got %g, want 1.0", y, got)
		}
		if got := out.At(0, y, 1); !almostEqual(got, 2.0, epsilon) {
			t.Errorf("row %d col 1: got %g, want 2.0", y, got)
		}
	}
}

// GradientHelper must be the exact adjoint of EvaluateGalaxy:
// <A u, v> = <u, A* v> for any u in galaxy space and v in data space.
func TestGradientHelperAdjoint(t *testing.T) {
	galaxy := randomCube(2, 6, 5, 3)
	v := randomCube(2, 4, 3, 4)
	atm := NewGaussianAtm(2.0, 2)
	ctr := pt(0.3, -0.45)

	au := atm.EvaluateGalaxy(galaxy, [2]int{4, 3}, ctr)
	atv := atm.GradientHelper(v, [3]int{2, 6, 5}, ctr)

	lhs := floats.Dot(au.Data, v.Data)
	rhs := floats.Dot(galaxy.Data, atv.Data)
	if !almostEqual(lhs, rhs, 1e-12) {
		t.Errorf("<Au, v> = %g, <u, A*v> = %g", lhs, rhs)
	}
}

func TestEvaluatePointSourceCentroid(t *testing.T) {
	atm := NewGaussianAtm(2.0, 1)
	snctr := pt(0.4, -0.3)
	ctr := pt(0.1, 0.2)
	psf := atm.EvaluatePointSource(snctr, [2]int{21, 21}, ctr)

	var sum, my, mx float64
	for j := 0; j < 21; j++ {
		for i := 0; i < 21; i++ {
			v := psf.At(0, j, i)
			sum += v
			my += v * float64(j)
			mx += v * float64(i)
		}
	}
	wantY := 10 + snctr.Y() - ctr.Y()
	wantX := 10 + snctr.X() - ctr.X()
	if !almostEqual(my/sum, wantY, 1e-8) || !almostEqual(mx/sum, wantX, 1e-8) {
		t.Errorf("centroid = (%g, %g), want (%g, %g)", my/sum, mx/sum, wantY, wantX)
	}
	// Unit normalization, up to truncation at the grid edge.
	if !almostEqual(sum, 1.0, 1e-6) {
		t.Errorf("total flux = %g, want 1", sum)
	}
}

func TestYXBounds(t *testing.T) {
	b := YXBounds([2]int{8, 10}, [2]int{4, 4})
	if !almostEqual(b.Min[1], -2, epsilon) || !almostEqual(b.Max[1], 2, epsilon) {
		t.Errorf("y bound = [%g, %g], want [-2, 2]", b.Min[1], b.Max[1])
	}
	if !almostEqual(b.Min[0], -3, epsilon) || !almostEqual(b.Max[0], 3, epsilon) {
		t.Errorf("x bound = [%g, %g], want [-3, 3]", b.Min[0], b.Max[0])
	}
}

func TestIntersectBound(t *testing.T) {
	a := windowBound(pt(0, 0), 3)
	b := YXBounds([2]int{8, 8}, [2]int{5, 5})
	got := intersectBound(a, b)
	for k := 0; k < 2; k++ {
		if !almostEqual(got.Min[k], -1.5, epsilon) || !almostEqual(got.Max[k], 1.5, epsilon) {
			t.Errorf("axis %d: [%g, %g], want [-1.5, 1.5]", k, got.Min[k], got.Max[k])
		}
	}
}

func TestClampToBound(t *testing.T) {
	b := windowBound(pt(0, 0), 1)
	got := clampToBound(pt(5, -5), b, 0.1)
	if !almostEqual(got.Y(), 0.9, epsilon) || !almostEqual(got.X(), -0.9, epsilon) {
		t.Errorf("clamped = (%g, %g), want (0.9, -0.9)", got.Y(), got.X())
	}
	inside := clampToBound(pt(0.2, 0.3), b, 0.1)
	if !almostEqual(inside.Y(), 0.2, epsilon) || !almostEqual(inside.X(), 0.3, epsilon) {
		t.Errorf("interior point moved to (%g, %g)", inside.Y(), inside.X())
	}
}
