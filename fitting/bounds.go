package fitting

import "github.com/paulmach/orb"

// YXBounds returns the absolute bound on a data grid's position such that the
// shifted grid stays entirely inside the model footprint. Positions are
// offsets of the data-grid center from the model-grid center, so the bound is
// symmetric about zero.
func YXBounds(modelShape, dataShape [2]int) orb.Bound {
	dy := float64(modelShape[0]-dataShape[0]) / 2
	dx := float64(modelShape[1]-dataShape[1]) / 2
	return orb.Bound{Min: orb.Point{-dx, -dy}, Max: orb.Point{dx, dy}}
}

// windowBound is the ±bound box centered on an initial position guess.
func windowBound(ctr orb.Point, bound float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{ctr.X() - bound, ctr.Y() - bound},
		Max: orb.Point{ctr.X() + bound, ctr.Y() + bound},
	}
}

// intersectBound clips a to b. The result may be empty (Min > Max) when the
// boxes do not overlap; drivers treat that as an infeasible fit.
func intersectBound(a, b orb.Bound) orb.Bound {
	out := a
	if b.Min[0] > out.Min[0] {
		out.Min[0] = b.Min[0]
	}
	if b.Min[1] > out.Min[1] {
		out.Min[1] = b.Min[1]
	}
	if b.Max[0] < out.Max[0] {
		out.Max[0] = b.Max[0]
	}
	if b.Max[1] < out.Max[1] {
		out.Max[1] = b.Max[1]
	}
	return out
}

// clampToBound moves p inside b, keeping a margin off the edges so that
// finite-difference perturbations of up to margin stay inside as well.
func clampToBound(p orb.Point, b orb.Bound, margin float64) orb.Point {
	out := p
	for k := 0; k < 2; k++ {
		lo, hi := b.Min[k]+margin, b.Max[k]-margin
		if out[k] < lo {
			out[k] = lo
		}
		if out[k] > hi {
			out[k] = hi
		}
	}
	return out
}
