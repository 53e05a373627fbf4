package fitting

// SmoothnessPenalty is a quadratic first-difference penalty on the galaxy
// model, applied along both spatial axes (MuSpatial) and along wavelength
// (MuWave). It stabilizes the per-pixel galaxy fit, which is typically
// underdetermined on its own. The gradient is exact.
type SmoothnessPenalty struct {
	MuSpatial float64
	MuWave    float64
}

func (p SmoothnessPenalty) Penalty(galaxy *Cube) (float64, *Cube) {
	nw, ny, nx := galaxy.NW, galaxy.NY, galaxy.NX
	grad := NewCube(nw, ny, nx)
	val := 0.0

	if p.MuSpatial != 0 {
		for w := 0; w < nw; w++ {
			g := galaxy.Slice(w)
			gr := grad.Slice(w)
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					i := y*nx + x
					if x+1 < nx {
						d := g[i+1] - g[i]
						val += p.MuSpatial * d * d
						gr[i+1] += 2 * p.MuSpatial * d
						gr[i] -= 2 * p.MuSpatial * d
					}
					if y+1 < ny {
						d := g[i+nx] - g[i]
						val += p.MuSpatial * d * d
						gr[i+nx] += 2 * p.MuSpatial * d
						gr[i] -= 2 * p.MuSpatial * d
					}
				}
			}
		}
	}

	if p.MuWave != 0 {
		nsp := ny * nx
		for w := 0; w+1 < nw; w++ {
			lo := galaxy.Slice(w)
			hi := galaxy.Slice(w + 1)
			glo := grad.Slice(w)
			ghi := grad.Slice(w + 1)
			for i := 0; i < nsp; i++ {
				d := hi[i] - lo[i]
				val += p.MuWave * d * d
				ghi[i] += 2 * p.MuWave * d
				glo[i] -= 2 * p.MuWave * d
			}
		}
	}

	return val, grad
}

// scaledPenalty wraps a RegPenalty with an explicit weight.
type scaledPenalty struct {
	inner RegPenalty
	scale float64
}

func (s scaledPenalty) Penalty(galaxy *Cube) (float64, *Cube) {
	val, grad := s.inner.Penalty(galaxy)
	if s.scale != 1 {
		val *= s.scale
		for i := range grad.Data {
			grad.Data[i] *= s.scale
		}
	}
	return val, grad
}
