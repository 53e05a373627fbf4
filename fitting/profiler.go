package fitting

import "fmt"

// DetermineSkyAndSN solves, independently at each wavelength, the 2x2 weighted
// least-squares problem for the spatially flat sky level and the point-source
// amplitude, given the galaxy scene and the PSF already evaluated on the data
// grid:
//
//	minimize sum over spaxels of weight*(data - sky - gal - sn*psf)^2
//
// Wavelength slices whose total weight is zero have no information; both
// outputs are set to zero there. A singular system at a slice that does carry
// weight indicates inconsistent inputs and is returned as an error.
func DetermineSkyAndSN(gal, psf, data, weight *Cube) (sky, sn []float64, err error) {
	nw := data.NW
	sky = make([]float64, nw)
	sn = make([]float64, nw)

	for w := 0; w < nw; w++ {
		gw := gal.Slice(w)
		pw := psf.Slice(w)
		dw := data.Slice(w)
		ww := weight.Slice(w)

		var a11, a12, a22 float64
		var wd, wdsn, wgal, wgalsn float64
		for i := range ww {
			wt := ww[i]
			a11 += wt * pw[i] * pw[i]
			a12 -= wt * pw[i]
			a22 += wt

			wd += wt * dw[i]
			wdsn += wt * dw[i] * pw[i]
			wgal += wt * gw[i]
			wgalsn += wt * gw[i] * pw[i]
		}

		denom := a11*a22 - a12*a12
		if denom == 0 {
			if a22 != 0 {
				return nil, nil, fmt.Errorf("determine sky and sn: singular system at wavelength %d with nonzero total weight %g", w, a22)
			}
			// No information in this slice; the fit never uses it.
			continue
		}

		bSky := (wd*a11 + wdsn*a12) / denom
		cSky := (wgal*a11 + wgalsn*a12) / denom
		bSN := (wd*a12 + wdsn*a22) / denom
		cSN := (wgal*a12 + wgalsn*a22) / denom

		sky[w] = bSky - cSky
		sn[w] = bSN - cSN
	}

	return sky, sn, nil
}
