package fitting

import (
	"math"
	"sort"
)

// GuessSky estimates the sky level from the lowest-signal pixels at each
// wavelength. With the small field of view of an IFU the galaxy may cover the
// whole grid, so this is biased slightly high; it is only used to seed the
// optimizer. At each wavelength the npix lowest-value pixels with positive
// weight are averaged (weighted); wavelengths with no positive-weight pixels
// get zero.
func GuessSky(data, weight *Cube, npix int) []float64 {
	sky := make([]float64, data.NW)
	idx := make([]int, 0, data.NSpaxels())

	for w := 0; w < data.NW; w++ {
		dw := data.Slice(w)
		ww := weight.Slice(w)

		idx = idx[:0]
		for i, wt := range ww {
			if wt > 0 {
				idx = append(idx, i)
			}
		}
		k := npix
		if len(idx) < k {
			k = len(idx)
		}
		if k <= 0 {
			continue
		}

		sort.Slice(idx, func(a, b int) bool { return dw[idx[a]] < dw[idx[b]] })

		var num, den float64
		for _, i := range idx[:k] {
			num += ww[i] * dw[i]
			den += ww[i]
		}
		sky[w] = num / den
	}
	return sky
}

// GuessSkyClipping estimates the sky as the weighted mean spectrum after
// iterative sigma clipping: pixels whose squared deviation from the mean
// exceeds clip^2 times their variance are given zero weight, and the mean is
// recomputed until the mask no longer changes (including which wavelengths
// are undefined for lack of any weight) or maxiter iterations elapse.
// Undefined wavelengths resolve to zero in the output.
func GuessSkyClipping(data, weight *Cube, clip float64, maxiter int) []float64 {
	nw := data.NW
	nsp := data.NSpaxels()

	wt := make([]float64, len(weight.Data))
	copy(wt, weight.Data)
	variance := make([]float64, len(wt))
	for i, v := range wt {
		if v > 0 {
			variance[i] = 1 / v
		} else {
			variance[i] = math.Inf(1)
		}
	}

	avg := make([]float64, nw)
	undef := make([]bool, nw)
	mask := make([]bool, len(wt))
	oldMask := make([]bool, len(wt))
	oldUndef := make([]bool, nw)
	first := true

	for iter := 0; iter < maxiter; iter++ {
		copy(oldMask, mask)
		copy(oldUndef, undef)

		// Weighted mean spectrum, tracking undefined wavelengths.
		for w := 0; w < nw; w++ {
			var num, den float64
			base := w * nsp
			for i := 0; i < nsp; i++ {
				num += wt[base+i] * data.Data[base+i]
				den += wt[base+i]
			}
			if den == 0 {
				avg[w] = 0
				undef[w] = true
			} else {
				avg[w] = num / den
				undef[w] = false
			}
		}

		for w := 0; w < nw; w++ {
			base := w * nsp
			for i := 0; i < nsp; i++ {
				dev := data.Data[base+i] - avg[w]
				mask[base+i] = !undef[w] && dev*dev > clip*clip*variance[base+i]
			}
		}

		if !first && boolsEqual(mask, oldMask) && boolsEqual(undef, oldUndef) {
			break
		}
		first = false

		for i, m := range mask {
			if m {
				wt[i] = 0
				variance[i] = 0
			}
		}
	}

	for w := 0; w < nw; w++ {
		if undef[w] {
			avg[w] = 0
		}
	}
	return avg
}

func boolsEqual(a, b []bool) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
