package fitting

import (
	"sync"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/floats"
)

// ChisqGalaxySingle returns the chi-square and its gradient in
// galaxy-parameter space for one epoch with the sky held at zero (data
// already sky-subtracted). The regularization term is not included.
func ChisqGalaxySingle(galaxy *Cube, data, weight *Cube, ctr orb.Point, atm AtmModel) (float64, *Cube) {
	scene := atm.EvaluateGalaxy(galaxy, data.Shape(), ctr)

	wr := NewCube(data.NW, data.NY, data.NX)
	val := 0.0
	for i, d := range data.Data {
		r := d - scene.Data[i]
		wr.Data[i] = weight.Data[i] * r
		val += wr.Data[i] * r
	}

	floats.Scale(-2, wr.Data)
	grad := atm.GradientHelper(wr, [3]int{galaxy.NW, galaxy.NY, galaxy.NX}, ctr)
	return val, grad
}

// ChisqGalaxySkySingle is ChisqGalaxySingle with the sky floating: the sky is
// profiled per wavelength as the weighted average of the residual before the
// chi-square is formed. The gradient accounts for the dependence of the
// profiled sky on the galaxy parameters through the correction term
// weight * (sum(weight*r) / sum(weight)); without it the gradient is biased.
func ChisqGalaxySkySingle(galaxy *Cube, data, weight *Cube, ctr orb.Point, atm AtmModel) (float64, *Cube) {
	scene := atm.EvaluateGalaxy(galaxy, data.Shape(), ctr)
	nsp := data.NSpaxels()

	resid := make([]float64, len(data.Data))
	for i, d := range data.Data {
		resid[i] = d - scene.Data[i]
	}

	// Profiled sky: weighted average of the residual at each wavelength.
	for w := 0; w < data.NW; w++ {
		base := w * nsp
		var num, den float64
		for i := 0; i < nsp; i++ {
			num += weight.Data[base+i] * resid[base+i]
			den += weight.Data[base+i]
		}
		if den == 0 {
			continue
		}
		sky := num / den
		for i := 0; i < nsp; i++ {
			resid[base+i] -= sky
		}
	}

	wr := NewCube(data.NW, data.NY, data.NX)
	val := 0.0
	for i, r := range resid {
		wr.Data[i] = weight.Data[i] * r
		val += wr.Data[i] * r
	}

	// Correction for the profiled sky's dependence on the galaxy.
	for w := 0; w < data.NW; w++ {
		base := w * nsp
		var num, den float64
		for i := 0; i < nsp; i++ {
			num += wr.Data[base+i]
			den += weight.Data[base+i]
		}
		if den == 0 {
			continue
		}
		t := num / den
		for i := 0; i < nsp; i++ {
			wr.Data[base+i] -= weight.Data[base+i] * t
		}
	}

	floats.Scale(-2, wr.Data)
	grad := atm.GradientHelper(wr, [3]int{galaxy.NW, galaxy.NY, galaxy.NX}, ctr)
	return val, grad
}

// ChisqGalaxySkyMulti sums the sky-floating chi-square and gradient over all
// epochs. When workers > 1 the per-epoch evaluations run concurrently; the
// reduction is sequential so the result does not depend on worker count.
func ChisqGalaxySkyMulti(galaxy *Cube, epochs []Epoch, workers int) (float64, *Cube) {
	vals := make([]float64, len(epochs))
	grads := make([]*Cube, len(epochs))

	forEachEpoch(len(epochs), workers, func(i int) {
		e := epochs[i]
		vals[i], grads[i] = ChisqGalaxySkySingle(galaxy, e.Data, e.Weight, e.Ctr, e.Atm)
	})

	val := 0.0
	grad := NewCube(galaxy.NW, galaxy.NY, galaxy.NX)
	for i := range epochs {
		val += vals[i]
		floats.Add(grad.Data, grads[i].Data)
	}
	return val, grad
}

// forEachEpoch runs fn for every epoch index, fanning out over at most
// workers goroutines. Epochs share no mutable state during an evaluation.
func forEachEpoch(n, workers int, fn func(i int)) {
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	if workers > n {
		workers = n
	}
	var wg sync.WaitGroup
	next := make(chan int)
	wg.Add(workers)
	for k := 0; k < workers; k++ {
		go func() {
			defer wg.Done()
			for i := range next {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		next <- i
	}
	close(next)
	wg.Wait()
}
