package fitting

import (
	"testing"
)

func TestGuessSky(t *testing.T) {
	data := NewCube(1, 2, 3)
	copy(data.Data, []float64{5, 1, 3, 2, 4, 6})
	weight := constCube(1, 2, 3, 1)

	sky := GuessSky(data, weight, 3)
	if !almostEqual(sky[0], 2, epsilon) {
		t.Errorf("sky = %g, want 2 (average of the three lowest pixels)", sky[0])
	}
}

func TestGuessSkyWeighted(t *testing.T) {
	data := NewCube(1, 1, 3)
	copy(data.Data, []float64{1, 2, 10})
	weight := NewCube(1, 1, 3)
	copy(weight.Data, []float64{3, 1, 1})

	sky := GuessSky(data, weight, 2)
	// (3*1 + 1*2) / (3 + 1)
	if !almostEqual(sky[0], 1.25, epsilon) {
		t.Errorf("sky = %g, want 1.25", sky[0])
	}
}

func TestGuessSkySkipsZeroWeight(t *testing.T) {
	data := NewCube(2, 1, 3)
	copy(data.Data, []float64{-100, 2, 3, 1, 1, 1})
	weight := NewCube(2, 1, 3)
	copy(weight.Data, []float64{0, 1, 1, 0, 0, 0})

	sky := GuessSky(data, weight, 2)
	if !almostEqual(sky[0], 2.5, epsilon) {
		t.Errorf("wavelength 0: sky = %g, want 2.5 (zero-weight pixel excluded)", sky[0])
	}
	if sky[1] != 0 {
		t.Errorf("wavelength 1: sky = %g, want 0 for all-zero weight", sky[1])
	}
}

func TestGuessSkyClipping(t *testing.T) {
	data := constCube(1, 4, 4, 2)
	data.Set(0, 1, 1, 20) // outlier
	weight := constCube(1, 4, 4, 1)

	sky := GuessSkyClipping(data, weight, 3, 10)
	if !almostEqual(sky[0], 2, epsilon) {
		t.Errorf("sky = %g, want 2 after clipping the outlier", sky[0])
	}
}

func TestGuessSkyClippingKeepsConsistentPixels(t *testing.T) {
	// Small scatter well inside the clip limit: nothing gets masked and the
	// estimate is the plain weighted mean.
	data := NewCube(1, 2, 2)
	copy(data.Data, []float64{1.9, 2.0, 2.1, 2.0})
	weight := constCube(1, 2, 2, 1)

	sky := GuessSkyClipping(data, weight, 3, 10)
	if !almostEqual(sky[0], 2.0, epsilon) {
		t.Errorf("sky = %g, want 2.0", sky[0])
	}
}

func TestGuessSkyClippingUndefinedWavelength(t *testing.T) {
	data := constCube(2, 2, 2, 5)
	weight := constCube(2, 2, 2, 1)
	for i := range weight.Slice(1) {
		weight.Slice(1)[i] = 0
	}

	sky := GuessSkyClipping(data, weight, 3, 10)
	if !almostEqual(sky[0], 5, epsilon) {
		t.Errorf("wavelength 0: sky = %g, want 5", sky[0])
	}
	if sky[1] != 0 {
		t.Errorf("wavelength 1: sky = %g, want 0 for undefined wavelength", sky[1])
	}
}
