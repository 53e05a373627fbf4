package fitting

import "fmt"

// Cube is a dense 3-d array indexed [wavelength][y][x], stored flat in
// w-major order. It is the common container for data, inverse-variance
// weights and the galaxy model.
type Cube struct {
	NW, NY, NX int
	Data       []float64
}

// NewCube allocates a zeroed cube with the given dimensions.
func NewCube(nw, ny, nx int) *Cube {
	return &Cube{
		NW:   nw,
		NY:   ny,
		NX:   nx,
		Data: make([]float64, nw*ny*nx),
	}
}

// cubeAround wraps an existing flat slice as a cube without copying.
// The caller must not hold on to the slice past the wrapper's lifetime.
func cubeAround(nw, ny, nx int, data []float64) *Cube {
	if len(data) != nw*ny*nx {
		panic(fmt.Sprintf("cube: slice length %d does not match %dx%dx%d", len(data), nw, ny, nx))
	}
	return &Cube{NW: nw, NY: ny, NX: nx, Data: data}
}

// At returns the value at (w, y, x).
func (c *Cube) At(w, y, x int) float64 {
	return c.Data[(w*c.NY+y)*c.NX+x]
}

// Set stores v at (w, y, x).
func (c *Cube) Set(w, y, x int, v float64) {
	c.Data[(w*c.NY+y)*c.NX+x] = v
}

// Slice returns the ny*nx spatial plane for one wavelength, backed by the
// cube's storage.
func (c *Cube) Slice(w int) []float64 {
	n := c.NY * c.NX
	return c.Data[w*n : (w+1)*n]
}

// Shape returns the spatial dimensions (ny, nx).
func (c *Cube) Shape() [2]int {
	return [2]int{c.NY, c.NX}
}

// NSpaxels returns the number of spatial pixels per wavelength slice.
func (c *Cube) NSpaxels() int {
	return c.NY * c.NX
}

// Clone returns a deep copy of the cube.
func (c *Cube) Clone() *Cube {
	out := NewCube(c.NW, c.NY, c.NX)
	copy(out.Data, c.Data)
	return out
}

// sameShape reports whether two cubes have identical dimensions.
func sameShape(a, b *Cube) bool {
	return a.NW == b.NW && a.NY == b.NY && a.NX == b.NX
}
