package figure

import "math"

// PolygonRadius converts the side length s of a regular n-gon to its
// circumradius.
func PolygonRadius(s float64, n int) float64 {
	return s / (2 * math.Sin(math.Pi/float64(n)))
}

// PolygonVertices returns the vertices of a regular n-gon centered at (x, y)
// with circumradius r. Vertex i lies at angle (π/n)(1+2i) measured from the
// y axis, so squares are axis aligned.
func PolygonVertices(x, y, r float64, n int) [][2]float64 {
	out := make([][2]float64, n)
	for i := 0; i < n; i++ {
		a := (math.Pi / float64(n)) * float64(1+2*i)
		out[i] = [2]float64{x + r*math.Sin(a), y + r*math.Cos(a)}
	}
	return out
}

// PointDiameter is the on-screen diameter in points of a '.' marker of area s
// points².
func PointDiameter(s float64) float64 {
	return 0.5 * math.Sqrt(s)
}

// Project3D is an orthographic view of (x, y, z) from elevation 30° and
// azimuth -60°. The returned y grows downward like the rest of the panel.
func Project3D(x, y, z float64) (float64, float64) {
	const (
		elev = 30 * math.Pi / 180
		azim = -60 * math.Pi / 180
	)
	sx := -math.Sin(azim)*x + math.Cos(azim)*y
	sy := -math.Sin(elev)*math.Cos(azim)*x - math.Sin(elev)*math.Sin(azim)*y + math.Cos(elev)*z
	return sx, -sy
}
