package geo

import "math"

// Contains reports whether the geometry contains a point. Spheres use 3-D
// distance against the radius; polygons ray-cast the footprint and bound the
// elevation to the extruded band.
func Contains(g Geometry, p Location) bool {
	switch g.Type {
	case TypeSphere:
		return Distance3D(*g.Center, p) <= g.Radius
	case TypePolygon:
		base := g.minVertexEle()
		if p.Ele < base || p.Ele > base+g.Height {
			return false
		}
		return pointInFootprint(g.Vertices, p)
	default:
		return false
	}
}

// Intersects reports whether the geometry overlaps a query sphere of the
// given radius centered at the location. A range of zero degenerates to a
// containment test.
func Intersects(g Geometry, center Location, rangeM float64) bool {
	switch g.Type {
	case TypeSphere:
		return Distance(*g.Center, center) <= g.Radius+rangeM
	case TypePolygon:
		return prismDistance(g, center) <= rangeM
	default:
		return false
	}
}

// Volume returns the enclosed volume in cubic meters, used only for the
// inside-out search ordering.
func Volume(g Geometry) float64 {
	switch g.Type {
	case TypeSphere:
		return 4.0 / 3.0 * math.Pi * math.Pow(g.Radius, 3)
	case TypePolygon:
		return footprintArea(g) * g.Height
	default:
		return math.Inf(1)
	}
}

// footprintArea computes the polygon footprint area in square meters via the
// shoelace formula on an equirectangular projection centered at the polygon
// centroid.
func footprintArea(g Geometry) float64 {
	c := g.Centroid()
	cosLat := math.Cos(radians(c.Lat))
	metersPerDeg := math.Pi / 180 * EarthRadiusM

	n := len(g.Vertices)
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, v := range g.Vertices {
		xs[i] = lonDelta(v.Lon, c.Lon) * cosLat * metersPerDeg
		ys[i] = (v.Lat - c.Lat) * metersPerDeg
	}

	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += xs[i]*ys[j] - xs[j]*ys[i]
	}
	return math.Abs(sum) / 2
}

// pointInFootprint ray-casts in the lon/lat plane. Longitudes are compared
// relative to the test point so footprints spanning the antimeridian behave.
func pointInFootprint(vs []Location, p Location) bool {
	n := len(vs)
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		yi, yj := vs[i].Lat, vs[j].Lat
		xi := lonDelta(vs[i].Lon, p.Lon)
		xj := lonDelta(vs[j].Lon, p.Lon)

		if (yi > p.Lat) != (yj > p.Lat) {
			crossX := xi + (p.Lat-yi)/(yj-yi)*(xj-xi)
			if crossX > 0 {
				inside = !inside
			}
		}
	}
	return inside
}
