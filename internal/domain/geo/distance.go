package geo

import "math"

// Distance returns the great-circle surface distance between two points in
// meters, using the haversine formula on the WGS-84 mean radius. Elevation is
// ignored.
func Distance(a, b Location) float64 {
	lat1 := radians(a.Lat)
	lon1 := radians(a.Lon)
	lat2 := radians(b.Lat)
	lon2 := radians(b.Lon)

	dlat := lat2 - lat1
	dlon := lon2 - lon1

	h := math.Pow(math.Sin(dlat/2), 2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dlon/2), 2)
	return EarthRadiusM * 2 * math.Asin(math.Sqrt(h))
}

// Distance3D combines surface distance with elevation difference.
func Distance3D(a, b Location) float64 {
	surface := Distance(a, b)
	vertical := a.Ele - b.Ele
	return math.Sqrt(surface*surface + vertical*vertical)
}

// DistanceTo returns the distance reported in search results: center distance
// for spheres, distance to the nearest point of the extruded prism for
// polygons (zero when the point is inside).
func DistanceTo(g Geometry, p Location) float64 {
	switch g.Type {
	case TypeSphere:
		return Distance(*g.Center, p)
	case TypePolygon:
		return prismDistance(g, p)
	default:
		return math.Inf(1)
	}
}

// prismDistance is the 3-D distance from p to the extruded polygon prism.
func prismDistance(g Geometry, p Location) float64 {
	horizontal := footprintDistance(g.Vertices, p)

	base := g.minVertexEle()
	var vertical float64
	switch {
	case p.Ele < base:
		vertical = base - p.Ele
	case p.Ele > base+g.Height:
		vertical = p.Ele - (base + g.Height)
	}

	return math.Sqrt(horizontal*horizontal + vertical*vertical)
}

// footprintDistance is the 2-D surface distance from p to the polygon
// footprint: zero inside, otherwise the minimum distance to any edge.
func footprintDistance(vs []Location, p Location) float64 {
	if pointInFootprint(vs, p) {
		return 0
	}
	min := math.Inf(1)
	n := len(vs)
	for i := 0; i < n; i++ {
		d := pointSegmentDistance(p, vs[i], vs[(i+1)%n])
		if d < min {
			min = d
		}
	}
	return min
}

// pointSegmentDistance approximates the surface distance from p to segment
// a-b on an equirectangular projection centered at p's latitude. Accurate for
// the local scales registrations operate at.
func pointSegmentDistance(p, a, b Location) float64 {
	cosLat := math.Cos(radians(p.Lat))

	ax := lonDelta(a.Lon, p.Lon) * cosLat
	ay := a.Lat - p.Lat
	bx := lonDelta(b.Lon, p.Lon) * cosLat
	by := b.Lat - p.Lat

	dx := bx - ax
	dy := by - ay
	lenSq := dx*dx + dy*dy

	t := 0.0
	if lenSq > 0 {
		t = -(ax*dx + ay*dy) / lenSq
		t = math.Max(0, math.Min(1, t))
	}

	nx := ax + t*dx
	ny := ay + t*dy
	deg := math.Sqrt(nx*nx + ny*ny)
	return deg * math.Pi / 180 * EarthRadiusM
}

// lonDelta returns b-a in degrees normalized to [-180, 180), so distances
// across the antimeridian come out short, not long.
func lonDelta(a, b float64) float64 {
	d := a - b
	for d > 180 {
		d -= 360
	}
	for d < -180 {
		d += 360
	}
	return d
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
