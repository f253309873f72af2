package geo

import "math"

// BoundingBox is the axis-aligned envelope of a geometry, precomputed for the
// coarse index. When Wraps is true the box straddles the antimeridian and
// covers longitudes [MinLon, 180] plus [-180, MaxLon].
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
	Wraps  bool    `json:"wraps,omitempty"`
}

// LonRange is a [Min, Max] longitude interval used for index queries.
type LonRange struct {
	Min float64
	Max float64
}

// LonRanges splits the box into one or two non-wrapping longitude intervals.
func (b BoundingBox) LonRanges() []LonRange {
	if b.Wraps {
		return []LonRange{{Min: b.MinLon, Max: 180}, {Min: -180, Max: b.MaxLon}}
	}
	return []LonRange{{Min: b.MinLon, Max: b.MaxLon}}
}

// Intersects reports whether two boxes overlap, including wrap handling on
// either side.
func (b BoundingBox) Intersects(other BoundingBox) bool {
	if b.MaxLat < other.MinLat || b.MinLat > other.MaxLat {
		return false
	}
	for _, r1 := range b.LonRanges() {
		for _, r2 := range other.LonRanges() {
			if r1.Max >= r2.Min && r1.Min <= r2.Max {
				return true
			}
		}
	}
	return false
}

// ComputeBBox computes the bounding box of a geometry.
func ComputeBBox(g Geometry) BoundingBox {
	switch g.Type {
	case TypeSphere:
		return sphereBBox(*g.Center, g.Radius)
	case TypePolygon:
		return polygonBBox(g.Vertices)
	default:
		return BoundingBox{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}
	}
}

// BBoxForSearch is the bounding box of the query sphere around a location.
func BBoxForSearch(center Location, rangeM float64) BoundingBox {
	if rangeM <= 0 {
		return BoundingBox{
			MinLat: center.Lat, MaxLat: center.Lat,
			MinLon: center.Lon, MaxLon: center.Lon,
		}
	}
	return sphereBBox(center, rangeM)
}

func sphereBBox(center Location, radius float64) BoundingBox {
	latDelta := radius / EarthRadiusM * 180 / math.Pi

	minLat := center.Lat - latDelta
	maxLat := center.Lat + latDelta

	// Near a pole a single lat/lon rectangle cannot bound the cap; clamp the
	// latitude and widen longitude to the full range.
	cosLat := math.Cos(radians(center.Lat))
	if minLat < -90 || maxLat > 90 || cosLat < 0.001 {
		return BoundingBox{
			MinLat: math.Max(-90, minLat),
			MaxLat: math.Min(90, maxLat),
			MinLon: -180,
			MaxLon: 180,
		}
	}

	lonDelta := latDelta / cosLat
	if lonDelta >= 180 {
		return BoundingBox{MinLat: minLat, MaxLat: maxLat, MinLon: -180, MaxLon: 180}
	}

	minLon := center.Lon - lonDelta
	maxLon := center.Lon + lonDelta
	box := BoundingBox{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}

	switch {
	case minLon < -180:
		box.Wraps = true
		box.MinLon = minLon + 360
	case maxLon > 180:
		box.Wraps = true
		box.MaxLon = maxLon - 360
	}
	return box
}

func polygonBBox(vs []Location) BoundingBox {
	minLat, maxLat := math.Inf(1), math.Inf(-1)
	minLon, maxLon := math.Inf(1), math.Inf(-1)
	for _, v := range vs {
		minLat = math.Min(minLat, v.Lat)
		maxLat = math.Max(maxLat, v.Lat)
		minLon = math.Min(minLon, v.Lon)
		maxLon = math.Max(maxLon, v.Lon)
	}

	if maxLon-minLon <= 180 {
		return BoundingBox{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}
	}

	// Longitudes span more than half the globe: the polygon is taken to cross
	// the antimeridian, and the box is the complement interval.
	sMin, sMax := math.Inf(1), math.Inf(-1)
	for _, v := range vs {
		lon := v.Lon
		if lon < 0 {
			lon += 360
		}
		sMin = math.Min(sMin, lon)
		sMax = math.Max(sMax, lon)
	}
	if sMax-sMin >= maxLon-minLon {
		// No tighter in shifted space either; keep the wide box.
		return BoundingBox{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}
	}
	return BoundingBox{
		MinLat: minLat,
		MaxLat: maxLat,
		MinLon: normalizeLon(sMin),
		MaxLon: normalizeLon(sMax),
		Wraps:  true,
	}
}

func normalizeLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
