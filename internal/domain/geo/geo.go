// Package geo implements the WGS-84 geometry kernel: distances, bounding
// boxes, containment and intersection tests for registered spaces.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusM is the WGS-84 mean radius in meters.
const EarthRadiusM = 6_371_000

// MaxSphereRadiusM bounds the radius of a registered sphere.
const MaxSphereRadiusM = 1_000_000

const (
	TypeSphere  = "sphere"
	TypePolygon = "polygon"
)

var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrInvalidRadius      = fmt.Errorf("radius must be in (0, %d] meters", MaxSphereRadiusM)
	ErrInvalidPolygon     = errors.New("invalid polygon")
	ErrUnknownGeometry    = errors.New("unknown geometry type")
)

// Location is a point in WGS-84 coordinates plus elevation in meters.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Ele float64 `json:"ele"`
}

// Valid reports whether the location is inside the WGS-84 coordinate ranges.
func (l Location) Valid() bool {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) || math.IsNaN(l.Ele) {
		return false
	}
	if math.IsInf(l.Lat, 0) || math.IsInf(l.Lon, 0) || math.IsInf(l.Ele, 0) {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

// Geometry is the tagged variant describing a registered space. Type selects
// which fields are meaningful: Center+Radius for spheres, Vertices+Height for
// polygons (extruded vertically from the minimum vertex elevation).
type Geometry struct {
	Type     string     `json:"type"`
	Center   *Location  `json:"center,omitempty"`
	Radius   float64    `json:"radius,omitempty"`
	Vertices []Location `json:"vertices,omitempty"`
	Height   float64    `json:"height,omitempty"`
}

// Validate checks structural validity. maxRadius additionally caps sphere
// radii (0 means the protocol maximum only).
func (g Geometry) Validate(maxRadius float64) error {
	switch g.Type {
	case TypeSphere:
		if g.Center == nil || !g.Center.Valid() {
			return ErrInvalidCoordinates
		}
		if g.Radius <= 0 || g.Radius > MaxSphereRadiusM {
			return ErrInvalidRadius
		}
		if maxRadius > 0 && g.Radius > maxRadius {
			return fmt.Errorf("%w: exceeds server maximum of %g meters", ErrInvalidRadius, maxRadius)
		}
		return nil
	case TypePolygon:
		if len(g.Vertices) < 3 {
			return fmt.Errorf("%w: needs at least 3 vertices", ErrInvalidPolygon)
		}
		for _, v := range g.Vertices {
			if !v.Valid() {
				return ErrInvalidCoordinates
			}
		}
		if g.Height < 0 || math.IsNaN(g.Height) || math.IsInf(g.Height, 0) {
			return fmt.Errorf("%w: height must be >= 0", ErrInvalidPolygon)
		}
		if polygonSelfIntersects(g.Vertices) {
			return fmt.Errorf("%w: self-intersecting footprint", ErrInvalidPolygon)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownGeometry, g.Type)
	}
}

// Equal reports exact structural equality of two geometries.
func (g Geometry) Equal(o Geometry) bool {
	if g.Type != o.Type || g.Radius != o.Radius || g.Height != o.Height {
		return false
	}
	if (g.Center == nil) != (o.Center == nil) {
		return false
	}
	if g.Center != nil && *g.Center != *o.Center {
		return false
	}
	if len(g.Vertices) != len(o.Vertices) {
		return false
	}
	for i := range g.Vertices {
		if g.Vertices[i] != o.Vertices[i] {
			return false
		}
	}
	return true
}

// minVertexEle returns the base elevation of an extruded polygon.
func (g Geometry) minVertexEle() float64 {
	min := math.Inf(1)
	for _, v := range g.Vertices {
		if v.Ele < min {
			min = v.Ele
		}
	}
	return min
}

// Centroid returns a representative point for the geometry footprint.
func (g Geometry) Centroid() Location {
	if g.Type == TypeSphere {
		return *g.Center
	}
	var lat, lon, ele float64
	for _, v := range g.Vertices {
		lat += v.Lat
		lon += v.Lon
		ele += v.Ele
	}
	n := float64(len(g.Vertices))
	return Location{Lat: lat / n, Lon: lon / n, Ele: ele / n}
}

// polygonSelfIntersects reports whether any two non-adjacent footprint edges
// cross. O(n^2), fine for the vertex counts registrations carry.
func polygonSelfIntersects(vs []Location) bool {
	n := len(vs)
	for i := 0; i < n; i++ {
		a1, a2 := vs[i], vs[(i+1)%n]
		for j := i + 1; j < n; j++ {
			// Skip edges sharing a vertex.
			if j == i || (j+1)%n == i || (i+1)%n == j {
				continue
			}
			b1, b2 := vs[j], vs[(j+1)%n]
			if segmentsCross(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

func segmentsCross(p1, p2, p3, p4 Location) bool {
	d1 := cross(p3, p4, p1)
	d2 := cross(p3, p4, p2)
	d3 := cross(p1, p2, p3)
	d4 := cross(p1, p2, p4)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func cross(a, b, c Location) float64 {
	return (b.Lon-a.Lon)*(c.Lat-a.Lat) - (b.Lat-a.Lat)*(c.Lon-a.Lon)
}
