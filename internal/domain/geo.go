package domain

import (
	"fmt"
	"hash/fnv"
	"math"
)

const earthRadiusM = 6371000.0

// BucketCellDeg is the coarse grid cell size in degrees, roughly 500 m
// of latitude. Used for idempotency keys and room naming, not for the
// actual proximity check.
const BucketCellDeg = 0.005

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DistanceM returns the great-circle distance to o in meters (haversine).
func (c Coordinates) DistanceM(o Coordinates) float64 {
	lat1 := c.Lat * math.Pi / 180
	lat2 := o.Lat * math.Pi / 180
	dLat := (o.Lat - c.Lat) * math.Pi / 180
	dLng := (o.Lng - c.Lng) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Bucket snaps the coordinates to a coarse grid cell key.
// Points within the same cell always produce the same key.
func (c Coordinates) Bucket() string {
	row := int(math.Floor(c.Lat / BucketCellDeg))
	col := int(math.Floor(c.Lng / BucketCellDeg))
	return fmt.Sprintf("g%d:%d", row, col)
}

// Valid reports whether the coordinates are a real WGS84 point.
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180 &&
		!(c.Lat == 0 && c.Lng == 0)
}

var nameAdjectives = []string{
	"amber", "brisk", "calm", "dusty", "eager", "faded", "gentle", "hazy",
	"ivory", "jolly", "keen", "lively", "mellow", "noble", "quiet", "rusty",
	"silent", "tidal", "velvet", "wild",
}

var nameNouns = []string{
	"fox", "harbor", "lantern", "meadow", "otter", "pine", "raven", "spark",
	"thicket", "willow", "bridge", "canyon", "drift", "ember", "grove", "knoll",
}

// NameForBucket derives a deterministic friendly room name from a bucket
// key, so every session created in the same cell gets the same base name.
func NameForBucket(bucket string) string {
	h := fnv.New32a()
	h.Write([]byte(bucket))
	sum := h.Sum32()
	adj := nameAdjectives[sum%uint32(len(nameAdjectives))]
	noun := nameNouns[(sum/uint32(len(nameAdjectives)))%uint32(len(nameNouns))]
	return fmt.Sprintf("%s-%s", adj, noun)
}
