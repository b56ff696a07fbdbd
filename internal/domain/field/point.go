package field

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kailas-cloud/needle/internal/domain"
)

// Point is a latitude/longitude pair stored in location fields.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// String renders the "lat,lon" form accepted by every backend.
func (p Point) String() string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lon, 'f', -1, 64)
}

// ToPoint reads a point from a Point, a "lat,lon" string or a lat/lon map.
func ToPoint(v any) (Point, error) {
	switch x := v.(type) {
	case Point:
		return x, nil
	case *Point:
		if x != nil {
			return *x, nil
		}
	case string:
		latS, lonS, ok := strings.Cut(x, ",")
		if ok {
			lat, err1 := strconv.ParseFloat(strings.TrimSpace(latS), 64)
			lon, err2 := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
			if err1 == nil && err2 == nil {
				return Point{Lat: lat, Lon: lon}, nil
			}
		}
	case map[string]any:
		lat, ok1 := x["lat"].(float64)
		lon, ok2 := x["lon"].(float64)
		if ok1 && ok2 {
			return Point{Lat: lat, Lon: lon}, nil
		}
	}
	return Point{}, fmt.Errorf("%v (%T) is not a point: %w", v, v, domain.ErrSpatial)
}
