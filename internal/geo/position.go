// Package geo holds position values and the sources that produce them.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrCoordinatesRequired = errors.New("latitude and longitude are required")
	ErrInvalidCoordinates  = errors.New("invalid coordinates")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrSourceClosed        = errors.New("position source closed")
)

// DefaultCenter is shown when no vehicle is selected (Nairobi).
var DefaultCenter = Position{Lat: -1.2864, Lng: 36.8172}

type Position struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	RecordedAt time.Time `json:"recorded_at,omitempty"`
}

// ValidateCoordinates accepts latitudes in [-90, 90] and longitudes in [-180, 180].
func ValidateCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return fmt.Errorf("%w: not a number", ErrInvalidCoordinates)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinates, lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinates, lng)
	}
	return nil
}

// ParseCoordinates converts user-entered text into a validated coordinate pair.
func ParseCoordinates(latText, lngText string) (float64, float64, error) {
	latText = strings.TrimSpace(latText)
	lngText = strings.TrimSpace(lngText)
	if latText == "" || lngText == "" {
		return 0, 0, ErrCoordinatesRequired
	}
	lat, err := strconv.ParseFloat(latText, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: latitude %q", ErrInvalidCoordinates, latText)
	}
	lng, err := strconv.ParseFloat(lngText, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: longitude %q", ErrInvalidCoordinates, lngText)
	}
	if err := ValidateCoordinates(lat, lng); err != nil {
		return 0, 0, err
	}
	return lat, lng, nil
}
