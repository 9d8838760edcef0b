package tracking

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/geo"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
)

// Collection holds one document per captured position sample.
const Collection = "tracking"

const (
	fieldVehicleID    = "vehicleId"
	fieldLat          = "lat"
	fieldLng          = "lng"
	fieldLocationName = "locationName"
	fieldTimestamp    = "timestamp"
	fieldMethod       = "method"
	fieldDeviceID     = "deviceId"
	fieldAccountID    = records.AccountField
	fieldIsTracking   = "isTracking"

	gpsLocationName           = "Current Location"
	defaultManualLocationName = "Manual Location"
)

var errInvalidRecord = errors.New("invalid tracking record")

type Method string

const (
	MethodGPS    Method = "gps"
	MethodManual Method = "manual"
)

// Record is one position sample of a vehicle, written by the device that captured it.
type Record struct {
	ID           string    `json:"id"`
	VehicleID    string    `json:"vehicle_id"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	LocationName string    `json:"location_name,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Method       Method    `json:"method"`
	DeviceID     string    `json:"device_id"`
	AccountID    string    `json:"account_id"`
	IsTracking   bool      `json:"is_tracking"`
}

// RecordFromDocument validates a stored document as a tracking record.
func RecordFromDocument(document records.Document) (Record, error) {
	fields := document.Fields
	vehicleID, err := fields.String(fieldVehicleID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	if strings.TrimSpace(vehicleID) == "" {
		return Record{}, fmt.Errorf("%w: empty vehicle id", errInvalidRecord)
	}
	lat, err := fields.Float(fieldLat)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	lng, err := fields.Float(fieldLng)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	if err := geo.ValidateCoordinates(lat, lng); err != nil {
		return Record{}, fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	locationName, err := fields.OptionalString(fieldLocationName)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	timestamp, err := fields.Time(fieldTimestamp)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	methodText, err := fields.String(fieldMethod)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	method := Method(methodText)
	if method != MethodGPS && method != MethodManual {
		return Record{}, fmt.Errorf("%w: unknown method %q", errInvalidRecord, methodText)
	}
	deviceID, err := fields.String(fieldDeviceID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	accountID, err := fields.OptionalString(fieldAccountID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	isTracking, err := fields.Bool(fieldIsTracking)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	return Record{
		ID:           document.ID,
		VehicleID:    vehicleID,
		Lat:          lat,
		Lng:          lng,
		LocationName: locationName,
		Timestamp:    timestamp.UTC(),
		Method:       method,
		DeviceID:     deviceID,
		AccountID:    accountID,
		IsTracking:   isTracking,
	}, nil
}

func (r Record) fields() records.Fields {
	return records.Fields{
		fieldVehicleID:    r.VehicleID,
		fieldLat:          r.Lat,
		fieldLng:          r.Lng,
		fieldLocationName: r.LocationName,
		fieldTimestamp:    r.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldMethod:       string(r.Method),
		fieldDeviceID:     r.DeviceID,
		fieldAccountID:    r.AccountID,
		fieldIsTracking:   r.IsTracking,
	}
}

// newerThan orders by client timestamp and falls back to the record id so that the result
// is deterministic when two devices write within the same instant.
func (r Record) newerThan(other Record) bool {
	if !r.Timestamp.Equal(other.Timestamp) {
		return r.Timestamp.After(other.Timestamp)
	}
	return r.ID > other.ID
}

// LatestPerVehicle reduces records to the newest one per vehicle, newest first.
func LatestPerVehicle(all []Record) []Record {
	latest := make(map[string]Record, len(all))
	for _, record := range all {
		existing, ok := latest[record.VehicleID]
		if !ok || record.newerThan(existing) {
			latest[record.VehicleID] = record
		}
	}
	reduced := make([]Record, 0, len(latest))
	for _, record := range latest {
		reduced = append(reduced, record)
	}
	sortNewestFirst(reduced)
	return reduced
}

func sortNewestFirst(list []Record) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].newerThan(list[j])
	})
}

func containsRecord(list []Record, id string) bool {
	for _, record := range list {
		if record.ID == id {
			return true
		}
	}
	return false
}
