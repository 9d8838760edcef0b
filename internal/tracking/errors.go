package tracking

import (
	"errors"
	"fmt"
)

var (
	ErrVehicleRequired        = errors.New("vehicle id is required")
	ErrCoordinatesRequired    = errors.New("latitude and longitude are required")
	ErrInvalidCoordinates     = errors.New("coordinates out of range")
	ErrTrackedByAnotherDevice = errors.New("vehicle is tracked by another device")
	ErrStartInProgress        = errors.New("start already in progress")
	ErrNoActiveSession        = errors.New("no active tracking record")
	ErrNoRecordSelected       = errors.New("no tracking record selected")
	ErrRecordNotFound         = errors.New("tracking record not found")
	ErrNotOpen                = errors.New("coordinator is not open")
	ErrClosed                 = errors.New("coordinator is closed")

	errMissingStore     = errors.New("record store is required")
	errMissingPositions = errors.New("position source is required")
	errMissingAccountID = errors.New("account id is required")
	errMissingDeviceID  = errors.New("device id is required")
)

// Error kinds let callers map failures without matching on messages.
const (
	KindValidation   = "validation"
	KindPrecondition = "precondition"
	KindTransport    = "transport"
	KindInternal     = "internal"
)

const (
	messageSelectVehicle      = "Please select a vehicle to track."
	messageCoordinatesMissing = "Please enter both latitude and longitude values."
	messageInvalidCoordinates = "Please enter valid coordinates."
	messageTrackedElsewhere   = "This vehicle is already being tracked by another device."
	messageStartInProgress    = "Tracking is already starting for this vehicle."
	messageNoActiveSession    = "No active tracking session found."
	messageNoRecordSelected   = "No tracking entry selected for removal."
	messageRecordNotFound     = "Tracking entry not found."
	messageNotOpen            = "Tracking is not available yet."

	prefixSaveLocation   = "Failed to save location: "
	prefixLocation       = "Unable to get your location: "
	prefixWatch          = "Tracking error: "
	prefixStop           = "Failed to stop tracking: "
	prefixRemove         = "Failed to remove vehicle from tracking: "
	prefixCheckStatus    = "Failed to check tracking status: "
	prefixTrackedList    = "Failed to fetch tracked vehicles: "
	prefixTrackingUpdate = "Failed to fetch tracking updates: "
)

type ServiceError struct {
	code    string
	kind    string
	message string
	err     error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() string {
	return e.kind
}

// UserMessage is the text shown to the person operating the device.
func (e *ServiceError) UserMessage() string {
	return e.message
}

const (
	opCoordinatorNew = "tracking.coordinator.new"
	opOpen           = "tracking.open"
	opStart          = "tracking.start"
	opStop           = "tracking.stop"
	opRemove         = "tracking.remove"
	opSelect         = "tracking.select"
	opSample         = "tracking.sample"
)

func newServiceError(operation, reason, kind, message string, cause error) *ServiceError {
	return &ServiceError{
		code:    fmt.Sprintf("%s.%s", operation, reason),
		kind:    kind,
		message: message,
		err:     cause,
	}
}
