package tracking

import "github.com/MarcoPoloResearchLab/fleettraq/backend/internal/geo"

// Phase is the lifecycle of this device's control over the selected vehicle.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseRequesting  Phase = "requesting"
	PhaseControlling Phase = "controlling"
	PhaseStopped     Phase = "stopped"
	PhaseSuperseded  Phase = "superseded"
	PhaseRemoved     Phase = "removed"
)

type Location struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name,omitempty"`
}

// View is the state a device renders: the fleet-wide tracked list and the detail of the
// selected vehicle.
type View struct {
	DeviceID            string   `json:"device_id"`
	SelectedVehicleID   string   `json:"selected_vehicle_id,omitempty"`
	Phase               Phase    `json:"phase"`
	CurrentLocation     Location `json:"current_location"`
	HasLocation         bool     `json:"has_location"`
	TrackingHistory     []Record `json:"tracking_history"`
	TrackedVehicles     []Record `json:"tracked_vehicles"`
	ControllingDeviceID string   `json:"controlling_device_id,omitempty"`
	IsController        bool     `json:"is_controller"`
	IsTracking          bool     `json:"is_tracking"`
	ActiveRecordID      string   `json:"active_record_id,omitempty"`
	ManualMode          bool     `json:"manual_mode"`
	Sampling            bool     `json:"sampling"`
	Error               string   `json:"error,omitempty"`
}

type viewState struct {
	selectedVehicleID string
	phase             Phase
	current           *Location
	history           []Record
	tracked           []Record
	controller        string
	isTracking        bool
	manual            bool
	activeRecordID    string
	activeSeen        bool
	lastError         string
}

func (s *viewState) resetSelection() {
	s.selectedVehicleID = ""
	s.phase = PhaseIdle
	s.current = nil
	s.history = nil
	s.controller = ""
	s.isTracking = false
	s.activeRecordID = ""
	s.activeSeen = false
}

func (s *viewState) snapshot(deviceID string, sampling bool) View {
	view := View{
		DeviceID:            deviceID,
		SelectedVehicleID:   s.selectedVehicleID,
		Phase:               s.phase,
		CurrentLocation:     Location{Lat: geo.DefaultCenter.Lat, Lng: geo.DefaultCenter.Lng},
		TrackingHistory:     append([]Record(nil), s.history...),
		TrackedVehicles:     append([]Record(nil), s.tracked...),
		ControllingDeviceID: s.controller,
		IsController:        s.controller != "" && s.controller == deviceID,
		IsTracking:          s.isTracking,
		ActiveRecordID:      s.activeRecordID,
		ManualMode:          s.manual,
		Sampling:            sampling,
		Error:               s.lastError,
	}
	if view.TrackingHistory == nil {
		view.TrackingHistory = []Record{}
	}
	if view.TrackedVehicles == nil {
		view.TrackedVehicles = []Record{}
	}
	if s.current != nil {
		view.CurrentLocation = *s.current
		view.HasLocation = true
	}
	return view
}
