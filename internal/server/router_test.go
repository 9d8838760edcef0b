package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/device"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/tracking"
)

func TestHealthz(t *testing.T) {
	server := newTestServer(t)
	response := server.do(t, http.MethodGet, "/healthz", "", "", nil)
	if response.status != http.StatusOK {
		t.Fatalf("unexpected status %d", response.status)
	}
}

func TestSignInRequiresDeviceHeader(t *testing.T) {
	server := newTestServer(t)

	response := server.do(t, http.MethodPost, "/auth/signup", "", "", map[string]string{
		"email":    "driver@example.com",
		"password": "secret1",
	})
	if response.status != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.status)
	}
	if body := response.errorBody(t); body.Error != "invalid_device" {
		t.Fatalf("unexpected error code %q", body.Error)
	}
}

func TestSignUpReturnsSessionBoundToDevice(t *testing.T) {
	server := newTestServer(t)
	deviceID := device.NewID()

	response := server.do(t, http.MethodPost, "/auth/signup", "", deviceID, map[string]string{
		"email":        "Driver@Example.com",
		"password":     "secret1",
		"display_name": "Driver One",
	})
	if response.status != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", response.status, string(response.body))
	}
	var payload authResponsePayload
	response.decode(t, &payload)
	if payload.AccessToken == "" || payload.TokenType != "Bearer" {
		t.Fatalf("unexpected session payload %+v", payload)
	}
	if payload.DeviceID != deviceID.String() {
		t.Fatalf("expected device %s, got %s", deviceID, payload.DeviceID)
	}
	if payload.User.Email != "driver@example.com" || payload.User.Role != identity.RoleDriver {
		t.Fatalf("unexpected user %+v", payload.User)
	}

	me := server.do(t, http.MethodGet, "/me", payload.AccessToken, "", nil)
	if me.status != http.StatusOK {
		t.Fatalf("unexpected /me status %d", me.status)
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	server := newTestServer(t)
	server.signUp(t, "driver@example.com", device.NewID())

	response := server.do(t, http.MethodPost, "/auth/signup", "", device.NewID(), map[string]string{
		"email":    "driver@example.com",
		"password": "secret1",
	})
	if response.status != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, response.status)
	}
	if body := response.errorBody(t); body.Message != messageEmailExists {
		t.Fatalf("unexpected message %q", body.Message)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	server := newTestServer(t)
	for _, path := range []string{"/me", "/tracking/view", "/account/deletion"} {
		response := server.do(t, http.MethodGet, path, "", "", nil)
		if response.status != http.StatusUnauthorized {
			t.Fatalf("%s: expected status %d, got %d", path, http.StatusUnauthorized, response.status)
		}
	}
}

func TestVehicleHandoffBetweenDevices(t *testing.T) {
	server := newTestServer(t)
	deviceA := device.NewID()
	deviceB := device.NewID()
	tokenA := server.signUp(t, "driver@example.com", deviceA)
	tokenB := server.signIn(t, "driver@example.com", deviceB)
	vehicleID := "KAA 123V"

	for _, token := range []string{tokenA, tokenB} {
		mode := server.do(t, http.MethodPut, "/tracking/mode", token, "", map[string]bool{"manual": true})
		if mode.status != http.StatusOK {
			t.Fatalf("unexpected mode status %d: %s", mode.status, string(mode.body))
		}
	}

	started := server.do(t, http.MethodPost, "/tracking/start", tokenA, "", map[string]string{
		"vehicle_id": vehicleID,
		"latitude":   "1.0",
		"longitude":  "2.0",
	})
	if started.status != http.StatusCreated {
		t.Fatalf("device A start failed: %d %s", started.status, string(started.body))
	}
	var record tracking.Record
	started.decode(t, &record)
	if record.DeviceID != deviceA.String() || !record.IsTracking {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Lat != 1.0 || record.Lng != 2.0 || record.Method != tracking.MethodManual {
		t.Fatalf("unexpected coordinates in %+v", record)
	}

	rejected := server.do(t, http.MethodPost, "/tracking/start", tokenB, "", map[string]string{
		"vehicle_id": vehicleID,
		"latitude":   "3.0",
		"longitude":  "4.0",
	})
	if rejected.status != http.StatusConflict {
		t.Fatalf("expected status %d, got %d: %s", http.StatusConflict, rejected.status, string(rejected.body))
	}
	if body := rejected.errorBody(t); body.Message != "This vehicle is already being tracked by another device." {
		t.Fatalf("unexpected rejection message %q", body.Message)
	}

	stopped := server.do(t, http.MethodPost, "/tracking/stop", tokenA, "", map[string]string{
		"vehicle_id": vehicleID,
		"record_id":  record.ID,
	})
	if stopped.status != http.StatusOK {
		t.Fatalf("device A stop failed: %d %s", stopped.status, string(stopped.body))
	}

	resumed := server.do(t, http.MethodPost, "/tracking/start", tokenB, "", map[string]string{
		"vehicle_id": vehicleID,
		"latitude":   "3.0",
		"longitude":  "4.0",
	})
	if resumed.status != http.StatusCreated {
		t.Fatalf("device B start failed: %d %s", resumed.status, string(resumed.body))
	}
	var handedOver tracking.Record
	resumed.decode(t, &handedOver)
	if handedOver.DeviceID != deviceB.String() {
		t.Fatalf("expected device B to hold the vehicle, got %s", handedOver.DeviceID)
	}
}

func TestStartTrackingValidatesManualCoordinates(t *testing.T) {
	server := newTestServer(t)
	token := server.signUp(t, "driver@example.com", device.NewID())
	server.do(t, http.MethodPut, "/tracking/mode", token, "", map[string]bool{"manual": true})

	response := server.do(t, http.MethodPost, "/tracking/start", token, "", map[string]string{
		"vehicle_id": "KAA 123V",
		"latitude":   "north",
		"longitude":  "2.0",
	})
	if response.status != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.status)
	}
}

func TestSingleDeviceDeletionRemovesAccount(t *testing.T) {
	server := newTestServer(t)
	token := server.signUp(t, "driver@example.com", device.NewID())

	registered := server.do(t, http.MethodPost, "/sessions/register", token, "", nil)
	if registered.status != http.StatusOK {
		t.Fatalf("register failed: %d %s", registered.status, string(registered.body))
	}

	initiated := server.do(t, http.MethodPost, "/account/deletion", token, "", nil)
	if initiated.status != http.StatusCreated {
		t.Fatalf("initiate failed: %d %s", initiated.status, string(initiated.body))
	}

	waitFor(t, func() bool {
		response := server.do(t, http.MethodGet, "/me", token, "", nil)
		return response.status == http.StatusUnauthorized && response.errorBody(t).Error == "account_not_found"
	}, "account was not deleted after quorum")
}

func TestDescribeErrorMapsDomainFailures(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "email exists", err: identity.ErrEmailExists, wantStatus: http.StatusConflict, wantCode: "email_exists"},
		{name: "weak password", err: fmt.Errorf("signup: %w", identity.ErrWeakPassword), wantStatus: http.StatusBadRequest, wantCode: "weak_password"},
		{name: "bad credentials", err: identity.ErrInvalidCredentials, wantStatus: http.StatusUnauthorized, wantCode: "invalid_credentials"},
		{name: "recent login", err: identity.ErrRequiresRecentLogin, wantStatus: http.StatusForbidden, wantCode: codeReauthRequired},
		{name: "google disabled", err: identity.ErrGoogleDisabled, wantStatus: http.StatusNotImplemented, wantCode: "google_disabled"},
		{name: "registry closed", err: clients.ErrRegistryClosed, wantStatus: http.StatusServiceUnavailable, wantCode: "unavailable"},
		{name: "invalid device", err: device.ErrInvalidID, wantStatus: http.StatusBadRequest, wantCode: "invalid_device"},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "internal"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, body := describeError(testCase.err)
			if status != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d", testCase.wantStatus, status)
			}
			if body.Error != testCase.wantCode {
				t.Fatalf("expected code %q, got %q", testCase.wantCode, body.Error)
			}
		})
	}
}

func TestDescribeErrorUsesCoordinatorKinds(t *testing.T) {
	testCases := []struct {
		kind       string
		wantStatus int
		wantCode   string
	}{
		{kind: "validation", wantStatus: http.StatusBadRequest, wantCode: "start.missing_vehicle"},
		{kind: "precondition", wantStatus: http.StatusConflict, wantCode: "start.missing_vehicle"},
		{kind: "reauth_required", wantStatus: http.StatusForbidden, wantCode: codeReauthRequired},
		{kind: "transport", wantStatus: http.StatusBadGateway, wantCode: "start.missing_vehicle"},
		{kind: "internal", wantStatus: http.StatusInternalServerError, wantCode: "start.missing_vehicle"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.kind, func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", kindedStub{code: "start.missing_vehicle", kind: testCase.kind, message: "Select a vehicle."})
			status, body := describeError(err)
			if status != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d", testCase.wantStatus, status)
			}
			if body.Error != testCase.wantCode || body.Message != "Select a vehicle." {
				t.Fatalf("unexpected body %+v", body)
			}
		})
	}

	status, _ := describeError(tracking.ErrTrackedByAnotherDevice)
	if status != http.StatusInternalServerError {
		t.Fatalf("expected bare sentinel to map to %d, got %d", http.StatusInternalServerError, status)
	}
}

type kindedStub struct {
	code    string
	kind    string
	message string
}

func (k kindedStub) Error() string {
	return k.code
}

func (k kindedStub) Code() string {
	return k.code
}

func (k kindedStub) Kind() string {
	return k.kind
}

func (k kindedStub) UserMessage() string {
	return k.message
}
