package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/clients"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/device"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records/recordstest"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "fleettraq_session"
)

type testServer struct {
	server   *httptest.Server
	registry *clients.Registry
	store    records.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database := recordstest.OpenDatabase(t, identity.Models()...)
	store, err := records.NewGormStore(records.StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	identityService, err := identity.NewService(identity.ServiceConfig{
		Database:   database,
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to build identity service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "fleettraq-auth",
		Audience:      "fleettraq-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "fleettraq-auth",
		Audience:      "fleettraq-api",
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	registry, err := clients.NewRegistry(clients.Config{
		Store:         store,
		Identity:      identityService,
		SampleTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build client registry: %v", err)
	}
	t.Cleanup(registry.Close)

	handler, err := NewHTTPHandler(Dependencies{
		Identity:          identityService,
		Tokens:            tokenIssuer,
		Sessions:          validator,
		Clients:           registry,
		CookieName:        testCookieName,
		HeartbeatInterval: 100 * time.Millisecond,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, registry: registry, store: store}
}

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) decode(t *testing.T, target any) {
	t.Helper()
	if err := json.Unmarshal(r.body, target); err != nil {
		t.Fatalf("failed to decode %s: %v", string(r.body), err)
	}
}

func (r apiResponse) errorBody(t *testing.T) errorBody {
	t.Helper()
	var body errorBody
	r.decode(t, &body)
	return body
}

func (s *testServer) do(t *testing.T, method, path, token string, deviceID device.ID, payload any) apiResponse {
	t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if deviceID != "" {
		request.Header.Set(device.Header, deviceID.String())
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	contents, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return apiResponse{status: response.StatusCode, body: contents}
}

func (s *testServer) signUp(t *testing.T, email string, deviceID device.ID) string {
	t.Helper()
	response := s.do(t, http.MethodPost, "/auth/signup", "", deviceID, map[string]string{
		"email":    email,
		"password": "secret1",
	})
	if response.status != http.StatusCreated {
		t.Fatalf("sign up failed: %d %s", response.status, string(response.body))
	}
	var payload authResponsePayload
	response.decode(t, &payload)
	return payload.AccessToken
}

func (s *testServer) signIn(t *testing.T, email string, deviceID device.ID) string {
	t.Helper()
	response := s.do(t, http.MethodPost, "/auth/signin", "", deviceID, map[string]string{
		"email":    email,
		"password": "secret1",
	})
	if response.status != http.StatusOK {
		t.Fatalf("sign in failed: %d %s", response.status, string(response.body))
	}
	var payload authResponsePayload
	response.decode(t, &payload)
	return payload.AccessToken
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", message)
}
