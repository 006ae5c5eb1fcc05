package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openkumo/kumo-core/internal/coordinator"
	"github.com/openkumo/kumo-core/internal/infrastructure/config"
	"github.com/openkumo/kumo-core/internal/infrastructure/logging"
	"github.com/openkumo/kumo-core/internal/kumo"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// stubCloud implements coordinator.CloudClient against canned data.
type stubCloud struct {
	mu     sync.Mutex
	zones  []kumo.Zone
	states map[string]kumo.DeviceState
	sent   []kumo.Commands
}

func (f *stubCloud) Sites(_ context.Context) ([]kumo.Site, error) {
	return []kumo.Site{{ID: "site-1", Name: "Home"}}, nil
}

func (f *stubCloud) SiteZones(_ context.Context, _ string) ([]kumo.Zone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zones, nil
}

func (f *stubCloud) DeviceDetails(_ context.Context, serial string) (kumo.DeviceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[serial].Clone(), nil
}

func (f *stubCloud) DeviceProfile(_ context.Context, _ string) (*kumo.DeviceProfile, error) {
	return &kumo.DeviceProfile{
		NumberOfFanSpeeds: 5,
		HasModeHeat:       true,
		MinimumSetPoints:  kumo.SetPointRange{Heat: 10, Cool: 16},
		MaximumSetPoints:  kumo.SetPointRange{Heat: 28, Cool: 31},
	}, nil
}

func (f *stubCloud) SendCommand(_ context.Context, _ string, commands kumo.Commands) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, commands)
	return nil
}

func newStubCloud() *stubCloud {
	return &stubCloud{
		states: map[string]kumo.DeviceState{
			"SN100": {
				"deviceSerial":  "SN100",
				"operationMode": "heat",
				"spHeat":        20.0,
				"connected":     true,
			},
		},
		zones: []kumo.Zone{
			{ID: "z1", Name: "Lounge", Adapter: kumo.DeviceState{"deviceSerial": "SN100"}},
		},
	}
}

// newTestServer builds a server around a running coordinator and returns
// the HTTP test harness. The coordinator completes at least one poll
// cycle before the harness is handed back.
func newTestServer(t *testing.T, cloud *stubCloud) (*Server, *httptest.Server) {
	t.Helper()

	coord := coordinator.New(cloud, coordinator.NewCommandCache(time.Millisecond), nil, coordinator.Options{
		ScanInterval:     time.Minute,
		SettleTime:       time.Millisecond,
		FailureThreshold: 3,
		RetryAttempts:    1,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
	}, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go coord.Run(ctx) //nolint:errcheck // returns ctx.Err() on shutdown

	deadline := time.Now().Add(2 * time.Second)
	for len(coord.Snapshots()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("coordinator never produced a snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:     config.WebSocketConfig{MaxMessageSize: 65536, PingInterval: 30, PongTimeout: 10},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testJWTSecret, AccessTokenTTL: 15},
			API: config.APIAuthConfig{Username: "admin", Password: "hunter2"},
		},
		Logger:      logging.Default(),
		Coordinator: coord,
		Version:     "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)
	return srv, ts
}

// login performs the login round trip and returns the bearer token.
func login(t *testing.T, ts *httptest.Server) string {
	t.Helper()

	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "hunter2"})
	resp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	return tok.AccessToken
}

// authedRequest issues a request with a Bearer token and decodes the body into out.
func authedRequest(t *testing.T, ts *httptest.Server, method, path, token string, body []byte, out any) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
	return resp
}

func TestHandleHealth(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())

	var body map[string]any
	resp := authedRequest(t, ts, http.MethodGet, "/api/v1/health", "", nil, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
}

func TestHandleLogin_BadCredentials(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())

	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "wrong"})
	resp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())

	resp := authedRequest(t, ts, http.MethodGet, "/api/v1/devices/", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_RejectsGarbageToken(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())

	resp := authedRequest(t, ts, http.MethodGet, "/api/v1/devices/", "not-a-jwt", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestHandleListZones(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())
	token := login(t, ts)

	var body struct {
		Zones []coordinator.ZoneSummary `json:"zones"`
		Count int                       `json:"count"`
	}
	resp := authedRequest(t, ts, http.MethodGet, "/api/v1/zones", token, nil, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
	zone := body.Zones[0]
	if zone.Name != "Lounge" || zone.Serial != "SN100" {
		t.Errorf("zone = %+v, want Lounge/SN100", zone)
	}
	if !zone.Available {
		t.Error("zone should be available")
	}
}

func TestHandleListDevices(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())
	token := login(t, ts)

	var body struct {
		Devices coordinator.SnapshotMap `json:"devices"`
		Count   int                     `json:"count"`
	}
	resp := authedRequest(t, ts, http.MethodGet, "/api/v1/devices/", token, nil, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
	snap, ok := body.Devices["SN100"]
	if !ok {
		t.Fatal("SN100 missing from device list")
	}
	if snap.ZoneName != "Lounge" {
		t.Errorf("zone name = %q, want %q", snap.ZoneName, "Lounge")
	}
	if snap.State["operationMode"] != "heat" {
		t.Errorf("operationMode = %v, want heat", snap.State["operationMode"])
	}
}

func TestHandleGetDevice_NotFound(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())
	token := login(t, ts)

	resp := authedRequest(t, ts, http.MethodGet, "/api/v1/devices/NOPE", token, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestHandleGetDeviceProfile(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())
	token := login(t, ts)

	var profile kumo.DeviceProfile
	resp := authedRequest(t, ts, http.MethodGet, "/api/v1/devices/SN100/profile", token, nil, &profile)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if profile.NumberOfFanSpeeds != 5 {
		t.Errorf("NumberOfFanSpeeds = %d, want 5", profile.NumberOfFanSpeeds)
	}
	if !profile.HasModeHeat {
		t.Error("HasModeHeat = false, want true")
	}
}

func TestHandleSendCommand_Accepted(t *testing.T) {
	cloud := newStubCloud()
	_, ts := newTestServer(t, cloud)
	token := login(t, ts)

	cmd := []byte(`{"operationMode": "cool", "spCool": 22.5}`)
	var body struct {
		Status string               `json:"status"`
		Device coordinator.Snapshot `json:"device"`
	}
	resp := authedRequest(t, ts, http.MethodPost, "/api/v1/devices/SN100/commands", token, cmd, &body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if body.Status != "accepted" {
		t.Errorf("status field = %q, want accepted", body.Status)
	}

	// Optimistic overlay reflects the command immediately
	if body.Device.State["operationMode"] != "cool" {
		t.Errorf("overlay operationMode = %v, want cool", body.Device.State["operationMode"])
	}

	cloud.mu.Lock()
	sent := len(cloud.sent)
	cloud.mu.Unlock()
	if sent != 1 {
		t.Errorf("commands sent upstream = %d, want 1", sent)
	}
}

func TestHandleSendCommand_ValidationError(t *testing.T) {
	cloud := newStubCloud()
	_, ts := newTestServer(t, cloud)
	token := login(t, ts)

	var apiErr Error
	resp := authedRequest(t, ts, http.MethodPost, "/api/v1/devices/SN100/commands", token,
		[]byte(`{"bogus": 1}`), &apiErr)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if apiErr.Code != ErrCodeValidation {
		t.Errorf("code = %q, want %q", apiErr.Code, ErrCodeValidation)
	}

	cloud.mu.Lock()
	sent := len(cloud.sent)
	cloud.mu.Unlock()
	if sent != 0 {
		t.Errorf("rejected command reached upstream, sent = %d", sent)
	}
}

func TestHandleSendCommand_UnknownDevice(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())
	token := login(t, ts)

	resp := authedRequest(t, ts, http.MethodPost, "/api/v1/devices/NOPE/commands", token,
		[]byte(`{"power": 1}`), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestHandleCommandHistory_EmptyWithoutLog(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())
	token := login(t, ts)

	var body struct {
		Commands []coordinator.CommandRecord `json:"commands"`
		Count    int                         `json:"count"`
	}
	resp := authedRequest(t, ts, http.MethodGet, "/api/v1/devices/SN100/history", token, nil, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body.Count != 0 {
		t.Errorf("count = %d, want 0", body.Count)
	}
}

func TestHandleCommandHistory_RejectsBadLimit(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())
	token := login(t, ts)

	resp := authedRequest(t, ts, http.MethodGet, "/api/v1/devices/SN100/history?limit=zero", token, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestHandleForceRefresh(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())
	token := login(t, ts)

	resp := authedRequest(t, ts, http.MethodPost, "/api/v1/system/refresh", token, nil, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
}

func TestHandleMetrics(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())

	var metrics SystemMetrics
	resp := authedRequest(t, ts, http.MethodGet, "/api/v1/metrics", "", nil, &metrics)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if metrics.Version != "test" {
		t.Errorf("version = %q, want test", metrics.Version)
	}
	if metrics.Coordinator.Devices != 1 {
		t.Errorf("coordinator devices = %d, want 1", metrics.Coordinator.Devices)
	}
	if metrics.Runtime.Goroutines == 0 {
		t.Error("runtime goroutines = 0, want > 0")
	}
}

func TestHandleWSTicket_RequiresAuth(t *testing.T) {
	_, ts := newTestServer(t, newStubCloud())

	resp := authedRequest(t, ts, http.MethodPost, "/api/v1/auth/ws-ticket", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestTicketStore_SingleUse(t *testing.T) {
	store := newTicketStore()
	ticket := store.issue()

	if !store.validate(ticket) {
		t.Fatal("fresh ticket rejected")
	}
	if store.validate(ticket) {
		t.Error("ticket accepted twice")
	}
}

func TestTicketStore_UnknownTicket(t *testing.T) {
	store := newTicketStore()
	if store.validate("no-such-ticket") {
		t.Error("unknown ticket accepted")
	}
}

func TestParseToken_RejectsForgedTokens(t *testing.T) {
	srv, _ := newTestServer(t, newStubCloud())

	claims := jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte("another-secret-another-secret-32"))
	if err != nil {
		t.Fatalf("signing forged token: %v", err)
	}

	if _, err := srv.parseToken(forged); err == nil {
		t.Error("parseToken accepted a token signed with the wrong secret")
	}
	if _, err := srv.parseToken("eyJhbGciOiJub25lIn0.e30."); err == nil {
		t.Error("parseToken accepted an unsigned token")
	}
}
