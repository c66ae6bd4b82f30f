package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"upkeep/internal/db"
	"upkeep/internal/engine"
	"upkeep/internal/migrate"
	"upkeep/internal/storage"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	baseURL := "http://" + ln.Addr().String()

	e := engine.New(conn, zap.NewNop(), baseURL+"/evidence")
	store, err := storage.NewDiskStore(workspace+"/evidence", baseURL+"/evidence", baseURL+"/evidence/put", []byte(testJWTSecret))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mediator := storage.NewMediator(store, time.Hour, 1<<20)
	handler, err := New(Config{
		Engine:   e,
		Store:    store,
		Mediator: mediator,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, TokenTTL: time.Hour},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    baseURL,
		client: &http.Client{Timeout: 5 * time.Second},
		close: func() {
			srv.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

// doJSON issues a request and decodes the response body into out when the
// pointer is non-nil. It returns the status code.
func (s *testServer) doJSON(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s (%d): %v: %s", method, path, resp.StatusCode, err, data)
		}
	}
	return resp.StatusCode
}

type fixture struct {
	srv           *testServer
	ownerToken    string
	operatorToken string
	ownerID       string
	operatorID    string
	propertyID    string
	assetID       string
}

func setupFixture(t *testing.T) fixture {
	t.Helper()
	srv := newTestServer(t)

	var owner AccountResponse
	if code := srv.doJSON(t, http.MethodPost, "/v1/auth/signup", "", SignupRequest{
		Email: "owner@example.com", Name: "Owner", Password: "password123",
	}, &owner); code != http.StatusCreated {
		t.Fatalf("signup status %d", code)
	}
	var login LoginResponse
	if code := srv.doJSON(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{
		Email: "owner@example.com", Password: "password123",
	}, &login); code != http.StatusOK {
		t.Fatalf("login status %d", code)
	}

	var operator AccountResponse
	if code := srv.doJSON(t, http.MethodPost, "/v1/operators", login.Token, CreateOperatorRequest{
		Email: "op@example.com", Name: "Op", Password: "password123",
	}, &operator); code != http.StatusCreated {
		t.Fatalf("create operator status %d", code)
	}
	var opLogin LoginResponse
	if code := srv.doJSON(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{
		Email: "op@example.com", Password: "password123",
	}, &opLogin); code != http.StatusOK {
		t.Fatalf("operator login status %d", code)
	}

	var prop struct {
		ID string `json:"id"`
	}
	if code := srv.doJSON(t, http.MethodPost, "/v1/properties", login.Token, PropertyRequest{Name: "Main Street 1"}, &prop); code != http.StatusCreated {
		t.Fatalf("create property status %d", code)
	}
	var at struct {
		ID string `json:"id"`
	}
	if code := srv.doJSON(t, http.MethodPost, "/v1/asset-types", login.Token, AssetTypeRequest{Name: "Boiler"}, &at); code != http.StatusCreated {
		t.Fatalf("create asset type status %d", code)
	}
	var asset struct {
		ID string `json:"id"`
	}
	if code := srv.doJSON(t, http.MethodPost, "/v1/assets", login.Token, AssetRequest{
		TypeID: at.ID, PropertyID: prop.ID, Name: "Basement boiler",
	}, &asset); code != http.StatusCreated {
		t.Fatalf("create asset status %d", code)
	}

	return fixture{
		srv:           srv,
		ownerToken:    login.Token,
		operatorToken: opLogin.Token,
		ownerID:       owner.ID,
		operatorID:    operator.ID,
		propertyID:    prop.ID,
		assetID:       asset.ID,
	}
}

func (f fixture) createTask(t *testing.T) TaskResponse {
	t.Helper()
	var task TaskResponse
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/tasks", f.ownerToken, CreateTaskRequest{
		Title:         "Inspect boiler",
		AssetID:       f.assetID,
		AssigneeID:    f.operatorID,
		ScheduledDate: time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339),
	}, &task); code != http.StatusCreated {
		t.Fatalf("create task status %d", code)
	}
	return task
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	var body map[string]string
	if code := srv.doJSON(t, http.MethodGet, "/v1/health", "", nil, &body); code != http.StatusOK {
		t.Fatalf("health status %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	var errBody struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if code := srv.doJSON(t, http.MethodGet, "/v1/tasks", "", nil, &errBody); code != http.StatusUnauthorized {
		t.Fatalf("status %d", code)
	}
	if errBody.Error.Code != "unauthorized" {
		t.Fatalf("code %q", errBody.Error.Code)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	f := setupFixture(t)
	task := f.createTask(t)

	var started TaskResponse
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/tasks/"+task.ID+"/start", f.operatorToken, struct{}{}, &started); code != http.StatusOK {
		t.Fatalf("start status %d", code)
	}
	if started.Status != "in_progress" {
		t.Fatalf("status after start %s", started.Status)
	}

	// server-proxied evidence upload
	req, err := http.NewRequest(http.MethodPut, f.srv.URL+"/v1/tasks/"+task.ID+"/evidence?filename=photo.jpg", strings.NewReader("jpeg-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+f.operatorToken)
	req.Header.Set("Content-Type", "image/jpeg")
	resp, err := f.srv.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var uploaded struct {
		EvidenceURL string `json:"evidence_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("proxied upload status %d", resp.StatusCode)
	}

	var submitted TaskResponse
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/tasks/"+task.ID+"/submit", f.operatorToken, SubmitTaskRequest{
		EvidenceURL: uploaded.EvidenceURL,
	}, &submitted); code != http.StatusOK {
		t.Fatalf("submit status %d", code)
	}
	if submitted.Status != "pending_verification" {
		t.Fatalf("status after submit %s", submitted.Status)
	}

	// the stored photo is publicly readable
	photoResp, err := f.srv.client.Get(uploaded.EvidenceURL)
	if err != nil {
		t.Fatal(err)
	}
	photo, _ := io.ReadAll(photoResp.Body)
	photoResp.Body.Close()
	if photoResp.StatusCode != http.StatusOK || string(photo) != "jpeg-bytes" {
		t.Fatalf("photo read status=%d body=%q", photoResp.StatusCode, photo)
	}

	var verified TaskResponse
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/tasks/"+task.ID+"/verify", f.ownerToken, VerifyTaskRequest{Approve: true}, &verified); code != http.StatusOK {
		t.Fatalf("verify status %d", code)
	}
	if verified.Status != "completed" {
		t.Fatalf("status after verify %s", verified.Status)
	}
	if verified.ActualDurationMinutes == nil {
		t.Fatalf("actual duration not derived")
	}
}

func TestClientDirectUpload(t *testing.T) {
	f := setupFixture(t)

	var slot storage.SignedSlot
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/evidence/upload-slot", f.operatorToken, UploadSlotRequest{
		Filename: "photo.png", ContentType: "image/png",
	}, &slot); code != http.StatusCreated {
		t.Fatalf("slot status %d", code)
	}

	// PUT straight to the signed URL without any session credentials
	req, err := http.NewRequest(http.MethodPut, slot.UploadURL, strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.srv.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("signed put status %d: %s", resp.StatusCode, body)
	}

	// overwriting through the same slot conflicts
	req2, _ := http.NewRequest(http.MethodPut, slot.UploadURL, strings.NewReader("other"))
	resp2, err := f.srv.client.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("overwrite status %d", resp2.StatusCode)
	}
}

func TestStateConflictEnvelope(t *testing.T) {
	f := setupFixture(t)
	task := f.createTask(t)
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/tasks/"+task.ID+"/start", f.operatorToken, struct{}{}, nil); code != http.StatusOK {
		t.Fatalf("first start status %d", code)
	}

	var errBody struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/tasks/"+task.ID+"/start", f.operatorToken, struct{}{}, &errBody); code != http.StatusConflict {
		t.Fatalf("second start status %d", code)
	}
	if errBody.Error.Code != "state_conflict" {
		t.Fatalf("code %q", errBody.Error.Code)
	}
	if errBody.Error.Details["current_status"] != "in_progress" {
		t.Fatalf("details %v", errBody.Error.Details)
	}
}

func TestUnassignedOperatorSeesNotFound(t *testing.T) {
	f := setupFixture(t)
	task := f.createTask(t)

	// second operator in the same tenancy, not assigned to the task
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/operators", f.ownerToken, CreateOperatorRequest{
		Email: "other@example.com", Name: "Other", Password: "password123",
	}, nil); code != http.StatusCreated {
		t.Fatalf("create second operator status %d", code)
	}
	var otherLogin LoginResponse
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/auth/login", "", LoginRequest{
		Email: "other@example.com", Password: "password123",
	}, &otherLogin); code != http.StatusOK {
		t.Fatalf("second operator login status %d", code)
	}

	var errBody struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	// existence is not leaked: 404, never 403
	if code := f.srv.doJSON(t, http.MethodGet, "/v1/tasks/"+task.ID, otherLogin.Token, nil, &errBody); code != http.StatusNotFound {
		t.Fatalf("get status %d", code)
	}
	if errBody.Error.Code != "not_found" {
		t.Fatalf("code %q", errBody.Error.Code)
	}
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/tasks/"+task.ID+"/start", otherLogin.Token, struct{}{}, nil); code != http.StatusNotFound {
		t.Fatalf("start status %d", code)
	}
}

func TestInvalidReferenceEnvelope(t *testing.T) {
	f := setupFixture(t)
	var errBody struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	code := f.srv.doJSON(t, http.MethodPost, "/v1/tasks", f.ownerToken, CreateTaskRequest{
		Title:         "Ghost asset",
		AssetID:       "nonexistent",
		AssigneeID:    f.operatorID,
		ScheduledDate: time.Now().UTC().Format(time.RFC3339),
	}, &errBody)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", code)
	}
	if errBody.Error.Code != "invalid_reference" {
		t.Fatalf("code %q", errBody.Error.Code)
	}
}

func TestIssueIntakeIsPublic(t *testing.T) {
	f := setupFixture(t)
	var issue struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	code := f.srv.doJSON(t, http.MethodPost, "/v1/issues/report", "", ReportIssueRequest{
		OwnerID:    f.ownerID,
		PropertyID: f.propertyID,
		Title:      "Radiator leaking",
	}, &issue)
	if code != http.StatusCreated {
		t.Fatalf("report status %d", code)
	}
	if issue.Status != "open" {
		t.Fatalf("issue status %s", issue.Status)
	}

	var task TaskResponse
	code = f.srv.doJSON(t, http.MethodPost, fmt.Sprintf("/v1/issues/%s/convert", issue.ID), f.ownerToken, ConvertIssueRequest{
		AssetID:       f.assetID,
		AssigneeID:    f.operatorID,
		ScheduledDate: time.Now().UTC().Format(time.RFC3339),
	}, &task)
	if code != http.StatusCreated {
		t.Fatalf("convert status %d", code)
	}
	if task.IssueID == nil || *task.IssueID != issue.ID {
		t.Fatalf("task not linked to issue")
	}
}

func TestDashboardCounts(t *testing.T) {
	f := setupFixture(t)
	f.createTask(t)
	task := f.createTask(t)
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/tasks/"+task.ID+"/start", f.operatorToken, struct{}{}, nil); code != http.StatusOK {
		t.Fatalf("start status %d", code)
	}

	var dash DashboardResponse
	if code := f.srv.doJSON(t, http.MethodGet, "/v1/dashboard", f.ownerToken, nil, &dash); code != http.StatusOK {
		t.Fatalf("dashboard status %d", code)
	}
	if dash.TasksByStatus["pending"] != 1 || dash.TasksByStatus["in_progress"] != 1 {
		t.Fatalf("counts %v", dash.TasksByStatus)
	}
	if dash.Assets != 1 {
		t.Fatalf("asset count %d", dash.Assets)
	}

	// operators have no dashboard
	if code := f.srv.doJSON(t, http.MethodGet, "/v1/dashboard", f.operatorToken, nil, nil); code != http.StatusForbidden {
		t.Fatalf("operator dashboard status %d", code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	f := setupFixture(t)
	var created APIKeyResponse
	if code := f.srv.doJSON(t, http.MethodPost, "/v1/api-keys", f.ownerToken, CreateAPIKeyRequest{Name: "ci"}, &created); code != http.StatusCreated {
		t.Fatalf("create key status %d", code)
	}
	if created.Key == "" {
		t.Fatalf("raw key not returned on create")
	}

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/me", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", created.Key)
	resp, err := f.srv.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status %d", resp.StatusCode)
	}
	var me AccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatal(err)
	}
	if me.ID != f.ownerID {
		t.Fatalf("me resolved to %s", me.ID)
	}
}
