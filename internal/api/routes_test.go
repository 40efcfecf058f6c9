package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlasmap-sc/cellview/internal/cache"
	"github.com/atlasmap-sc/cellview/internal/render"
	"github.com/atlasmap-sc/cellview/internal/service"
	"github.com/atlasmap-sc/cellview/internal/store"
)

type staticSource struct {
	payload *store.Payload
}

func (s staticSource) Name() string { return "static" }

func (s staticSource) Fetch(ctx context.Context) (*store.Payload, error) {
	return s.payload, nil
}

// blockingSource holds every fetch until release is closed.
type blockingSource struct {
	release chan struct{}
}

func (s blockingSource) Name() string { return "blocking" }

func (s blockingSource) Fetch(ctx context.Context) (*store.Payload, error) {
	select {
	case <-s.release:
		return testPayload(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testPayload() *store.Payload {
	return &store.Payload{
		Genes: []string{"CD3D", "MS4A1"},
		Cells: []store.CellPayload{
			{ID: "c1", Expression: []float64{5, 2}, Embedding: []float64{0, 0},
				Categorical: map[string]string{"cellType": "T-cell"}, Continuous: map[string]float64{"nGenes": 50}},
			{ID: "c2", Expression: []float64{1, 9}, Embedding: []float64{1, 1},
				Categorical: map[string]string{"cellType": "B-cell"}, Continuous: map[string]float64{"nGenes": 300}},
			{ID: "c3", Expression: []float64{0, 3}, Embedding: []float64{2, 0},
				Categorical: map[string]string{"cellType": "B-cell"}, Continuous: map[string]float64{"nGenes": 600}},
			{ID: "", Embedding: []float64{0, 0}},
		},
	}
}

// testServer holds the test server and its dependencies
type testServer struct {
	server   *httptest.Server
	sessions *SessionManager
	cache    *cache.Manager
	release  chan struct{}
}

func setupTestServer(t *testing.T, maxSessions int) *testServer {
	t.Helper()

	registry := NewDatasetRegistry("pbmc", []string{"pbmc"}, "")
	registry.Register("pbmc", staticSource{payload: testPayload()})
	release := make(chan struct{})
	registry.Register("slow", blockingSource{release: release})

	sessions, err := NewSessionManager(registry, maxSessions)
	if err != nil {
		t.Fatalf("Failed to create session manager: %v", err)
	}

	cacheManager, err := cache.NewManager(cache.Config{
		ImageCacheSizeMB: 8,
		ImageTTL:         time.Minute,
		QueryCacheSize:   16,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	views, err := service.NewViewService(service.ViewServiceConfig{
		Cache:    cacheManager,
		Renderer: render.NewScatterRenderer(render.Config{Width: 64, Height: 64}),
	})
	if err != nil {
		t.Fatalf("Failed to create view service: %v", err)
	}

	router := NewRouter(RouterConfig{
		Registry:    registry,
		Sessions:    sessions,
		Views:       views,
		CORSOrigins: []string{"http://localhost:3000"},
	})

	ts := &testServer{
		server:   httptest.NewServer(router),
		sessions: sessions,
		cache:    cacheManager,
		release:  release,
	}
	t.Cleanup(ts.close)
	return ts
}

func (ts *testServer) close() {
	ts.server.Close()
	ts.sessions.Close()
	ts.cache.Close()
}

// stateBody mirrors the session state response.
type stateBody struct {
	Session   string `json:"session"`
	Dataset   string `json:"dataset"`
	Lifecycle string `json:"lifecycle"`
	Token     uint64 `json:"token"`
	Version   uint64 `json:"version"`
	Error     string `json:"error"`
	Selection struct {
		Gene      string `json:"gene"`
		GeneIndex int    `json:"geneIndex"`
		Path      string `json:"path"`
	} `json:"selection"`
	Filters struct {
		Categorical map[string][]string `json:"categorical"`
		Continuous  map[string]struct {
			Min *float64 `json:"min"`
			Max *float64 `json:"max"`
		} `json:"continuous"`
	} `json:"filters"`
	Cells   int `json:"cells"`
	Genes   int `json:"genes"`
	Skipped []struct {
		Index  int    `json:"index"`
		Reason string `json:"reason"`
	} `json:"skipped"`
}

// --- Helper Functions ---

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, data
}

func decodeState(t *testing.T, body []byte) stateBody {
	t.Helper()
	var st stateBody
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("Failed to parse state %q: %v", body, err)
	}
	return st
}

// createSession opens a session and waits for its first load.
func (ts *testServer) createSession(t *testing.T, body string) stateBody {
	t.Helper()
	resp, data := ts.do(t, http.MethodPost, "/api/sessions?wait=true", body)
	assertStatusCode(t, resp, http.StatusCreated)
	return decodeState(t, data)
}

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if len(body) < 8 {
		t.Fatalf("Response too short to be a valid PNG (got %d bytes)", len(body))
	}
	for i, b := range pngMagic {
		if body[i] != b {
			t.Fatalf("Invalid PNG magic bytes at position %d: expected 0x%02X, got 0x%02X", i, b, body[i])
		}
	}
}

// --- Test Cases ---

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, 8)

	resp, body := ts.do(t, http.MethodGet, "/health", "")
	assertStatusCode(t, resp, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	ts := setupTestServer(t, 8)

	resp, body := ts.do(t, http.MethodGet, "/api/datasets", "")
	assertStatusCode(t, resp, http.StatusOK)

	var result struct {
		Default  string        `json:"default"`
		Datasets []DatasetInfo `json:"datasets"`
		Title    string        `json:"title"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if result.Default != "pbmc" || len(result.Datasets) != 2 || result.Title != "cellview" {
		t.Errorf("unexpected datasets response: %+v", result)
	}
}

func TestColormapsEndpoint(t *testing.T) {
	ts := setupTestServer(t, 8)

	resp, body := ts.do(t, http.MethodGet, "/api/colormaps", "")
	assertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), "viridis") {
		t.Errorf("expected viridis in %s", body)
	}
}

func TestCreateSession(t *testing.T) {
	ts := setupTestServer(t, 8)

	st := ts.createSession(t, `{"dataset":"pbmc","url":"/view?gene=MS4A1&cat.cellType=B-cell"}`)
	if st.Lifecycle != "ready" {
		t.Fatalf("expected ready, got %q (%s)", st.Lifecycle, st.Error)
	}
	if st.Dataset != "pbmc" || st.Cells != 3 || st.Genes != 2 {
		t.Errorf("unexpected dataset fields: %+v", st)
	}
	if st.Selection.Gene != "MS4A1" || st.Selection.GeneIndex != 1 {
		t.Errorf("expected MS4A1 at index 1, got %+v", st.Selection)
	}
	if got := st.Filters.Categorical["cellType"]; len(got) != 1 || got[0] != "B-cell" {
		t.Errorf("unexpected categorical filter %v", got)
	}
	if len(st.Skipped) != 1 || st.Skipped[0].Index != 3 {
		t.Errorf("expected the id-less record to be skipped, got %+v", st.Skipped)
	}
}

func TestCreateSession_DefaultDatasetAndEmptyBody(t *testing.T) {
	ts := setupTestServer(t, 8)

	st := ts.createSession(t, "")
	if st.Dataset != "pbmc" || st.Lifecycle != "ready" {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.Selection.GeneIndex != -1 || st.Selection.Path != "" {
		t.Errorf("expected no selection, got %+v", st.Selection)
	}
}

func TestCreateSession_Errors(t *testing.T) {
	ts := setupTestServer(t, 8)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"unknown dataset", `{"dataset":"nope"}`, http.StatusNotFound},
		{"malformed url", `{"url":"http://[::1"}`, http.StatusBadRequest},
		{"invalid json", `{"dataset":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodPost, "/api/sessions", tt.body)
			assertStatusCode(t, resp, tt.expectedStatus)
		})
	}
}

func TestActionsEndpoint(t *testing.T) {
	ts := setupTestServer(t, 8)
	st := ts.createSession(t, "")
	base := "/api/sessions/" + st.Session

	resp, body := ts.do(t, http.MethodPost, base+"/actions", `[
		{"type":"select_gene","gene":"MS4A1"},
		{"type":"set_categorical_filter","category":"cellType","values":["B-cell"]},
		{"type":"set_continuous_filter","metric":"nGenes","range":{"min":100,"max":500}}
	]`)
	assertStatusCode(t, resp, http.StatusOK)
	st = decodeState(t, body)
	if st.Selection.Gene != "MS4A1" {
		t.Errorf("expected MS4A1, got %+v", st.Selection)
	}
	want := "?cat.cellType=%5B%22B-cell%22%5D&gene=MS4A1&num.nGenes=100%2C500"
	if st.Selection.Path != want {
		t.Errorf("expected path %q, got %q", want, st.Selection.Path)
	}

	resp, body = ts.do(t, http.MethodGet, base+"/summary", "")
	assertStatusCode(t, resp, http.StatusOK)
	var sum service.Summary
	if err := json.Unmarshal(body, &sum); err != nil {
		t.Fatalf("Failed to parse summary: %v", err)
	}
	if sum.Total != 3 || sum.Visible != 1 || sum.MaxValue != 9 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestActionsEndpoint_Errors(t *testing.T) {
	ts := setupTestServer(t, 8)
	st := ts.createSession(t, `{"url":"?gene=CD3D"}`)
	base := "/api/sessions/" + st.Session

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"unknown type", `{"type":"zoom"}`, http.StatusBadRequest},
		{"bad url", `{"type":"url_changed","url":"?gene=%zz"}`, http.StatusBadRequest},
		{"unknown gene", `{"type":"select_gene","gene":"NOPE"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodPost, base+"/actions", tt.body)
			assertStatusCode(t, resp, tt.expectedStatus)
		})
	}

	_, body := ts.do(t, http.MethodGet, base, "")
	after := decodeState(t, body)
	if after.Selection.Gene != "CD3D" || after.Version != st.Version {
		t.Errorf("rejected actions changed state: before %+v, after %+v", st, after)
	}
}

func TestShorthandEndpoints(t *testing.T) {
	ts := setupTestServer(t, 8)
	st := ts.createSession(t, "")
	base := "/api/sessions/" + st.Session

	resp, body := ts.do(t, http.MethodPut, base+"/gene/CD3D", "")
	assertStatusCode(t, resp, http.StatusOK)
	if decodeState(t, body).Selection.GeneIndex != 0 {
		t.Errorf("expected CD3D selected: %s", body)
	}

	resp, _ = ts.do(t, http.MethodPut, base+"/gene/UNKNOWN", "")
	assertStatusCode(t, resp, http.StatusConflict)

	resp, body = ts.do(t, http.MethodPut, base+"/filters/categories/cellType?categories=T-cell", "")
	assertStatusCode(t, resp, http.StatusOK)
	if got := decodeState(t, body).Filters.Categorical["cellType"]; len(got) != 1 || got[0] != "T-cell" {
		t.Errorf("unexpected filter %v", got)
	}

	resp, body = ts.do(t, http.MethodPut, base+"/filters/categories/cellType", `["B-cell","NK"]`)
	assertStatusCode(t, resp, http.StatusOK)
	if got := decodeState(t, body).Filters.Categorical["cellType"]; len(got) != 2 {
		t.Errorf("unexpected filter %v", got)
	}

	resp, _ = ts.do(t, http.MethodPut, base+"/filters/categories/cellType", "")
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, body = ts.do(t, http.MethodPut, base+"/filters/metrics/nGenes?min=100", "")
	assertStatusCode(t, resp, http.StatusOK)
	rng := decodeState(t, body).Filters.Continuous["nGenes"]
	if rng.Min == nil || *rng.Min != 100 || rng.Max != nil {
		t.Errorf("expected [100, +inf), got %+v", rng)
	}

	resp, body = ts.do(t, http.MethodDelete, base+"/filters/metrics/nGenes", "")
	assertStatusCode(t, resp, http.StatusOK)
	if _, ok := decodeState(t, body).Filters.Continuous["nGenes"]; ok {
		t.Errorf("expected metric filter cleared")
	}

	resp, body = ts.do(t, http.MethodDelete, base+"/filters/categories/cellType", "")
	assertStatusCode(t, resp, http.StatusOK)
	if len(decodeState(t, body).Filters.Categorical) != 0 {
		t.Errorf("expected category filter cleared")
	}

	resp, body = ts.do(t, http.MethodDelete, base+"/gene", "")
	assertStatusCode(t, resp, http.StatusOK)
	if decodeState(t, body).Selection.GeneIndex != -1 {
		t.Errorf("expected gene cleared")
	}

	resp, body = ts.do(t, http.MethodPost, base+"/reload?wait=true", "")
	assertStatusCode(t, resp, http.StatusOK)
	if st := decodeState(t, body); st.Lifecycle != "ready" || st.Token != 2 {
		t.Errorf("unexpected state after reload %+v", st)
	}
}

func TestPointsEndpoint(t *testing.T) {
	ts := setupTestServer(t, 8)
	st := ts.createSession(t, `{"url":"?gene=MS4A1&cat.cellType=B-cell"}`)

	resp, body := ts.do(t, http.MethodGet, "/api/sessions/"+st.Session+"/points", "")
	assertStatusCode(t, resp, http.StatusOK)

	var result struct {
		MaxValue float64 `json:"max_value"`
		Points   []struct {
			ID      string    `json:"id"`
			Coords  []float64 `json:"coords"`
			Color   float64   `json:"color"`
			Visible bool      `json:"visible"`
		} `json:"points"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to parse points: %v", err)
	}
	if result.MaxValue != 9 || len(result.Points) != 3 {
		t.Fatalf("unexpected points response %s", body)
	}
	if p := result.Points[1]; p.ID != "c2" || p.Color != 1 || !p.Visible {
		t.Errorf("unexpected point %+v", p)
	}
	if p := result.Points[0]; p.Visible {
		t.Errorf("T-cell should be hidden: %+v", p)
	}
}

func TestDerivedEndpoints(t *testing.T) {
	ts := setupTestServer(t, 8)
	st := ts.createSession(t, `{"url":"?gene=CD3D"}`)
	base := "/api/sessions/" + st.Session

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectPNG      bool
		contains       string
	}{
		{"scatter default size", "/scatter.png", http.StatusOK, true, ""},
		{"scatter custom size", "/scatter.png?width=32&height=16&colormap=magma", http.StatusOK, true, ""},
		{"scatter invalid width", "/scatter.png?width=abc", http.StatusBadRequest, false, ""},
		{"scatter oversized", "/scatter.png?height=100000", http.StatusBadRequest, false, ""},
		{"legend", "/legend?stops=3&colormap=plasma", http.StatusOK, false, `"colormap":"plasma"`},
		{"legend unknown colormap", "/legend?colormap=nope", http.StatusOK, false, `"colormap":"viridis"`},
		{"schema", "/schema", http.StatusOK, false, `"cellType"`},
		{"genes", "/genes", http.StatusOK, false, `"total":2`},
		{"genes prefix", "/genes?q=ms4", http.StatusOK, false, `"MS4A1"`},
		{"category means", "/categories/cellType/means", http.StatusOK, false, `"mean_expression":5`},
		{"unknown category", "/categories/batch/means", http.StatusNotFound, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, base+tt.path, "")
			assertStatusCode(t, resp, tt.expectedStatus)
			if tt.expectPNG {
				if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
					t.Errorf("Expected Content-Type image/png, got %q", ct)
				}
				assertPNG(t, body)
			}
			if tt.contains != "" && !strings.Contains(string(body), tt.contains) {
				t.Errorf("expected %s in %s", tt.contains, body)
			}
		})
	}
}

func TestNotReady(t *testing.T) {
	ts := setupTestServer(t, 8)

	resp, body := ts.do(t, http.MethodPost, "/api/sessions", `{"dataset":"slow","url":"?gene=CD3D"}`)
	assertStatusCode(t, resp, http.StatusCreated)
	st := decodeState(t, body)
	if st.Lifecycle != "loading" {
		t.Fatalf("expected loading, got %q", st.Lifecycle)
	}
	base := "/api/sessions/" + st.Session

	for _, path := range []string{"/points", "/summary", "/scatter.png", "/schema"} {
		resp, _ := ts.do(t, http.MethodGet, base+path, "")
		assertStatusCode(t, resp, http.StatusServiceUnavailable)
	}

	close(ts.release)
	resp, body = ts.do(t, http.MethodGet, base+"?wait=true", "")
	assertStatusCode(t, resp, http.StatusOK)
	if st := decodeState(t, body); st.Lifecycle != "ready" || st.Selection.GeneIndex != 0 {
		t.Errorf("expected ready with CD3D resolved, got %+v", st)
	}
}

func TestSessionDeleteAndEviction(t *testing.T) {
	ts := setupTestServer(t, 2)

	resp, _ := ts.do(t, http.MethodGet, "/api/sessions/missing", "")
	assertStatusCode(t, resp, http.StatusNotFound)

	first := ts.createSession(t, "")
	resp, _ = ts.do(t, http.MethodDelete, "/api/sessions/"+first.Session, "")
	assertStatusCode(t, resp, http.StatusNoContent)
	resp, _ = ts.do(t, http.MethodGet, "/api/sessions/"+first.Session, "")
	assertStatusCode(t, resp, http.StatusNotFound)

	a := ts.createSession(t, "")
	ts.createSession(t, "")
	ts.createSession(t, "")
	if ts.sessions.Len() != 2 {
		t.Fatalf("expected 2 live sessions, got %d", ts.sessions.Len())
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/sessions/"+a.Session, "")
	assertStatusCode(t, resp, http.StatusNotFound)
}
