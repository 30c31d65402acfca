package api

import (
	"bytes"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spatialplot/server/internal/cache"
	"github.com/spatialplot/server/internal/data/annot"
	"github.com/spatialplot/server/internal/render"
	"github.com/spatialplot/server/internal/service"
)

type memorySource struct{}

func (memorySource) Load() (*annot.Dataset, error) {
	ds := annot.New("visium", 4)
	ds.Obs.Add(&annot.Column{
		Name:       "cluster",
		Kind:       annot.Categorical,
		Codes:      []int32{0, 1, 1, 0},
		Categories: []string{"a", "b"},
	})
	ds.Obs.Add(&annot.Column{Name: "score", Kind: annot.Numeric, Values: []float64{0, 1, 2, 3}})

	coords := annot.NewMatrix(4, 2)
	for i := 0; i < 4; i++ {
		coords.Set(i, 0, float64(2+4*i))
		coords.Set(i, 1, float64(14-4*i))
	}
	ds.Obsm["spatial"] = coords

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	ds.Uns.Spatial["spatial"] = map[string]*annot.Library{
		"lib1": {
			Images:       map[string]image.Image{"hires": img},
			ScaleFactors: map[string]float64{"tissue_hires_scalef": 1, "spot_diameter_fullres": 2},
		},
	}
	return ds, nil
}

// testServer holds the test server and its dependencies
type testServer struct {
	server *httptest.Server
	cache  *cache.Manager
	jobs   *JobManager
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{
		FigureCacheSizeMB: 16,
		FigureTTL:         5 * time.Minute,
		QueryCacheSize:    100,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	renderer := render.NewFigureRenderer(render.Config{FigDir: t.TempDir()})
	plotService := service.NewPlotService(service.PlotServiceConfig{
		DatasetID: "visium",
		Source:    memorySource{},
		Cache:     cacheManager,
		Renderer:  renderer,
		Defaults:  service.Defaults{Figsize: [2]float64{2, 2}, DPI: 40},
	})

	registry := NewDatasetRegistry("visium", []string{"visium"}, "")
	registry.Register("visium", plotService)

	jobManager, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(t.TempDir(), "jobs.sqlite"),
	})
	if err != nil {
		t.Fatalf("Failed to initialize job manager: %v", err)
	}
	jobManager.Executor = service.NewRenderJobService(registry).ExecuteRenderJob
	jobManager.Start()

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jobManager,
		Cache:       cacheManager,
	})

	ts := &testServer{
		server: httptest.NewServer(router),
		cache:  cacheManager,
		jobs:   jobManager,
	}
	t.Cleanup(ts.close)
	return ts
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.jobs.Stop()
	ts.cache.Close()
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, body
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, out
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertContentType verifies the Content-Type header
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected Content-Type %q, got %q", expected, contentType)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	// PNG magic bytes: 0x89 0x50 0x4E 0x47 0x0D 0x0A 0x1A 0x0A
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if len(body) < 8 {
		t.Errorf("Response too short to be a valid PNG (got %d bytes)", len(body))
		return
	}
	for i, b := range pngMagic {
		if body[i] != b {
			t.Errorf("Invalid PNG magic bytes at position %d: expected 0x%02X, got 0x%02X", i, b, body[i])
			return
		}
	}
}

// assertJSONFields verifies the response contains expected JSON fields
func assertJSONFields(t *testing.T, body []byte, expectedFields []string) {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Errorf("Failed to parse JSON response: %v", err)
		return
	}
	for _, field := range expectedFields {
		if _, ok := result[field]; !ok {
			t.Errorf("Expected JSON field %q not found in response", field)
		}
	}
}

// --- Test Cases ---

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/health")
	assertStatusCode(t, resp, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/api/datasets")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")
	assertJSONFields(t, body, []string{"default", "datasets", "title"})

	var listing struct {
		Datasets []DatasetInfo `json:"datasets"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("Failed to parse datasets: %v", err)
	}
	if len(listing.Datasets) != 1 || listing.Datasets[0].ID != "visium" || listing.Datasets[0].Loaded {
		t.Fatalf("Expected one unloaded dataset, got %+v", listing.Datasets)
	}

	// Listing never loads; a metadata request does.
	ts.get(t, "/d/visium/api/metadata")
	_, body = ts.get(t, "/api/datasets")
	if err := json.Unmarshal(body, &listing); err != nil {
		t.Fatalf("Failed to parse datasets: %v", err)
	}
	if d := listing.Datasets[0]; !d.Loaded || d.NObs == 0 || d.Soma != "" {
		t.Errorf("Expected loaded dataset without SOMA, got %+v", d)
	}
}

func TestCacheStatsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	ts.get(t, "/d/visium/spatial/scatter.png?color=cluster")
	ts.get(t, "/d/visium/spatial/scatter.png?color=cluster")

	resp, body := ts.get(t, "/api/cache/stats")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")

	var stats map[string]float64
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("Failed to parse stats: %v", err)
	}
	if stats["figure_cache_len"] != 1 || stats["figure_cache_hits"] != 1 {
		t.Errorf("Unexpected cache stats %v", stats)
	}
}

func TestScatterEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	path := "/d/visium/spatial/scatter.png?color=cluster&shape=circle"

	resp, body := ts.get(t, path)
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "image/png")
	assertPNG(t, body)
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("Expected X-Cache MISS, got %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Unexpected Cache-Control %q", got)
	}

	resp, again := ts.get(t, path)
	if got := resp.Header.Get("X-Cache"); got != "HIT" {
		t.Errorf("Expected X-Cache HIT, got %q", got)
	}
	if !bytes.Equal(body, again) {
		t.Error("Expected identical bytes for identical requests")
	}

	resp, body = ts.get(t, "/d/visium/spatial/scatter.svg?color=score&shape=hex&vmax=p90&cmap=magma")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "image/svg+xml")
	if !bytes.Contains(body, []byte("<svg")) {
		t.Error("Expected an SVG document")
	}
}

func TestScatterPost(t *testing.T) {
	ts := setupTestServer(t)

	body := `{"color":["cluster","score"],"shape":"square","palette":["red","blue"],"title":["A","B"],"ncols":2}`
	resp, out := ts.do(t, http.MethodPost, "/d/visium/spatial/scatter.png", body)
	assertStatusCode(t, resp, http.StatusOK)
	assertPNG(t, out)
	if got := resp.Header.Get("Cache-Control"); got != "" {
		t.Errorf("POST responses should not be cacheable, got %q", got)
	}

	resp, out = ts.do(t, http.MethodPost, "/d/visium/spatial/scatter.pdf", `{"color":["cluster"],"shape":"circle"}`)
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/pdf")
	if !bytes.HasPrefix(out, []byte("%PDF")) {
		t.Error("Expected a PDF document")
	}
}

func TestScatterErrors(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown dataset", http.MethodGet, "/d/nope/spatial/scatter.png", "", http.StatusNotFound},
		{"unsupported format", http.MethodGet, "/d/visium/spatial/scatter.gif?shape=circle", "", http.StatusBadRequest},
		{"unknown parameter", http.MethodGet, "/d/visium/spatial/scatter.png?colour=cluster", "", http.StatusBadRequest},
		{"unknown color key", http.MethodGet, "/d/visium/spatial/scatter.png?color=nope&shape=circle", "", http.StatusBadRequest},
		{"bad percentile", http.MethodGet, "/d/visium/spatial/scatter.png?color=score&shape=circle&vmax=pxx", "", http.StatusBadRequest},
		{"bad shape", http.MethodGet, "/d/visium/spatial/scatter.png?shape=star", "", http.StatusBadRequest},
		{"bad bool", http.MethodGet, "/d/visium/spatial/scatter.png?shape=circle&frameon=maybe", "", http.StatusBadRequest},
		{"body and query", http.MethodPost, "/d/visium/spatial/scatter.png?shape=circle", `{"shape":"circle"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/d/visium/spatial/scatter.png", `{"shape":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, resp.StatusCode, body)
			}
		})
	}
}

func TestMetadataEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/d/visium/api/metadata")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")
	assertJSONFields(t, body, []string{"dataset_id", "n_obs", "obs", "obsm", "spatial", "colormaps"})
}

func TestLibrariesEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/d/visium/api/libraries")
	assertStatusCode(t, resp, http.StatusOK)
	var libs []service.LibraryInfo
	if err := json.Unmarshal(body, &libs); err != nil {
		t.Fatalf("Failed to decode libraries: %v", err)
	}
	if len(libs) != 1 || libs[0].LibraryID != "lib1" {
		t.Errorf("Unexpected libraries %+v", libs)
	}

	resp, _ = ts.get(t, "/d/visium/api/libraries?spatial_key=other")
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestLegendEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.get(t, "/d/visium/api/obs/cluster/legend")
	assertStatusCode(t, resp, http.StatusOK)
	var legend []service.CategoryLegendItem
	if err := json.Unmarshal(body, &legend); err != nil {
		t.Fatalf("Failed to decode legend: %v", err)
	}
	if len(legend) != 2 || legend[0].CellCount != 2 || !strings.HasPrefix(legend[0].Color, "#") {
		t.Errorf("Unexpected legend %+v", legend)
	}

	resp, _ = ts.get(t, "/d/visium/api/obs/nope/legend")
	assertStatusCode(t, resp, http.StatusNotFound)
	resp, _ = ts.get(t, "/d/visium/api/obs/score/legend")
	assertStatusCode(t, resp, http.StatusBadRequest)
}

func waitForJob(t *testing.T, ts *testServer, jobID string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := ts.get(t, "/api/render/jobs/"+jobID)
		assertStatusCode(t, resp, http.StatusOK)
		var job map[string]interface{}
		if err := json.Unmarshal(body, &job); err != nil {
			t.Fatalf("Failed to decode job: %v", err)
		}
		switch job["status"] {
		case "completed", "failed", "cancelled":
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

func TestRenderJobLifecycle(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/render/jobs",
		`{"dataset_id":"visium","format":"png","path":"figs/cluster","request":{"color":["cluster"],"shape":"circle"}}`)
	assertStatusCode(t, resp, http.StatusAccepted)
	var submitted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &submitted); err != nil {
		t.Fatalf("Failed to decode submit response: %v", err)
	}
	if submitted.JobID == "" || submitted.Status != "queued" {
		t.Fatalf("Unexpected submit response %s", body)
	}

	job := waitForJob(t, ts, submitted.JobID)
	if job["status"] != "completed" {
		t.Fatalf("Expected completed job, got %v", job)
	}
	if out, _ := job["output_path"].(string); filepath.Base(out) != "cluster.png" {
		t.Errorf("Unexpected output path %v", job["output_path"])
	}

	resp, body = ts.get(t, "/api/render/jobs/"+submitted.JobID+"/result")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "image/png")
	assertPNG(t, body)

	resp, body = ts.do(t, http.MethodDelete, "/api/render/jobs/"+submitted.JobID, "")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"job_id", "deleted"})

	resp, _ = ts.get(t, "/api/render/jobs/"+submitted.JobID)
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestRenderJobFailure(t *testing.T) {
	ts := setupTestServer(t)

	// Passes request decoding but fails while plotting.
	resp, body := ts.do(t, http.MethodPost, "/api/render/jobs",
		`{"format":"svg","request":{"color":["nope"],"shape":"circle"}}`)
	assertStatusCode(t, resp, http.StatusAccepted)
	var submitted struct {
		JobID string `json:"job_id"`
	}
	json.Unmarshal(body, &submitted)

	job := waitForJob(t, ts, submitted.JobID)
	if job["status"] != "failed" || job["error"] == nil {
		t.Fatalf("Expected failed job with error, got %v", job)
	}

	resp, _ = ts.get(t, "/api/render/jobs/"+submitted.JobID+"/result")
	assertStatusCode(t, resp, http.StatusBadRequest)
}

func TestRenderJobValidation(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"unknown dataset", `{"dataset_id":"nope","request":{}}`, http.StatusNotFound},
		{"bad format", `{"format":"bmp","request":{}}`, http.StatusBadRequest},
		{"absolute path", `{"path":"/etc/plot.png","request":{}}`, http.StatusBadRequest},
		{"escaping path", `{"path":"../plot.png","request":{}}`, http.StatusBadRequest},
		{"path extension conflicts with format", `{"format":"png","path":"figs/plot.svg","request":{}}`, http.StatusBadRequest},
		{"unknown path extension", `{"path":"figs/plot.gif","request":{}}`, http.StatusBadRequest},
		{"format from path extension", `{"path":"figs/plot.svg","request":{"shape":"circle"}}`, http.StatusAccepted},
		{"unknown option", `{"request":{"colour":["cluster"]}}`, http.StatusBadRequest},
		{"not json", `plot please`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/render/jobs", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, resp.StatusCode, body)
			}
		})
	}

	resp, _ := ts.get(t, "/api/render/jobs/missing")
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestQueryToJSON(t *testing.T) {
	q := url.Values{
		"color":         {"cluster", "Sox17"},
		"vmax":          {"p99,3"},
		"palette":       {"tab10"},
		"crop_coord":    {"0,10,0,10", "[5,15,5,15]"},
		"figsize":       {"6,4"},
		"img_alpha":     {"0.5"},
		"frameon":       {"false"},
		"ncols":         {"2"},
		"shape":         {"hex"},
		"title":         {`["a, b","c"]`},
		"outline_color": {"black,white"},
	}
	raw, err := queryToJSON(q)
	if err != nil {
		t.Fatalf("queryToJSON error: %v", err)
	}
	req, err := service.DecodeRequest(raw)
	if err != nil {
		t.Fatalf("DecodeRequest error: %v (%s)", err, raw)
	}

	if len(req.Color) != 2 || req.Color[1] != "Sox17" {
		t.Errorf("Unexpected color %v", req.Color)
	}
	if len(req.VMax) != 2 || req.VMax[0].String() != "p99" || req.VMax[1].String() != "3" {
		t.Errorf("Unexpected vmax %v", req.VMax)
	}
	if req.Palette.Name != "tab10" {
		t.Errorf("Unexpected palette %+v", req.Palette)
	}
	if len(req.CropCoord) != 2 || req.CropCoord[1] != [4]float64{5, 15, 5, 15} {
		t.Errorf("Unexpected crop_coord %v", req.CropCoord)
	}
	if req.Figsize != [2]float64{6, 4} || req.NCols != 2 || req.Shape != "hex" {
		t.Errorf("Unexpected scalars %v %v %q", req.Figsize, req.NCols, req.Shape)
	}
	if req.ImgAlpha == nil || *req.ImgAlpha != 0.5 || req.Frameon == nil || *req.Frameon {
		t.Errorf("Unexpected pointers %v %v", req.ImgAlpha, req.Frameon)
	}
	if len(req.Title) != 2 || req.Title[0] != "a, b" {
		t.Errorf("Unexpected title %v", req.Title)
	}
	if len(req.OutlineColor) != 2 || req.OutlineColor[1] != "white" {
		t.Errorf("Unexpected outline_color %v", req.OutlineColor)
	}

	raw, err = queryToJSON(url.Values{"title": {"Sox17, log scale", "cluster"}})
	if err != nil {
		t.Fatalf("queryToJSON error: %v", err)
	}
	req, err = service.DecodeRequest(raw)
	if err != nil {
		t.Fatalf("DecodeRequest error: %v", err)
	}
	if len(req.Title) != 2 || req.Title[0] != "Sox17, log scale" || req.Title[1] != "cluster" {
		t.Errorf("titles must not be split on commas, got %q", req.Title)
	}

	for _, bad := range []url.Values{
		{"ncols": {"many"}},
		{"dpi": {"NaN"}},
		{"use_raw": {"perhaps"}},
		{"palette": {"{broken"}},
		{"unknown": {"1"}},
	} {
		if _, err := queryToJSON(bad); err == nil {
			t.Errorf("Expected error for %v", bad)
		}
	}
}

func TestCORSHeaders(t *testing.T) {
	ts := setupTestServer(t)

	req, err := http.NewRequest("GET", ts.server.URL+"/health", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Error("Expected Access-Control-Allow-Origin header to be set for allowed origin")
	}
}
