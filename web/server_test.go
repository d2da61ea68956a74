package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"HelmetDetServer/config"
	iface "HelmetDetServer/interface"
	"HelmetDetServer/pipeline"
	"HelmetDetServer/store"
	"HelmetDetServer/worker"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePool struct {
	mu      sync.Mutex
	jobs    []worker.Job
	outcome *worker.Outcome
	err     error
}

func (f *fakePool) Submit(ctx context.Context, job worker.Job) (*worker.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return f.outcome, f.err
}

type fakeHistory struct {
	items []store.Violation
	err   error
	limit int
}

func (f *fakeHistory) List(ctx context.Context, limit int) ([]store.Violation, error) {
	f.limit = limit
	return f.items, f.err
}

func (f *fakeHistory) Get(ctx context.Context, id string) (*store.Violation, error) {
	for _, v := range f.items {
		if v.ID == id {
			return &v, nil
		}
	}
	return nil, store.ErrNotFound
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.StaticDir = filepath.Join(dir, "static")
	cfg.UploadDir = filepath.Join(cfg.StaticDir, "uploads")
	cfg.OutputImage = filepath.Join(cfg.UploadDir, "output.jpg")
	return &cfg
}

func newTestServer(t *testing.T, pool Submitter, history History) (*Server, *config.Config) {
	cfg := testConfig(t)
	s := New(cfg, pool, history)
	s.Decode = func(b []byte) (image.Image, error) { return png.Decode(bytes.NewReader(b)) }
	return s, cfg
}

func pngBytes(t *testing.T) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, path, field, name string, data []byte) *http.Request {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if field != "" {
		part, err := w.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func violationResult(cfg *config.Config) *pipeline.Result {
	lines := []string{
		"\n📸 Helmetless Rider 1 - Number plate detected inside rider bounding box",
		"🚨 Plate 1 - OCR Raw: ABO1S",
		"🧹 Plate 1 - Corrected: AB015",
	}
	return &pipeline.Result{
		Report:     strings.Join(lines, "\n"),
		Lines:      lines,
		OutputPath: cfg.OutputImage,
		Associations: []iface.Association{{
			Index: 0, Outcome: iface.PlateMatched,
			Reading: &iface.PlateReading{Status: iface.PlateRead, Raw: "ABO1S", Corrected: "AB015"},
		}},
	}
}

func TestIndexAndPing(t *testing.T) {
	s, _ := newTestServer(t, &fakePool{}, nil)

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `name="image"`)

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"message":"pong"}`, rr.Body.String())
}

func TestPredictJSON(t *testing.T) {
	pool := &fakePool{}
	s, cfg := newTestServer(t, pool, nil)
	pool.outcome = &worker.Outcome{ID: "req-1", Result: violationResult(cfg)}

	rr := serve(s, uploadRequest(t, "/api/predict", "image", "street.PNG", pngBytes(t)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var body struct {
		ID          string        `json:"id"`
		Report      string        `json:"report"`
		Lines       []string      `json:"lines"`
		ResultImage string        `json:"result_image"`
		Violations  []store.Rider `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "req-1", body.ID)
	assert.Contains(t, body.Report, "🧹 Plate 1 - Corrected: AB015")
	assert.Len(t, body.Lines, 3)
	assert.Equal(t, "uploads/output.jpg", body.ResultImage)
	require.Len(t, body.Violations, 1)
	assert.Equal(t, "AB015", body.Violations[0].Corrected)

	require.Len(t, pool.jobs, 1)
	assert.Equal(t, "street.PNG", pool.jobs[0].Source)
	assert.Empty(t, pool.jobs[0].OutputPath)
	_, err := os.Stat(filepath.Join(cfg.UploadDir, "street.PNG"))
	assert.NoError(t, err)
}

func TestPredictJSON_AllClear(t *testing.T) {
	pool := &fakePool{outcome: &worker.Outcome{ID: "req-2", Result: &pipeline.Result{
		Report: pipeline.AllClearMessage, Lines: []string{pipeline.AllClearMessage},
	}}}
	s, _ := newTestServer(t, pool, nil)

	rr := serve(s, uploadRequest(t, "/api/predict", "image", "a.jpg", pngBytes(t)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"result_image":""`)
	assert.Contains(t, rr.Body.String(), "All riders appear to be wearing helmets.")
}

func TestPredict_UniqueOutputs(t *testing.T) {
	pool := &fakePool{}
	s, cfg := newTestServer(t, pool, nil)
	cfg.UniqueOutputs = true
	pool.outcome = &worker.Outcome{ID: "x", Result: violationResult(cfg)}

	rr := serve(s, uploadRequest(t, "/api/predict", "image", "a.jpg", pngBytes(t)))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, pool.jobs, 1)
	assert.Equal(t, cfg.UploadDir, filepath.Dir(pool.jobs[0].OutputPath))
	assert.True(t, strings.HasPrefix(filepath.Base(pool.jobs[0].OutputPath), "output-"))
}

func TestPredict_Rejected(t *testing.T) {
	tests := []struct {
		name  string
		field string
		file  string
	}{
		{"missing field", "", ""},
		{"other field", "photo", "a.png"},
		{"wrong extension", "image", "a.gif"},
		{"no extension", "image", "png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := &fakePool{}
			s, _ := newTestServer(t, pool, nil)
			rr := serve(s, uploadRequest(t, "/api/predict", tt.field, tt.file, pngBytes(t)))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Empty(t, pool.jobs)
		})
	}
}

func TestPredict_Undecodable(t *testing.T) {
	pool := &fakePool{}
	s, _ := newTestServer(t, pool, nil)
	rr := serve(s, uploadRequest(t, "/api/predict", "image", "a.png", []byte("not an image")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, pool.jobs)
}

func TestPredict_PipelineErrors(t *testing.T) {
	for err, code := range map[error]int{
		errors.New("detect: model exploded"): http.StatusInternalServerError,
		worker.ErrPoolClosed:                 http.StatusServiceUnavailable,
	} {
		s, _ := newTestServer(t, &fakePool{err: err}, nil)
		rr := serve(s, uploadRequest(t, "/api/predict", "image", "a.png", pngBytes(t)))
		assert.Equal(t, code, rr.Code)
		assert.Contains(t, rr.Body.String(), err.Error())
		assert.NotContains(t, rr.Body.String(), "report")
	}
}

func TestPredictPage(t *testing.T) {
	pool := &fakePool{}
	s, cfg := newTestServer(t, pool, nil)
	pool.outcome = &worker.Outcome{ID: "req-1", Result: violationResult(cfg)}

	rr := serve(s, uploadRequest(t, "/predict", "image", "a.jpeg", pngBytes(t)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "🚨 Plate 1 - OCR Raw: ABO1S")
	assert.Contains(t, rr.Body.String(), `src="/static/uploads/output.jpg"`)

	rr = serve(s, uploadRequest(t, "/predict", "image", "a.bmp", pngBytes(t)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "file type not allowed")
}

func TestDetectJSON(t *testing.T) {
	pool := &fakePool{outcome: &worker.Outcome{ID: "d", Detections: []iface.Detection{
		iface.NewDetection(1, 2, 30, 40, iface.WithoutHelmet, 0.75),
	}}}
	s, _ := newTestServer(t, pool, nil)

	rr := serve(s, uploadRequest(t, "/api/detect", "image", "frame.png", pngBytes(t)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"detections":[{"class_id":3,"label":"without helmet","confidence":0.75,"box":[1,2,30,40]}]}`, rr.Body.String())
	require.Len(t, pool.jobs, 1)
	assert.True(t, pool.jobs[0].DetectOnly)

	rr = serve(s, uploadRequest(t, "/api/detect", "", "", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestViolations(t *testing.T) {
	history := &fakeHistory{items: []store.Violation{
		{ID: "v1", Report: "r1", Helmetless: 1},
		{ID: "v2", Report: pipeline.AllClearMessage},
	}}
	s, _ := newTestServer(t, &fakePool{}, history)

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/violations?limit=5", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, history.limit)
	assert.Contains(t, rr.Body.String(), `"id":"v2"`)

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/violations?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/violations/v1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"report":"r1"`)

	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/violations/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	history.err = errors.New("db locked")
	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/violations", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, 50, history.limit)
}

func TestViolations_HistoryDisabled(t *testing.T) {
	s, _ := newTestServer(t, &fakePool{}, nil)
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/api/violations", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = serve(s, httptest.NewRequest(http.MethodGet, "/api/violations/x", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStaticURL(t *testing.T) {
	s, cfg := newTestServer(t, &fakePool{}, nil)
	assert.Equal(t, "", s.staticURL(""))
	assert.Equal(t, "uploads/output.jpg", s.staticURL(cfg.OutputImage))
	assert.Equal(t, "/elsewhere/out.jpg", s.staticURL("/elsewhere/out.jpg"))
}
