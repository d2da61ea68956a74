package engine

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	iface "HelmetDetServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetector_All(t *testing.T) {
	d := &Detector{}

	t.Run("Test Detect before New", func(t *testing.T) {
		_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
		assert.ErrorIs(t, err, ErrNotRegistered)
	})

	t.Run("Test New", func(t *testing.T) {
		assert.True(t, d.New())
		assert.Equal(t, REGISTERED, d.State)
		assert.Equal(t, DefaultInputSize, d.InputSize)
	})

	t.Run("Test Detect before LoadModel", func(t *testing.T) {
		_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
		assert.ErrorIs(t, err, ErrNotLoaded)
	})

	t.Run("Test LoadModel rejects bad input", func(t *testing.T) {
		_, err := d.LoadModel("model/best.param", NamesConf{}, 0.25, 0.45, false)
		assert.Error(t, err)
		_, err = d.LoadModel(filepath.Join(t.TempDir(), "missing.onnx"), NamesConf{}, 0.25, 0.45, false)
		assert.Error(t, err)
		assert.Equal(t, REGISTERED, d.State)
	})

	t.Run("Test SetInputSize", func(t *testing.T) {
		d.SetInputSize(1280)
		assert.Equal(t, 1280, d.CheckConfig().InputSize)
		d.SetInputSize(0)
		assert.Equal(t, 1280, d.CheckConfig().InputSize)
	})

	t.Run("Test Destroy", func(t *testing.T) {
		d.Destroy()
		assert.Equal(t, "", d.ModelPath)
		assert.Equal(t, float32(0), d.Conf)
		assert.Equal(t, float32(0), d.Iou)
		assert.False(t, d.UseGPU)
		assert.Equal(t, UNREGISTERED, d.State)
	})
}

func TestNamesConf(t *testing.T) {
	names, err := NamesConf{}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, iface.Names, names)

	names, err = NamesConf{List: []string{"rider"}}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []string{"rider"}, names)

	path := filepath.Join(t.TempDir(), "names.txt")
	require.NoError(t, os.WriteFile(path, []byte("number plate\r\nrider\r\n\r\nwith helmet\nwithout helmet\n"), 0o644))
	names, err = NamesConf{File: path}.Resolve()
	require.NoError(t, err)
	assert.Equal(t, iface.Names, names)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("\n\n"), 0o644))
	_, err = NamesConf{File: empty}.Resolve()
	assert.Error(t, err)
}

func TestDecodeYOLOv8(t *testing.T) {
	// two classes, three anchors; rows: cx, cy, w, h, score0, score1
	grid := [][]float32{
		{100, 300, 50},
		{100, 300, 50},
		{40, 20, 10},
		{40, 20, 10},
		{0.9, 0.1, 0.2},
		{0.05, 0.7, 0.1},
	}
	at := func(row, col int) float32 { return grid[row][col] }

	cands := decodeYOLOv8(at, 3, 2, 0.25, 2)
	require.Len(t, cands, 2)
	assert.Equal(t, 0, cands[0].classID)
	assert.InDelta(t, 0.9, cands[0].conf, 1e-6)
	assert.Equal(t, image.Rect(160, 160, 240, 240), cands[0].rect)
	assert.Equal(t, 1, cands[1].classID)
	assert.Equal(t, image.Rect(580, 580, 620, 620), cands[1].rect)
}

func TestToDetections(t *testing.T) {
	cands := []candidate{
		{classID: 3, conf: 0.8, rect: image.Rect(-10, 5, 50, 60)},
		{classID: 0, conf: 0.7, rect: image.Rect(10, 10, 40, 20)},
		{classID: 9, conf: 0.9, rect: image.Rect(0, 0, 5, 5)},
		{classID: 1, conf: 0.6, rect: image.Rect(500, 500, 600, 600)},
	}
	dets := toDetections(cands, iface.Names, image.Rect(0, 0, 100, 100))
	require.Len(t, dets, 2)
	assert.Equal(t, iface.WithoutHelmet, dets[0].Class)
	assert.Equal(t, iface.Box{X1: 0, Y1: 5, X2: 50, Y2: 60}, dets[0].Box)
	assert.Equal(t, iface.NumberPlate, dets[1].Class)
}

func TestWireRoundTrip(t *testing.T) {
	dets := []iface.Detection{
		iface.NewDetection(1, 2, 3, 4, iface.Rider, 0.5),
		iface.NewDetection(5, 6, 7, 8, iface.WithoutHelmet, 0.75),
	}
	back, err := FromWire(ToWire(dets))
	require.NoError(t, err)
	assert.Equal(t, dets, back)

	_, err = FromWire([]WireDetection{{ClassID: 42, Label: "car"}})
	assert.Error(t, err)
}

func TestRemoteDetector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/detect", r.URL.Path)
		_, _, err := r.FormFile("image")
		assert.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(DetectResponse{Detections: []WireDetection{
			{ClassID: 1, Label: "rider", Confidence: 0.88, Box: [4]float32{0, 0, 200, 400}},
			{ClassID: 3, Label: "without helmet", Confidence: 0.67, Box: [4]float32{50, 50, 150, 150}},
		}})
	}))
	defer srv.Close()

	r := NewRemoteDetector(srv.URL+"/", 5*time.Second)
	dets, err := r.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32)))
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, iface.Rider, dets[0].Class)
	assert.Equal(t, iface.WithoutHelmet, dets[1].Class)
	assert.Equal(t, BackendRemote, r.CheckConfig().Backend)
}

func TestRemoteDetector_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewRemoteDetector(srv.URL, time.Second)
	_, err := r.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	assert.Error(t, err)
}
