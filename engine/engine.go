package engine

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	iface "HelmetDetServer/interface"
	"HelmetDetServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const DefaultInputSize = 640

// Detector runs a YOLOv8 ONNX export through OpenCV's DNN module.
type Detector struct {
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	InputSize int
	UseGPU    bool
	State     int

	mu  sync.Mutex
	net gocv.Net
}

func (d *Detector) New() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.State = REGISTERED
	if d.InputSize == 0 {
		d.InputSize = DefaultInputSize
	}
	return true
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return iface.EngineConfig{
		Backend:   BackendLocal,
		ModelPath: d.ModelPath,
		Names:     append([]string(nil), d.Names...),
		Conf:      d.Conf,
		Iou:       d.Iou,
		InputSize: d.InputSize,
		UseGPU:    d.UseGPU,
	}
}

func (d *Detector) LoadModel(modelPath string, names NamesConf, conf float32, iou float32, useGPU bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == 0 || d.State == UNREGISTERED {
		return false, ErrNotRegistered
	}
	if strings.ToLower(filepath.Ext(modelPath)) != ".onnx" {
		return false, fmt.Errorf("LoadModel only supports .onnx, got %s", modelPath)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return false, fmt.Errorf("model file: %w", err)
	}
	if conf < 0 || conf > 1 {
		return false, fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", conf)
	}
	if iou < 0 || iou > 1 {
		return false, fmt.Errorf("IoU must be between 0.0 and 1.0, got %f", iou)
	}
	resolved, err := names.Resolve()
	if err != nil {
		return false, err
	}

	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return false, fmt.Errorf("failed to load network from %s", modelPath)
	}
	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if useGPU {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		_ = net.Close()
		return false, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		_ = net.Close()
		return false, fmt.Errorf("set target: %w", err)
	}

	d.net = net
	d.ModelPath = modelPath
	d.Names = resolved
	d.Conf = conf
	d.Iou = iou
	d.UseGPU = useGPU
	d.State = IDLE
	logger.Log().Info("detector model loaded",
		zap.String("model", modelPath), zap.Strings("names", resolved),
		zap.Float32("conf", conf), zap.Float32("iou", iou), zap.Bool("gpu", useGPU))
	return true, nil
}

func (d *Detector) SetInputSize(size int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size > 0 {
		d.InputSize = size
	}
}

// acquire moves the detector from IDLE to BUSY.
func (d *Detector) acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.State {
	case 0, UNREGISTERED:
		return ErrNotRegistered
	case REGISTERED:
		return ErrNotLoaded
	case BUSY:
		return ErrBusy
	}
	d.State = BUSY
	return nil
}

func (d *Detector) release() {
	d.mu.Lock()
	if d.State == BUSY {
		d.State = IDLE
	}
	d.mu.Unlock()
}

func (d *Detector) Detect(ctx context.Context, img image.Image) ([]iface.Detection, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	defer d.release()

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert image: %w", err)
	}
	defer mat.Close()

	// letterbox into the top-left of a square so one scale maps both axes back
	height, width := mat.Rows(), mat.Cols()
	maxDim := max(height, width)
	square := gocv.NewMatWithSize(maxDim, maxDim, gocv.MatTypeCV8UC3)
	defer square.Close()
	roi := square.Region(image.Rect(0, 0, width, height))
	mat.CopyTo(&roi)
	roi.Close()

	size := d.InputSize
	blob := gocv.BlobFromImage(square, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	classes, anchors := dims[1]-4, dims[2]
	scale := float32(maxDim) / float32(size)
	at := func(row, col int) float32 { return out.GetFloatAt3(0, row, col) }

	cands := decodeYOLOv8(at, anchors, classes, d.Conf, scale)
	kept := suppress(cands, d.Conf, d.Iou)
	dets := toDetections(kept, d.Names, img.Bounds())
	logger.Log().Debug("inference done",
		zap.Int("candidates", len(cands)), zap.Int("kept", len(kept)), zap.Int("detections", len(dets)))
	return dets, nil
}

func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == IDLE || d.State == BUSY {
		_ = d.net.Close()
	}
	d.ModelPath = ""
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.net = gocv.Net{}
	d.State = UNREGISTERED
}
