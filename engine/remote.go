package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"time"

	iface "HelmetDetServer/interface"

	"github.com/go-resty/resty/v2"
)

// WireDetection is the JSON shape of one detection on /api/detect.
type WireDetection struct {
	ClassID    int        `json:"class_id"`
	Label      string     `json:"label"`
	Confidence float32    `json:"confidence"`
	Box        [4]float32 `json:"box"`
}

type DetectResponse struct {
	Detections []WireDetection `json:"detections"`
}

func ToWire(dets []iface.Detection) []WireDetection {
	out := make([]WireDetection, 0, len(dets))
	for _, d := range dets {
		out = append(out, WireDetection{
			ClassID:    int(d.Class),
			Label:      d.Class.String(),
			Confidence: d.Confidence,
			Box:        [4]float32{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
		})
	}
	return out
}

// FromWire resolves wire detections by label, falling back to the class id.
func FromWire(wire []WireDetection) ([]iface.Detection, error) {
	out := make([]iface.Detection, 0, len(wire))
	for _, w := range wire {
		class, ok := iface.ClassByName(w.Label)
		if !ok {
			if w.ClassID < 0 || w.ClassID >= len(iface.Names) {
				return nil, fmt.Errorf("unknown class %q (id %d)", w.Label, w.ClassID)
			}
			class = iface.Class(w.ClassID)
		}
		out = append(out, iface.NewDetection(w.Box[0], w.Box[1], w.Box[2], w.Box[3], class, w.Confidence))
	}
	return out, nil
}

// RemoteDetector delegates inference to another server exposing /api/detect.
type RemoteDetector struct {
	BaseURL string
	client  *resty.Client
}

func NewRemoteDetector(baseURL string, timeout time.Duration) *RemoteDetector {
	return &RemoteDetector{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  resty.New().SetTimeout(timeout),
	}
}

func (r *RemoteDetector) Detect(ctx context.Context, img image.Image) ([]iface.Detection, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	var body DetectResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetFileReader("image", "frame.png", &buf).
		SetResult(&body).
		Post(r.BaseURL + "/api/detect")
	if err != nil {
		return nil, fmt.Errorf("remote detect: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("remote detect: server returned %s: %s", resp.Status(), resp.String())
	}
	return FromWire(body.Detections)
}

func (r *RemoteDetector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   BackendRemote,
		ModelPath: r.BaseURL,
		Names:     append([]string(nil), iface.Names...),
	}
}

func (r *RemoteDetector) Destroy() {}
