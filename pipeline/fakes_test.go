package pipeline

import (
	"context"
	"image"

	iface "HelmetDetServer/interface"
)

type fakeDetector struct {
	dets  []iface.Detection
	err   error
	calls int
}

func (f *fakeDetector) Detect(ctx context.Context, img image.Image) ([]iface.Detection, error) {
	f.calls++
	return f.dets, f.err
}

func (f *fakeDetector) CheckConfig() iface.EngineConfig { return iface.EngineConfig{Backend: "fake"} }
func (f *fakeDetector) Destroy()                        {}

type fakeRecognizer struct {
	lines []iface.TextLine
	err   error
	crops []image.Rectangle
}

func (f *fakeRecognizer) Recognize(ctx context.Context, img image.Image) ([]iface.TextLine, error) {
	f.crops = append(f.crops, img.Bounds())
	return f.lines, f.err
}

func (f *fakeRecognizer) Close() error { return nil }

type fakeAnnotator struct {
	paths []string
	dets  []iface.Detection
	err   error
}

func (f *fakeAnnotator) Annotate(img image.Image, dets []iface.Detection, path string) error {
	f.paths = append(f.paths, path)
	f.dets = dets
	return f.err
}

func blank(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func det(class iface.Class, x1, y1, x2, y2 float32) iface.Detection {
	return iface.NewDetection(x1, y1, x2, y2, class, 0.9)
}
