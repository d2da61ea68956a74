package iface

import (
	"context"
	"image"
)

// Detector runs the object-detection model over a full image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
	CheckConfig() EngineConfig
	Destroy()
}

// Recognizer reads text lines from a small cropped image.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image) ([]TextLine, error)
	Close() error
}

// Annotator draws detections over the image and writes the result to path.
type Annotator interface {
	Annotate(img image.Image, dets []Detection, path string) error
}
