package engine

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	iface "HelmetDetServer/interface"

	"gocv.io/x/gocv"
)

var classColors = map[iface.Class]color.RGBA{
	iface.NumberPlate:   {R: 255, G: 56, B: 56, A: 255},
	iface.Rider:         {R: 255, G: 157, B: 151, A: 255},
	iface.WithHelmet:    {R: 72, G: 249, B: 10, A: 255},
	iface.WithoutHelmet: {R: 255, G: 178, B: 29, A: 255},
}

// Annotator draws labelled boxes with OpenCV and writes the result as an image file.
type Annotator struct {
	Thickness int
	FontScale float64
}

func NewAnnotator() *Annotator {
	return &Annotator{Thickness: 2, FontScale: 0.5}
}

func (a *Annotator) Annotate(img image.Image, dets []iface.Detection, path string) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("convert image: %w", err)
	}
	defer mat.Close()

	for _, d := range dets {
		c, ok := classColors[d.Class]
		if !ok {
			c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
		}
		rect := image.Rect(int(d.Box.X1), int(d.Box.Y1), int(d.Box.X2), int(d.Box.Y2))
		if err := gocv.Rectangle(&mat, rect, c, a.Thickness); err != nil {
			return fmt.Errorf("draw rectangle: %w", err)
		}
		label := fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
		pt := image.Pt(rect.Min.X, max(rect.Min.Y-5, 10))
		if err := gocv.PutText(&mat, label, pt, gocv.FontHersheySimplex, a.FontScale, c, 1); err != nil {
			return fmt.Errorf("draw text: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if ok := gocv.IMWrite(path, mat); !ok {
		return fmt.Errorf("failed to write %s", path)
	}
	return nil
}
