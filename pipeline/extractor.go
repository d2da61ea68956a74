package pipeline

import (
	"context"
	"fmt"
	"image"
	"strings"

	iface "HelmetDetServer/interface"
	"HelmetDetServer/logger"
	"HelmetDetServer/monitor"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const (
	DefaultPadding     = 15
	DefaultMinCropSize = 10
)

// lookalikes maps letters the recognizer confuses with digits on plates.
// No value is itself a key, so Normalize is idempotent.
var lookalikes = map[rune]rune{
	'O': '0',
	'I': '1',
	'L': '1',
	'S': '5',
	'Z': '2',
}

// Normalize rewrites look-alike letters character by character. It is lossy:
// a plate that really contains an O still comes out with a 0.
func Normalize(text string) string {
	return strings.Map(func(r rune) rune {
		if d, ok := lookalikes[r]; ok {
			return d
		}
		return r
	}, text)
}

// joinLines concatenates recognizer lines in order with all whitespace removed.
func joinLines(lines []iface.TextLine) string {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(strings.Join(strings.Fields(l.Text), ""))
	}
	return sb.String()
}

// Extractor reads the text of one plate detection.
type Extractor struct {
	recognizer  iface.Recognizer
	Padding     int
	MinCropSize int
}

func NewExtractor(rec iface.Recognizer) *Extractor {
	return &Extractor{
		recognizer:  rec,
		Padding:     DefaultPadding,
		MinCropSize: DefaultMinCropSize,
	}
}

// CropRect pads box on every side and clamps it to bounds. The result is not
// canonicalised: a box that falls outside the image yields an empty rectangle.
func (e *Extractor) CropRect(bounds image.Rectangle, box iface.Box) image.Rectangle {
	x1, y1 := int(box.X1)-e.Padding, int(box.Y1)-e.Padding
	x2, y2 := int(box.X2)+e.Padding, int(box.Y2)+e.Padding
	return image.Rectangle{
		Min: image.Point{X: max(x1, bounds.Min.X), Y: max(y1, bounds.Min.Y)},
		Max: image.Point{X: min(x2, bounds.Max.X), Y: min(y2, bounds.Max.Y)},
	}
}

// Extract crops the padded plate region and runs text recognition on it.
// Degenerate crops and empty recognizer output are reported in the returned
// reading; only recognizer failures are returned as errors.
func (e *Extractor) Extract(ctx context.Context, img image.Image, plate iface.Detection, index int) (iface.PlateReading, error) {
	reading := iface.PlateReading{Index: index}
	rect := e.CropRect(img.Bounds(), plate.Box)
	if rect.Empty() || rect.Dx() < e.MinCropSize || rect.Dy() < e.MinCropSize {
		logger.Log().Debug("plate crop too small",
			zap.Int("plate", index+1), zap.Stringer("box", plate.Box), zap.Stringer("crop", rect))
		reading.Status = iface.PlateTooSmall
		monitor.PlatesTotal.WithLabelValues(reading.Status.String()).Inc()
		return reading, nil
	}

	crop := imaging.Crop(img, rect)
	lines, err := e.recognizer.Recognize(ctx, crop)
	if err != nil {
		return reading, fmt.Errorf("recognize plate %d: %w", index+1, err)
	}

	raw := joinLines(lines)
	if raw == "" {
		reading.Status = iface.PlateNoText
	} else {
		reading.Status = iface.PlateRead
		reading.Raw = raw
		reading.Corrected = Normalize(strings.ToUpper(raw))
	}
	monitor.PlatesTotal.WithLabelValues(reading.Status.String()).Inc()
	logger.Log().Debug("plate read",
		zap.Int("plate", index+1), zap.Int("lines", len(lines)),
		zap.String("raw", reading.Raw), zap.String("corrected", reading.Corrected))
	return reading, nil
}
