package iface

import "fmt"

type Position struct {
	X, Y float32
}

// Box is an axis-aligned rectangle in pixel coordinates, (X1,Y1) top-left and (X2,Y2) bottom-right.
type Box struct {
	X1, Y1, X2, Y2 float32
}

func (b Box) String() string {
	return fmt.Sprintf("(%.1f,%.1f)-(%.1f,%.1f)", b.X1, b.Y1, b.X2, b.Y2)
}

type Class int

const (
	NumberPlate Class = iota
	Rider
	WithHelmet
	WithoutHelmet
)

// Names is the label table the helmet model was trained with, indexed by class id.
var Names = []string{"number plate", "rider", "with helmet", "without helmet"}

func (c Class) String() string {
	if c < 0 || int(c) >= len(Names) {
		return fmt.Sprintf("class%d", int(c))
	}
	return Names[c]
}

// ClassByName resolves a label from the table, ok is false for unknown labels.
func ClassByName(name string) (Class, bool) {
	for i, n := range Names {
		if n == name {
			return Class(i), true
		}
	}
	return 0, false
}

// Detection is one detector output. It is built once per raw result and never mutated.
type Detection struct {
	Box        Box
	Class      Class
	Confidence float32
}

func NewDetection(x1, y1, x2, y2 float32, class Class, conf float32) Detection {
	return Detection{
		Box:        Box{X1: x1, Y1: y1, X2: x2, Y2: y2},
		Class:      class,
		Confidence: conf,
	}
}

// DetectionSet holds every detection of one image in detector output order.
type DetectionSet struct {
	all []Detection
}

func NewDetectionSet(dets []Detection) DetectionSet {
	return DetectionSet{all: append([]Detection(nil), dets...)}
}

func (s DetectionSet) All() []Detection {
	return append([]Detection(nil), s.all...)
}

func (s DetectionSet) Len() int {
	return len(s.all)
}

func (s DetectionSet) filter(c Class) []Detection {
	out := make([]Detection, 0, len(s.all))
	for _, d := range s.all {
		if d.Class == c {
			out = append(out, d)
		}
	}
	return out
}

func (s DetectionSet) Helmetless() []Detection { return s.filter(WithoutHelmet) }
func (s DetectionSet) Riders() []Detection     { return s.filter(Rider) }
func (s DetectionSet) Plates() []Detection     { return s.filter(NumberPlate) }
func (s DetectionSet) WithHelmet() []Detection { return s.filter(WithHelmet) }

type Outcome int

const (
	NoEnclosingRider Outcome = iota + 1
	NoPlateInRider
	PlateMatched
)

func (o Outcome) String() string {
	switch o {
	case NoEnclosingRider:
		return "no_rider"
	case NoPlateInRider:
		return "no_plate"
	case PlateMatched:
		return "plate_matched"
	}
	return "unknown"
}

type PlateStatus int

const (
	PlateRead PlateStatus = iota + 1
	PlateTooSmall
	PlateNoText
)

func (s PlateStatus) String() string {
	switch s {
	case PlateRead:
		return "read"
	case PlateTooSmall:
		return "too_small"
	case PlateNoText:
		return "no_text"
	}
	return "unknown"
}

// PlateReading is the OCR outcome for one matched plate.
type PlateReading struct {
	Index     int
	Status    PlateStatus
	Raw       string
	Corrected string
}

// Lines renders the report lines for the reading, tagged with the 1-based plate index.
func (r PlateReading) Lines() []string {
	n := r.Index + 1
	switch r.Status {
	case PlateTooSmall:
		return []string{fmt.Sprintf("⚠️ Plate %d - Cropped image too small or empty, skipping.", n)}
	case PlateRead:
		return []string{
			fmt.Sprintf("🚨 Plate %d - OCR Raw: %s", n, r.Raw),
			fmt.Sprintf("🧹 Plate %d - Corrected: %s", n, r.Corrected),
		}
	default:
		return []string{fmt.Sprintf("❌ Plate %d - OCR failed or returned no usable text.", n)}
	}
}

// Association links one helmetless detection to its rider and plate. Rider and
// Plate are nil when no match was found.
type Association struct {
	Index      int
	Helmetless Detection
	Rider      *Detection
	Plate      *Detection
	Outcome    Outcome
	Reading    *PlateReading
}

// Lines renders the report lines for the association, including the plate reading if any.
func (a Association) Lines() []string {
	n := a.Index + 1
	switch a.Outcome {
	case NoEnclosingRider:
		return []string{fmt.Sprintf("\n⚠️ Helmetless Rider %d - No enclosing rider box found.", n)}
	case NoPlateInRider:
		return []string{fmt.Sprintf("\n❌ Helmetless Rider %d - No number plate detected inside rider bounding box", n)}
	}
	lines := []string{fmt.Sprintf("\n📸 Helmetless Rider %d - Number plate detected inside rider bounding box", n)}
	if a.Reading != nil {
		lines = append(lines, a.Reading.Lines()...)
	}
	return lines
}

// TextLine is one recognizer result.
type TextLine struct {
	Text       string
	Confidence float32
}

type EngineConfig struct {
	Backend   string
	ModelPath string
	Names     []string
	Conf      float32
	Iou       float32
	InputSize int
	UseGPU    bool
}
