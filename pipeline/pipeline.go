package pipeline

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	iface "HelmetDetServer/interface"
	"HelmetDetServer/logger"
	"HelmetDetServer/monitor"

	"go.uber.org/zap"
)

const (
	AllClearMessage   = "✅ All riders appear to be wearing helmets."
	DefaultOutputPath = "static/uploads/output.jpg"
)

type Options struct {
	OutputPath  string
	Padding     int
	MinCropSize int
}

func DefaultOptions() Options {
	return Options{
		OutputPath:  DefaultOutputPath,
		Padding:     DefaultPadding,
		MinCropSize: DefaultMinCropSize,
	}
}

// Pipeline runs one detection pass over an image. It is not safe for
// concurrent use; the worker pool gives each worker its own Pipeline.
type Pipeline struct {
	detector   iface.Detector
	annotator  iface.Annotator
	extractor  *Extractor
	associator *Associator
	outputPath string
}

func New(det iface.Detector, rec iface.Recognizer, ann iface.Annotator, opts Options) *Pipeline {
	ext := NewExtractor(rec)
	if opts.Padding >= 0 {
		ext.Padding = opts.Padding
	}
	if opts.MinCropSize > 0 {
		ext.MinCropSize = opts.MinCropSize
	}
	if opts.OutputPath == "" {
		opts.OutputPath = DefaultOutputPath
	}
	return &Pipeline{
		detector:   det,
		annotator:  ann,
		extractor:  ext,
		associator: NewAssociator(ext),
		outputPath: opts.OutputPath,
	}
}

func (p *Pipeline) OutputPath() string {
	return p.outputPath
}

type Result struct {
	Report       string
	Lines        []string
	OutputPath   string // empty when every rider wears a helmet
	Detections   []iface.Detection
	Associations []iface.Association
	Elapsed      time.Duration
}

func (r *Result) AllClear() bool {
	return len(r.Associations) == 0
}

// Readings returns the plate readings in association order.
func (r *Result) Readings() []iface.PlateReading {
	var out []iface.PlateReading
	for _, a := range r.Associations {
		if a.Reading != nil {
			out = append(out, *a.Reading)
		}
	}
	return out
}

// Detect runs only the detector and returns its detections in native order.
func (p *Pipeline) Detect(ctx context.Context, img image.Image) ([]iface.Detection, error) {
	dets, err := p.detector.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	return dets, nil
}

func (p *Pipeline) Run(ctx context.Context, img image.Image) (*Result, error) {
	return p.RunTo(ctx, img, p.outputPath)
}

// RunTo is Run with an explicit path for the annotated image.
func (p *Pipeline) RunTo(ctx context.Context, img image.Image, outputPath string) (*Result, error) {
	start := time.Now()
	defer func() { monitor.InferenceSeconds.Observe(time.Since(start).Seconds()) }()

	dets, err := p.detector.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	set := iface.NewDetectionSet(dets)
	helmetless := set.Helmetless()
	logger.Log().Info("detection finished",
		zap.Int("detections", set.Len()), zap.Int("helmetless", len(helmetless)),
		zap.Int("plates", len(set.Plates())))

	if len(helmetless) == 0 {
		return &Result{
			Report:     AllClearMessage,
			Lines:      []string{AllClearMessage},
			Detections: set.All(),
			Elapsed:    time.Since(start),
		}, nil
	}
	monitor.HelmetlessTotal.Add(float64(len(helmetless)))

	res := &Result{Detections: set.All()}
	for i, h := range helmetless {
		assoc, err := p.associator.AssociateOne(ctx, img, set, i, h)
		if err != nil {
			return nil, err
		}
		res.Associations = append(res.Associations, assoc)
		res.Lines = append(res.Lines, assoc.Lines()...)
	}

	if err := p.annotator.Annotate(img, res.Detections, outputPath); err != nil {
		return nil, fmt.Errorf("annotate: %w", err)
	}
	res.OutputPath = outputPath
	res.Report = strings.Join(res.Lines, "\n")
	res.Elapsed = time.Since(start)
	logger.Log().Info("violation report ready",
		zap.Int("riders", len(res.Associations)), zap.String("output", outputPath),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}
