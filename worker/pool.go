package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"

	iface "HelmetDetServer/interface"
	"HelmetDetServer/logger"
	"HelmetDetServer/pipeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Runner is one pipeline instance. A Runner is only ever used by the worker
// that owns it.
type Runner interface {
	Detect(ctx context.Context, img image.Image) ([]iface.Detection, error)
	RunTo(ctx context.Context, img image.Image, outputPath string) (*pipeline.Result, error)
	OutputPath() string
}

// Recorder persists finished runs. Recording failures are logged, never
// returned to the caller.
type Recorder interface {
	Record(ctx context.Context, id, source string, res *pipeline.Result) error
}

type Job struct {
	Image  image.Image
	Source string // original file name or transport tag
	// OutputPath overrides the runner's annotated image path when set.
	OutputPath string
	// DetectOnly skips association, OCR, annotation and recording.
	DetectOnly bool
}

type Outcome struct {
	ID         string
	Result     *pipeline.Result  // nil for DetectOnly jobs
	Detections []iface.Detection // set for DetectOnly jobs
}

type jobPackage struct {
	ctx    context.Context
	id     string
	job    Job
	result chan jobResult
}

type jobResult struct {
	outcome *Outcome
	err     error
}

type Pool struct {
	queue    chan jobPackage
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	recorder Recorder
	size     int
}

// NewPool starts one worker per runner.
func NewPool(runners []Runner, recorder Recorder) (*Pool, error) {
	if len(runners) == 0 {
		return nil, errors.New("worker pool needs at least one runner")
	}
	p := &Pool{
		queue:    make(chan jobPackage),
		done:     make(chan struct{}),
		recorder: recorder,
		size:     len(runners),
	}
	for i, r := range runners {
		p.wg.Add(1)
		go p.runWorker(i, r)
	}
	return p, nil
}

func (p *Pool) Size() int {
	return p.size
}

// Submit waits for a free worker and runs job on it. ctx bounds the wait for
// a worker and for the result; a run that has started is not interrupted.
func (p *Pool) Submit(ctx context.Context, job Job) (*Outcome, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}
	pkg := jobPackage{
		ctx:    context.WithoutCancel(ctx),
		id:     uuid.NewString(),
		job:    job,
		result: make(chan jobResult, 1),
	}
	select {
	case p.queue <- pkg:
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-pkg.result:
		return res.outcome, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the workers after their current job and waits for them.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Pool) runWorker(workerID int, runner Runner) {
	defer p.wg.Done()
	// cgo backends (OpenCV, Tesseract) keep per-thread state
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Info("worker created", zap.Int("worker", workerID))
	for {
		select {
		case <-p.done:
			logger.Log().Info("worker stopped", zap.Int("worker", workerID))
			return
		case pkg := <-p.queue:
			outcome, err := p.process(workerID, runner, pkg)
			pkg.result <- jobResult{outcome: outcome, err: err}
		}
	}
}

func (p *Pool) process(workerID int, runner Runner, pkg jobPackage) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("worker panic recovered",
				zap.Int("worker", workerID), zap.String("request", pkg.id), zap.Any("panic", r))
			outcome, err = nil, fmt.Errorf("worker %d panic: %v", workerID, r)
		}
	}()
	if pkg.job.DetectOnly {
		dets, err := runner.Detect(pkg.ctx, pkg.job.Image)
		if err != nil {
			return nil, err
		}
		return &Outcome{ID: pkg.id, Detections: dets}, nil
	}
	out := pkg.job.OutputPath
	if out == "" {
		out = runner.OutputPath()
	}
	res, err := runner.RunTo(pkg.ctx, pkg.job.Image, out)
	if err != nil {
		logger.Log().Error("pipeline failed",
			zap.Int("worker", workerID), zap.String("request", pkg.id), zap.Error(err))
		return nil, err
	}
	if p.recorder != nil {
		if rerr := p.recorder.Record(pkg.ctx, pkg.id, pkg.job.Source, res); rerr != nil {
			logger.Log().Warn("failed to record result",
				zap.String("request", pkg.id), zap.Error(rerr))
		}
	}
	return &Outcome{ID: pkg.id, Result: res}, nil
}
