package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "HelmetDetServer/Adhoc"
	"HelmetDetServer/config"
	"HelmetDetServer/engine"
	backend "HelmetDetServer/gRPC"
	iface "HelmetDetServer/interface"
	"HelmetDetServer/logger"
	"HelmetDetServer/monitor"
	"HelmetDetServer/ocr"
	"HelmetDetServer/pipeline"
	"HelmetDetServer/store"
	"HelmetDetServer/web"
	"HelmetDetServer/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// component is one per-worker pipeline plus the resources it owns.
type component struct {
	pipeline   *pipeline.Pipeline
	detector   iface.Detector
	recognizer iface.Recognizer
}

func (c component) Close() {
	c.detector.Destroy()
	if err := c.recognizer.Close(); err != nil {
		logger.Log().Warn("failed to close recognizer", zap.Error(err))
	}
}

func newDetector(cfg *config.Config) (iface.Detector, error) {
	d := cfg.Detector
	if d.Backend == engine.BackendRemote {
		return engine.NewRemoteDetector(d.RemoteURL, time.Duration(d.RemoteTimeoutSeconds)*time.Second), nil
	}
	det := &engine.Detector{}
	det.New()
	det.SetInputSize(d.InputSize)
	names := engine.NamesConf{File: d.NamesFile, List: d.Names}
	if _, err := det.LoadModel(d.ModelPath, names, d.Conf, d.Iou, d.UseGPU); err != nil {
		det.Destroy()
		return nil, fmt.Errorf("load model %s: %w", d.ModelPath, err)
	}
	if d.UseGPU {
		warmUp(det)
	}
	return det, nil
}

// warmUp runs a few blank frames so the first request does not pay for CUDA
// initialisation.
func warmUp(det iface.Detector) {
	blank := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := 0; i < 3; i++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log().Warn("panic during warmup detect", zap.Any("panic", r))
				}
			}()
			_, _ = det.Detect(context.Background(), blank)
		}()
	}
}

func newComponent(cfg *config.Config) (*component, error) {
	det, err := newDetector(cfg)
	if err != nil {
		return nil, err
	}
	ocrCfg := ocr.DefaultConfig()
	ocrCfg.Language = cfg.OCR.Language
	ocrCfg.TessdataPrefix = cfg.OCR.TessdataPrefix
	if cfg.OCR.Whitelist != "" {
		ocrCfg.Whitelist = cfg.OCR.Whitelist
	}
	rec, err := ocr.NewTesseract(ocrCfg)
	if err != nil {
		det.Destroy()
		return nil, fmt.Errorf("init OCR: %w", err)
	}
	p := pipeline.New(det, rec, engine.NewAnnotator(), pipeline.Options{
		OutputPath:  cfg.OutputImage,
		Padding:     cfg.Plate.Padding,
		MinCropSize: cfg.Plate.MinCropSize,
	})
	return &component{pipeline: p, detector: det, recognizer: rec}, nil
}

func printBanner(cfg *config.Config) {
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" gRPC    Port:", cfg.RPCPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Println("Configured Workers Num:", cfg.WorkersNum)
	fmt.Println("Detector backend:", cfg.Detector.Backend)
	fmt.Println(strings.Repeat("#", 64))
	if cfg.Detector.UseGPU {
		fmt.Println("If you need GPU acceleration, please make sure that your GPU has enough memory to handle multiple workers.")
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path of the YAML config file")
	envPath := flag.String("env", ".env", "optional .env file with HELMET_* overrides")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogMode, cfg.LogLevel); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	runtime.GOMAXPROCS(runtime.NumCPU())
	printBanner(cfg)
	for _, w := range cfg.Warnings {
		logger.Log().Warn(w)
	}

	if err := run(cfg); err != nil {
		logger.Log().Error("server exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Log().Info("Safely exited")
}

func run(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload folder: %w", err)
	}

	components := make([]*component, 0, cfg.WorkersNum)
	defer func() {
		for _, c := range components {
			c.Close()
		}
	}()
	runners := make([]worker.Runner, 0, cfg.WorkersNum)
	for i := 0; i < cfg.WorkersNum; i++ {
		c, err := newComponent(cfg)
		if err != nil {
			return fmt.Errorf("worker %d: %w", i, err)
		}
		components = append(components, c)
		runners = append(runners, c.pipeline)
	}
	engineCfg := components[0].detector.CheckConfig()

	var (
		recorder worker.Recorder
		history  web.History
	)
	if cfg.Database.Enabled {
		db, err := store.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		recorder, history = db, db
	}

	pool, err := worker.NewPool(runners, recorder)
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	if strings.HasPrefix(strings.ToLower(cfg.LogMode), "prod") || cfg.LogMode == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: web.New(cfg, pool, history).Router(),
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Log().Info("HTTP server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	rpc := backend.NewServer(pool, engineCfg)
	grpcSrv, err := backend.StartGRPCServer(cfg.RPCPort, rpc)
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(ctx, cfg.MetricsPort)
	}()

	if cfg.UseRegServer {
		startHeartbeat(ctx, cfg, engineCfg, &wg)
	} else {
		logger.Log().Info("UseRegServer is set to false, skipping registration")
	}

	select {
	case <-ctx.Done():
		logger.Log().Info("signal received, shutting down")
	case <-rpc.Closed():
		logger.Log().Warn("shutdown requested, shutting down")
	case err = <-httpErr:
		logger.Log().Error("HTTP server failed", zap.Error(err))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Log().Warn("HTTP shutdown", zap.Error(serr))
	}
	grpcSrv.GracefulStop()
	wg.Wait()
	return err
}

func startHeartbeat(ctx context.Context, cfg *config.Config, engineCfg iface.EngineConfig, wg *sync.WaitGroup) {
	ip, err := adhoc.GetOutboundIP()
	if err != nil {
		logger.Log().Error("Failed to get outbound IP, skipping registration", zap.Error(err))
		return
	}
	class, ok := adhoc.InstanceClassOf(cfg.InstanceClass)
	if !ok {
		logger.Log().Warn("Invalid instanceClass in config, defaulting to Cpu", zap.String("instanceClass", cfg.InstanceClass))
	}
	reg := adhoc.RegServerConfig{}
	reg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
	hb := adhoc.NewHeartbeat(reg, adhoc.Instance{
		IP:            ip,
		RPCPort:       cfg.RPCPort,
		HTTPPort:      cfg.HTTPPort,
		InstanceClass: class,
		Backend:       engineCfg.Backend,
		Labels:        engineCfg.Names,
		Workers:       cfg.WorkersNum,
	})
	logger.Log().Info("registering with registry", zap.String("ip", ip), zap.String("id", hb.ID()))
	wg.Add(1)
	go hb.SendAliveMessage(ctx, wg)
}
