// Package web serves the upload page and the JSON API over gin.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"HelmetDetServer/config"
	"HelmetDetServer/engine"
	"HelmetDetServer/logger"
	"HelmetDetServer/monitor"
	"HelmetDetServer/store"
	"HelmetDetServer/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templatesFS embed.FS

var (
	errNoFile     = errors.New("no image file in request")
	errEmptyName  = errors.New("no file selected")
	errNotAllowed = errors.New("file type not allowed, please upload a png, jpg, jpeg or avif image")
	errHistoryOff = errors.New("violation history is disabled")
)

type Submitter interface {
	Submit(ctx context.Context, job worker.Job) (*worker.Outcome, error)
}

type History interface {
	List(ctx context.Context, limit int) ([]store.Violation, error)
	Get(ctx context.Context, id string) (*store.Violation, error)
}

type Server struct {
	cfg     *config.Config
	pool    Submitter
	history History
	// Decode turns uploaded bytes into an image.
	Decode func([]byte) (image.Image, error)
}

// New builds a server; history may be nil when the database is disabled.
func New(cfg *config.Config, pool Submitter, history History) *Server {
	return &Server{cfg: cfg, pool: pool, history: history, Decode: engine.DecodeImage}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	if s.cfg.MaxUploadMB > 0 {
		r.MaxMultipartMemory = int64(s.cfg.MaxUploadMB) << 20
	}
	r.SetHTMLTemplate(template.Must(template.ParseFS(templatesFS, "templates/*.html")))
	r.Static("/static", s.cfg.StaticDir)

	r.GET("/", func(c *gin.Context) {
		c.HTML(http.StatusOK, "index.html", gin.H{})
	})
	r.POST("/predict", s.predictPage)

	api := r.Group("/api")
	api.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	api.POST("/predict", s.predictJSON)
	api.POST("/detect", s.detectJSON)
	api.GET("/violations", s.listViolations)
	api.GET("/violations/:id", s.getViolation)
	r.GET("/ws/predict", s.stream)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Log().Info("http request",
			zap.String("method", c.Request.Method), zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()))
	}
}

type upload struct {
	name string
	path string
	img  image.Image
}

// readUpload validates the "image" field, saves it under the upload folder
// and decodes it. The returned status is the HTTP code to use on error.
func (s *Server) readUpload(c *gin.Context) (*upload, int, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return nil, http.StatusBadRequest, errNoFile
	}
	if fh.Filename == "" {
		return nil, http.StatusBadRequest, errEmptyName
	}
	if !s.cfg.AllowedFile(fh.Filename) {
		return nil, http.StatusBadRequest, errNotAllowed
	}
	data, err := readAll(fh)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	name := filepath.Base(fh.Filename)
	path := filepath.Join(s.cfg.UploadDir, name)
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("create upload folder: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("save upload: %w", err)
	}
	img, err := s.Decode(data)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	return &upload{name: name, path: path, img: img}, 0, nil
}

func readAll(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) outputPath() string {
	if !s.cfg.UniqueOutputs {
		return ""
	}
	return filepath.Join(filepath.Dir(s.cfg.OutputImage), "output-"+uuid.NewString()+".jpg")
}

// staticURL returns path relative to the static folder, as the page links it.
func (s *Server) staticURL(path string) string {
	if path == "" {
		return ""
	}
	rel, err := filepath.Rel(s.cfg.StaticDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (s *Server) run(c *gin.Context) (*worker.Outcome, int, error) {
	up, status, err := s.readUpload(c)
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("http", "rejected").Inc()
		return nil, status, err
	}
	outcome, err := s.pool.Submit(c.Request.Context(), worker.Job{
		Image: up.img, Source: up.name, OutputPath: s.outputPath(),
	})
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("http", "error").Inc()
		logger.Log().Error("prediction failed", zap.String("file", up.name), zap.Error(err))
		return nil, statusFor(err), err
	}
	monitor.RequestsTotal.WithLabelValues("http", "ok").Inc()
	return outcome, http.StatusOK, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, worker.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) predictPage(c *gin.Context) {
	outcome, status, err := s.run(c)
	if err != nil {
		c.HTML(status, "index.html", gin.H{"Error": err.Error()})
		return
	}
	res := outcome.Result
	c.HTML(http.StatusOK, "index.html", gin.H{
		"ResultText":  res.Report,
		"ResultImage": s.staticURL(res.OutputPath),
	})
}

func (s *Server) predictJSON(c *gin.Context) {
	outcome, status, err := s.run(c)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	res := outcome.Result
	c.JSON(http.StatusOK, gin.H{
		"id":           outcome.ID,
		"report":       res.Report,
		"lines":        res.Lines,
		"result_image": s.staticURL(res.OutputPath),
		"violations":   store.FromResult(outcome.ID, "", res).Riders,
	})
}

func (s *Server) detectJSON(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errNoFile.Error()})
		return
	}
	data, err := readAll(fh)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	img, err := s.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome, err := s.pool.Submit(c.Request.Context(), worker.Job{Image: img, Source: "detect", DetectOnly: true})
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("http", "error").Inc()
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	monitor.RequestsTotal.WithLabelValues("http", "ok").Inc()
	c.JSON(http.StatusOK, engine.DetectResponse{Detections: engine.ToWire(outcome.Detections)})
}

func (s *Server) listViolations(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errHistoryOff.Error()})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}
	list, err := s.history.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list})
}

func (s *Server) getViolation(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errHistoryOff.Error()})
		return
	}
	v, err := s.history.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": v})
}
