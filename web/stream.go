package web

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"HelmetDetServer/logger"
	"HelmetDetServer/monitor"
	"HelmetDetServer/store"
	"HelmetDetServer/worker"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxFrameBytes = 20 * 1024 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamReply is one websocket answer; Error is set instead of the report
// when a frame cannot be processed.
type streamReply struct {
	Frame      int           `json:"frame"`
	ID         string        `json:"id,omitempty"`
	Report     string        `json:"report,omitempty"`
	Lines      []string      `json:"lines,omitempty"`
	Image      string        `json:"result_image,omitempty"`
	Violations []store.Rider `json:"violations,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// decodeFrame accepts raw image bytes (binary message) or base64 text,
// optionally as a data: URL.
func decodeFrame(mt int, msg []byte) ([]byte, error) {
	switch mt {
	case websocket.BinaryMessage:
		return msg, nil
	case websocket.TextMessage:
		b64 := string(msg)
		if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
			b64 = b64[i+1:]
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 frame: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("unsupported message type")
	}
}

// stream runs every received frame through the pipeline and answers with one
// JSON message per frame, in order.
func (s *Server) stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)
	ctx := c.Request.Context()

	for frame := 1; ; frame++ {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Log().Info("stream closed", zap.Error(err))
			}
			return
		}
		reply := s.streamFrame(c, frame, mt, msg)
		if err := conn.WriteJSON(reply); err != nil {
			logger.Log().Warn("stream write failed", zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Server) streamFrame(c *gin.Context, frame, mt int, msg []byte) streamReply {
	reply := streamReply{Frame: frame}
	outcome, err := s.runFrame(c, frame, mt, msg)
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("websocket", "error").Inc()
		reply.Error = err.Error()
		return reply
	}
	monitor.RequestsTotal.WithLabelValues("websocket", "ok").Inc()
	res := outcome.Result
	reply.ID = outcome.ID
	reply.Report = res.Report
	reply.Lines = res.Lines
	reply.Image = s.staticURL(res.OutputPath)
	reply.Violations = store.FromResult(outcome.ID, "", res).Riders
	return reply
}

func (s *Server) runFrame(c *gin.Context, frame, mt int, msg []byte) (*worker.Outcome, error) {
	data, err := decodeFrame(mt, msg)
	if err != nil {
		return nil, err
	}
	img, err := s.Decode(data)
	if err != nil {
		return nil, err
	}
	return s.pool.Submit(c.Request.Context(), worker.Job{
		Image: img, Source: fmt.Sprintf("stream#%d", frame), OutputPath: s.outputPath(),
	})
}
