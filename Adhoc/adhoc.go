package Adhoc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"HelmetDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance    = 0x2001
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	RocmInstance   = 0x2004
	TimeOutSeconds = 5
)

// InstanceClassOf maps the config name to an instance class, defaulting to Cpu.
func InstanceClassOf(name string) (int, bool) {
	switch name {
	case "Dml":
		return DmlInstance, true
	case "Cuda":
		return CudaInstance, true
	case "Rocm":
		return RocmInstance, true
	case "Cpu":
		return CpuInstance, true
	default:
		return CpuInstance, false
	}
}

type RegisterRequest struct {
	Id            string   `json:"id"`
	IP            string   `json:"ip"`
	Port          int      `json:"port"`
	HTTPPort      int      `json:"httpPort"`
	InstanceClass int      `json:"instanceClass"`
	Backend       string   `json:"backend"`
	Labels        []string `json:"labels"`
	Workers       int      `json:"workers"`
	TimeStamp     int64    `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s/api/register", net.JoinHostPort(reg.Addr, fmt.Sprint(reg.Port)))
}

// Instance describes this server to the registry.
type Instance struct {
	IP            string
	RPCPort       int
	HTTPPort      int
	InstanceClass int
	Backend       string
	Labels        []string
	Workers       int
}

type Heartbeat struct {
	Reg      RegServerConfig
	Self     Instance
	Interval time.Duration
	id       string
	client   *resty.Client
}

func NewHeartbeat(reg RegServerConfig, self Instance) *Heartbeat {
	return &Heartbeat{
		Reg:      reg,
		Self:     self,
		Interval: TimeOutSeconds * time.Second,
		id:       uuid.NewString(),
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
	}
}

func (h *Heartbeat) ID() string {
	return h.id
}

// Send posts one registration. A non-2xx answer is an error.
func (h *Heartbeat) Send(ctx context.Context) (*RegisterResponse, error) {
	var respBody RegisterResponse
	reqBody := RegisterRequest{
		Id:            h.id,
		IP:            h.Self.IP,
		Port:          h.Self.RPCPort,
		HTTPPort:      h.Self.HTTPPort,
		InstanceClass: h.Self.InstanceClass,
		Backend:       h.Self.Backend,
		Labels:        h.Self.Labels,
		Workers:       h.Self.Workers,
		TimeStamp:     time.Now().Unix(),
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&respBody).
		Post(h.Reg.URL())
	if err != nil {
		return nil, fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	return &respBody, nil
}

// SendAliveMessage registers immediately and then every Interval until ctx
// is cancelled. Failures are logged and retried on the next tick.
func (h *Heartbeat) SendAliveMessage(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("SendAliveMessage panic recovered", zap.Any("panic", r))
			}
		}()
		if _, err := h.Send(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Log().Error("registry heartbeat failed", zap.String("url", h.Reg.URL()), zap.Error(err))
			}
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}

// GetOutboundIP returns the local address used to reach the network. No
// packet is sent; only the routing table is consulted.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
