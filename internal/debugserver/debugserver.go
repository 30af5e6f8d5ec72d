// Package debugserver is the operator side of the robot link: it greets each
// robot that connects, logs the telemetry robots report and broadcasts
// operator commands.
package debugserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/trzy/RoBart/internal/robot"
	"github.com/trzy/RoBart/internal/server"
	"github.com/trzy/RoBart/internal/session"
)

// OccupiedThreshold is the occupancy value at which a map cell is reported
// as an obstacle.
const OccupiedThreshold = 0.5

type Config struct {
	Logger *slog.Logger
	// AnnotatedViewDir, when set, receives every annotated view image.
	AnnotatedViewDir string
	Now              func() time.Time
}

type DebugServer struct {
	srv    *server.Server
	logger *slog.Logger
	cfg    Config
}

// New installs the robot message handlers on srv. srv's registry must hold
// the robot catalog.
func New(srv *server.Server, cfg Config) (*DebugServer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d := &DebugServer{srv: srv, logger: cfg.Logger, cfg: cfg}

	if err := srv.OnConnect(d.greet); err != nil {
		return nil, err
	}
	handlers := map[string]server.Handler{
		"HelloMessage":                      d.handleHello,
		"LogMessage":                        d.handleLog,
		"OccupancyMapMessage":               d.handleOccupancyMap,
		"AnnotatedViewMessage":              d.handleAnnotatedView,
		"HoverboardRTTMeasurementMessage":   d.handleRTT,
		"AngularVelocityMeasurementMessage": d.handleAngularVelocity,
	}
	for tag, h := range handlers {
		if err := srv.Handle(tag, h); err != nil {
			return nil, fmt.Errorf("handle %s: %w", tag, err)
		}
	}
	return d, nil
}

func Greeting() string {
	return fmt.Sprintf("Hello from RoBart Go server running on %s %s", runtime.GOOS, runtime.GOARCH)
}

// Send broadcasts an operator command to every connected robot and returns
// how many robots it was queued to.
func (d *DebugServer) Send(m any) (int, error) {
	return d.srv.Broadcast(m)
}

// Robots returns the number of connected robots.
func (d *DebugServer) Robots() int { return d.srv.Len() }

func (d *DebugServer) greet(s *session.Session) {
	if err := s.Send(robot.HelloMessage{Message: Greeting()}); err != nil {
		s.Logger().Warn("failed to send hello", "err", err)
	}
}

func (d *DebugServer) handleHello(_ context.Context, s *session.Session, in session.Inbound) {
	m := in.Message.(robot.HelloMessage)
	s.Logger().Info("hello received", "message", m.Message)
}

func (d *DebugServer) handleLog(_ context.Context, s *session.Session, in session.Inbound) {
	m := in.Message.(robot.LogMessage)
	s.Logger().Info("robot log", "text", m.Text)
}

func (d *DebugServer) handleOccupancyMap(_ context.Context, s *session.Session, in session.Inbound) {
	m := in.Message.(robot.OccupancyMapMessage)
	if err := m.Validate(); err != nil {
		s.Logger().Warn("ignoring occupancy map", "err", err)
		return
	}
	s.Logger().Info("occupancy map",
		"cells_wide", m.CellsWide,
		"cells_deep", m.CellsDeep,
		"occupied", m.Occupied(OccupiedThreshold),
		"robot_cell", m.RobotCell,
	)
}

func (d *DebugServer) handleAnnotatedView(_ context.Context, s *session.Session, in session.Inbound) {
	m := in.Message.(robot.AnnotatedViewMessage)
	img, err := m.Image()
	if err != nil {
		s.Logger().Warn("undecodable annotated view", "err", err)
		return
	}
	if d.cfg.AnnotatedViewDir == "" {
		s.Logger().Info("annotated view", "bytes", len(img))
		return
	}
	path, err := d.saveImage(img, in.Arrival)
	if err != nil {
		s.Logger().Error("failed to save annotated view", "err", err)
		return
	}
	s.Logger().Info("annotated view saved", "bytes", len(img), "path", path)
}

func (d *DebugServer) saveImage(img []byte, at time.Time) (string, error) {
	if at.IsZero() {
		at = d.cfg.Now()
	}
	ext := ".bin"
	switch http.DetectContentType(img) {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png":
		ext = ".png"
	}
	if err := os.MkdirAll(d.cfg.AnnotatedViewDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(d.cfg.AnnotatedViewDir, fmt.Sprintf("annotated-view-%d%s", at.UnixMilli(), ext))
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (d *DebugServer) handleRTT(_ context.Context, s *session.Session, in session.Inbound) {
	m := in.Message.(robot.HoverboardRTTMeasurementMessage)
	s.Logger().Info("hoverboard rtt",
		"samples", m.NumSamples,
		"delay_s", m.Delay,
		"mean_rtt_ms", m.MeanRTT()*1e3,
	)
}

func (d *DebugServer) handleAngularVelocity(_ context.Context, s *session.Session, in session.Inbound) {
	m := in.Message.(robot.AngularVelocityMeasurementMessage)
	s.Logger().Info("angular velocity",
		"steering", m.Steering,
		"seconds", m.NumSeconds,
		"deg_per_s", m.AngularVelocityResult,
	)
}
