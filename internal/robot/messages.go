// Package robot defines the messages exchanged between the operator server and
// the RoBart iPhone app. Field names match the app's wire format exactly.
package robot

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/trzy/RoBart/internal/message"
)

type HelloMessage struct {
	Message string `json:"message"`
}

type LogMessage struct {
	Text string `json:"text"`
}

type DriveForDurationMessage struct {
	Reverse bool    `json:"reverse"`
	Seconds float64 `json:"seconds"`
	Speed   float64 `json:"speed"`
}

type DriveForDistanceMessage struct {
	Reverse bool    `json:"reverse"`
	Meters  float64 `json:"meters"`
	Speed   float64 `json:"speed"`
}

type RotateMessage struct {
	Degrees float64 `json:"degrees"`
}

type DriveForwardMessage struct {
	DeltaMeters float64 `json:"deltaMeters"`
}

type WatchdogSettingsMessage struct {
	Enabled        bool    `json:"enabled"`
	TimeoutSeconds float64 `json:"timeoutSeconds"`
}

type PWMSettingsMessage struct {
	PWMFrequency int `json:"pwmFrequency"`
}

type ThrottleMessage struct {
	MaxThrottle float64 `json:"maxThrottle"`
}

// PIDGainsMessage updates one of the app's PID controllers, named by WhichPID.
type PIDGainsMessage struct {
	WhichPID string  `json:"whichPID"`
	Kp       float64 `json:"Kp"`
	Ki       float64 `json:"Ki"`
	Kd       float64 `json:"Kd"`
}

type HoverboardRTTMeasurementMessage struct {
	NumSamples int       `json:"numSamples"`
	Delay      float64   `json:"delay"`
	RTTSeconds []float64 `json:"rttSeconds"`
}

type AngularVelocityMeasurementMessage struct {
	Steering              float64 `json:"steering"`
	NumSeconds            float64 `json:"numSeconds"`
	AngularVelocityResult float64 `json:"angularVelocityResult"`
}

type PositionGoalToleranceMessage struct {
	PositionGoalTolerance float64 `json:"positionGoalTolerance"`
}

type RenderSceneGeometryMessage struct {
	Planes bool `json:"planes"`
	Meshes bool `json:"meshes"`
}

type RequestOccupancyMapMessage struct {
	Unused bool `json:"unused,omitempty"`
}

// OccupancyMapMessage is a row-major grid of occupancy values, CellsWide
// columns by CellsDeep rows. RobotCell is (cellX, cellZ).
type OccupancyMapMessage struct {
	CellsWide int       `json:"cellsWide"`
	CellsDeep int       `json:"cellsDeep"`
	Occupancy []float64 `json:"occupancy"`
	RobotCell []int     `json:"robotCell"`
}

// DrivePathMessage lists waypoints as (cellX, cellZ) pairs.
type DrivePathMessage struct {
	PathCells [][]int `json:"pathCells"`
}

type RequestAnnotatedViewMessage struct {
	Unused bool `json:"unused,omitempty"`
}

type AnnotatedViewMessage struct {
	ImageBase64 string `json:"imageBase64"`
}

var ErrInvalidOccupancyMap = errors.New("invalid occupancy map")

// Validate checks that the grid dimensions agree with the payload.
func (m OccupancyMapMessage) Validate() error {
	if m.CellsWide < 0 || m.CellsDeep < 0 {
		return fmt.Errorf("%w: negative dimensions %dx%d", ErrInvalidOccupancyMap, m.CellsWide, m.CellsDeep)
	}
	if want := m.CellsWide * m.CellsDeep; len(m.Occupancy) != want {
		return fmt.Errorf("%w: %d cells, want %d", ErrInvalidOccupancyMap, len(m.Occupancy), want)
	}
	if len(m.RobotCell) != 2 {
		return fmt.Errorf("%w: robotCell has %d elements, want 2", ErrInvalidOccupancyMap, len(m.RobotCell))
	}
	return nil
}

// Occupied counts cells at or above threshold.
func (m OccupancyMapMessage) Occupied(threshold float64) int {
	n := 0
	for _, v := range m.Occupancy {
		if v >= threshold {
			n++
		}
	}
	return n
}

// Image decodes the annotated camera frame.
func (m AnnotatedViewMessage) Image() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.ImageBase64)
}

// MeanRTT returns the average of the measured round trips, or 0 with none.
func (m HoverboardRTTMeasurementMessage) MeanRTT() float64 {
	if len(m.RTTSeconds) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.RTTSeconds {
		sum += v
	}
	return sum / float64(len(m.RTTSeconds))
}

// Catalog lists every robot message keyed by its wire tag.
func Catalog() map[string]any {
	return map[string]any{
		"HelloMessage":                      HelloMessage{},
		"LogMessage":                        LogMessage{},
		"DriveForDurationMessage":           DriveForDurationMessage{},
		"DriveForDistanceMessage":           DriveForDistanceMessage{},
		"RotateMessage":                     RotateMessage{},
		"DriveForwardMessage":               DriveForwardMessage{},
		"WatchdogSettingsMessage":           WatchdogSettingsMessage{},
		"PWMSettingsMessage":                PWMSettingsMessage{},
		"ThrottleMessage":                   ThrottleMessage{},
		"PIDGainsMessage":                   PIDGainsMessage{},
		"HoverboardRTTMeasurementMessage":   HoverboardRTTMeasurementMessage{},
		"AngularVelocityMeasurementMessage": AngularVelocityMeasurementMessage{},
		"PositionGoalToleranceMessage":      PositionGoalToleranceMessage{},
		"RenderSceneGeometryMessage":        RenderSceneGeometryMessage{},
		"RequestOccupancyMapMessage":        RequestOccupancyMapMessage{},
		"OccupancyMapMessage":               OccupancyMapMessage{},
		"DrivePathMessage":                  DrivePathMessage{},
		"RequestAnnotatedViewMessage":       RequestAnnotatedViewMessage{},
		"AnnotatedViewMessage":              AnnotatedViewMessage{},
	}
}

// Register adds the whole catalog to reg.
func Register(reg *message.Registry) error {
	for tag, proto := range Catalog() {
		if err := reg.Register(tag, proto); err != nil {
			return err
		}
	}
	return nil
}
