package robot

import (
	"encoding/base64"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/trzy/RoBart/internal/message"
)

func newRegistry(t *testing.T) *message.Registry {
	t.Helper()
	reg := message.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestRegister_AllTags(t *testing.T) {
	reg := newRegistry(t)
	for tag := range Catalog() {
		if !reg.Has(tag) {
			t.Fatalf("tag %q not registered", tag)
		}
	}
	if got, want := len(reg.Tags()), 19; got != want {
		t.Fatalf("registered %d tags, want %d", got, want)
	}

	// A second registration of the catalog must fail loudly.
	var dup *message.DuplicateRegistrationError
	if err := Register(reg); !errors.As(err, &dup) {
		t.Fatalf("second Register err=%v, want DuplicateRegistrationError", err)
	}
}

func TestRoundTrip_Catalog(t *testing.T) {
	reg := newRegistry(t)
	msgs := []any{
		HelloMessage{Message: "Hello from RoBart"},
		HelloMessage{},
		LogMessage{Text: "line one\nline two"},
		DriveForDurationMessage{Reverse: true, Seconds: 1.5, Speed: 0.03},
		DriveForDistanceMessage{Meters: 0.25, Speed: 0.05},
		RotateMessage{Degrees: -90},
		DriveForwardMessage{DeltaMeters: 0},
		WatchdogSettingsMessage{Enabled: true, TimeoutSeconds: 1},
		PWMSettingsMessage{PWMFrequency: 20000},
		ThrottleMessage{MaxThrottle: 0.4},
		PIDGainsMessage{WhichPID: "orientation", Kp: 1, Ki: 0.01, Kd: -0.5},
		HoverboardRTTMeasurementMessage{NumSamples: 3, Delay: 0.1, RTTSeconds: []float64{0.01, 0.02, 0.03}},
		HoverboardRTTMeasurementMessage{RTTSeconds: []float64{}},
		AngularVelocityMeasurementMessage{Steering: -1, NumSeconds: 2, AngularVelocityResult: math.Pi},
		PositionGoalToleranceMessage{PositionGoalTolerance: 0.1},
		RenderSceneGeometryMessage{Planes: true},
		RequestOccupancyMapMessage{},
		OccupancyMapMessage{CellsWide: 2, CellsDeep: 1, Occupancy: []float64{0, 1}, RobotCell: []int{1, 0}},
		DrivePathMessage{PathCells: [][]int{{0, 0}, {1, 2}, {-1, 5}}},
		DrivePathMessage{PathCells: [][]int{}},
		RequestAnnotatedViewMessage{Unused: true},
		AnnotatedViewMessage{ImageBase64: base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8})},
	}
	for _, m := range msgs {
		payload, err := reg.Serialize(m)
		if err != nil {
			t.Fatalf("Serialize(%T): %v", m, err)
		}
		got, err := reg.Deserialize(payload)
		if err != nil {
			t.Fatalf("Deserialize(%s): %v", payload, err)
		}
		if !reflect.DeepEqual(got.Message, m) {
			t.Fatalf("round trip %T: got %#v, want %#v", m, got.Message, m)
		}
		if want := reflect.TypeOf(m).Name(); got.Tag != want {
			t.Fatalf("tag=%q, want %q", got.Tag, want)
		}
	}
}

func TestDeserialize_AppWireFormat(t *testing.T) {
	reg := newRegistry(t)

	got, err := reg.Deserialize([]byte(`{"reverse": false, "meters": 1.0, "speed": 0.03, "__id": "DriveForDistanceMessage"}`))
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	want := DriveForDistanceMessage{Meters: 1, Speed: 0.03}
	if got.Message != want {
		t.Fatalf("got %#v, want %#v", got.Message, want)
	}

	// unused defaults to false when omitted.
	got, err = reg.Deserialize([]byte(`{"__id":"RequestOccupancyMapMessage"}`))
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got.Message != (RequestOccupancyMapMessage{}) {
		t.Fatalf("got %#v", got.Message)
	}

	_, err = reg.Deserialize([]byte(`{"__id":"PIDGainsMessage","whichPID":"x","kp":1,"Ki":0,"Kd":0}`))
	var mismatch *message.SchemaMismatchError
	if !errors.As(err, &mismatch) || mismatch.Field != "Kp" {
		t.Fatalf("err=%v, want mismatch on Kp", err)
	}
}

func TestOccupancyMap_Validate(t *testing.T) {
	ok := OccupancyMapMessage{CellsWide: 2, CellsDeep: 2, Occupancy: []float64{0, 0.5, 1, 0}, RobotCell: []int{0, 1}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if n := ok.Occupied(0.5); n != 2 {
		t.Fatalf("Occupied=%d, want 2", n)
	}

	bad := []OccupancyMapMessage{
		{CellsWide: 2, CellsDeep: 2, Occupancy: []float64{0}, RobotCell: []int{0, 0}},
		{CellsWide: 1, CellsDeep: 1, Occupancy: []float64{0}, RobotCell: []int{0}},
		{CellsWide: -1, CellsDeep: 1},
	}
	for i, m := range bad {
		if err := m.Validate(); !errors.Is(err, ErrInvalidOccupancyMap) {
			t.Fatalf("case %d: err=%v, want ErrInvalidOccupancyMap", i, err)
		}
	}
}

func TestAnnotatedView_Image(t *testing.T) {
	m := AnnotatedViewMessage{ImageBase64: base64.StdEncoding.EncodeToString([]byte("jpeg"))}
	img, err := m.Image()
	if err != nil || string(img) != "jpeg" {
		t.Fatalf("Image=%q,%v", img, err)
	}
	if _, err := (AnnotatedViewMessage{ImageBase64: "!!"}).Image(); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestHoverboardRTT_Mean(t *testing.T) {
	m := HoverboardRTTMeasurementMessage{RTTSeconds: []float64{0.1, 0.2, 0.3}}
	if got := m.MeanRTT(); math.Abs(got-0.2) > 1e-12 {
		t.Fatalf("MeanRTT=%v, want 0.2", got)
	}
	if got := (HoverboardRTTMeasurementMessage{}).MeanRTT(); got != 0 {
		t.Fatalf("MeanRTT(empty)=%v, want 0", got)
	}
}
