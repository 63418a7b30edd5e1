package mission

import "math"

// CameraAction is a camera task attached to a mission item.
type CameraAction int

const (
	CameraActionNone CameraAction = iota
	CameraActionTakePhoto
	CameraActionStartPhotoInterval
	CameraActionStopPhotoInterval
	CameraActionStartVideo
	CameraActionStopVideo
)

func (a CameraAction) String() string {
	switch a {
	case CameraActionNone:
		return "none"
	case CameraActionTakePhoto:
		return "take-photo"
	case CameraActionStartPhotoInterval:
		return "start-photo-interval"
	case CameraActionStopPhotoInterval:
		return "stop-photo-interval"
	case CameraActionStartVideo:
		return "start-video"
	case CameraActionStopVideo:
		return "stop-video"
	}
	return "unknown"
}

// MissionItem is one semantic waypoint of a mission: a position plus the
// actions (speed change, gimbal pose, loiter, camera) that take effect
// there. Optional numeric fields are NaN until set, except
// CameraPhotoIntervalS, which defaults to 1 second. An item without a
// position carries only actions for the preceding waypoint.
type MissionItem struct {
	LatitudeDeg          float64
	LongitudeDeg         float64
	RelativeAltitudeM    float32
	FlyThrough           bool
	SpeedMS              float32
	GimbalPitchDeg       float32
	GimbalYawDeg         float32
	LoiterTimeS          float32
	CameraAction         CameraAction
	CameraPhotoIntervalS float64
}

// NewMissionItem returns an item with all optional fields unset and the
// photo interval at its 1 second default.
func NewMissionItem() MissionItem {
	return MissionItem{
		LatitudeDeg:          math.NaN(),
		LongitudeDeg:         math.NaN(),
		RelativeAltitudeM:    nan32(),
		SpeedMS:              nan32(),
		GimbalPitchDeg:       nan32(),
		GimbalYawDeg:         nan32(),
		LoiterTimeS:          nan32(),
		CameraPhotoIntervalS: 1.0,
	}
}

// HasPosition reports whether both latitude and longitude are set.
func (item MissionItem) HasPosition() bool {
	return !math.IsNaN(item.LatitudeDeg) && !math.IsNaN(item.LongitudeDeg)
}

// PositionFinite reports whether both latitude and longitude are set and
// finite.
func (item MissionItem) PositionFinite() bool {
	return finite64(item.LatitudeDeg) && finite64(item.LongitudeDeg)
}

// Equal compares field-wise, treating two unset (NaN) fields as equal.
func (item MissionItem) Equal(other MissionItem) bool {
	return eq64(item.LatitudeDeg, other.LatitudeDeg) &&
		eq64(item.LongitudeDeg, other.LongitudeDeg) &&
		eq32(item.RelativeAltitudeM, other.RelativeAltitudeM) &&
		item.FlyThrough == other.FlyThrough &&
		eq32(item.SpeedMS, other.SpeedMS) &&
		eq32(item.GimbalPitchDeg, other.GimbalPitchDeg) &&
		eq32(item.GimbalYawDeg, other.GimbalYawDeg) &&
		eq32(item.LoiterTimeS, other.LoiterTimeS) &&
		item.CameraAction == other.CameraAction &&
		eq64(item.CameraPhotoIntervalS, other.CameraPhotoIntervalS)
}

func nan32() float32 {
	return float32(math.NaN())
}

func finite64(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finite32(v float32) bool {
	return finite64(float64(v))
}

func set32(v float32) bool {
	return !math.IsNaN(float64(v))
}

func eq64(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}

func eq32(a, b float32) bool {
	return eq64(float64(a), float64(b))
}
