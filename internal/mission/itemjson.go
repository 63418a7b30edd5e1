package mission

import (
	"encoding/json"
	"math"
)

// missionItemJSON is the JSON form of a MissionItem: unset (NaN) fields
// become null so the document stays valid JSON.
type missionItemJSON struct {
	LatitudeDeg          *float64 `json:"latitude_deg"`
	LongitudeDeg         *float64 `json:"longitude_deg"`
	RelativeAltitudeM    *float32 `json:"relative_altitude_m"`
	FlyThrough           bool     `json:"fly_through"`
	SpeedMS              *float32 `json:"speed_m_s"`
	GimbalPitchDeg       *float32 `json:"gimbal_pitch_deg"`
	GimbalYawDeg         *float32 `json:"gimbal_yaw_deg"`
	LoiterTimeS          *float32 `json:"loiter_time_s"`
	CameraAction         string   `json:"camera_action"`
	CameraPhotoIntervalS float64  `json:"camera_photo_interval_s"`
}

func (item MissionItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(missionItemJSON{
		LatitudeDeg:          opt64(item.LatitudeDeg),
		LongitudeDeg:         opt64(item.LongitudeDeg),
		RelativeAltitudeM:    opt32(item.RelativeAltitudeM),
		FlyThrough:           item.FlyThrough,
		SpeedMS:              opt32(item.SpeedMS),
		GimbalPitchDeg:       opt32(item.GimbalPitchDeg),
		GimbalYawDeg:         opt32(item.GimbalYawDeg),
		LoiterTimeS:          opt32(item.LoiterTimeS),
		CameraAction:         item.CameraAction.String(),
		CameraPhotoIntervalS: item.CameraPhotoIntervalS,
	})
}

func (item *MissionItem) UnmarshalJSON(data []byte) error {
	var raw missionItemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*item = NewMissionItem()
	item.LatitudeDeg = deref64(raw.LatitudeDeg)
	item.LongitudeDeg = deref64(raw.LongitudeDeg)
	item.RelativeAltitudeM = deref32(raw.RelativeAltitudeM)
	item.FlyThrough = raw.FlyThrough
	item.SpeedMS = deref32(raw.SpeedMS)
	item.GimbalPitchDeg = deref32(raw.GimbalPitchDeg)
	item.GimbalYawDeg = deref32(raw.GimbalYawDeg)
	item.LoiterTimeS = deref32(raw.LoiterTimeS)
	item.CameraAction = cameraActionFromString(raw.CameraAction)
	if raw.CameraPhotoIntervalS != 0 {
		item.CameraPhotoIntervalS = raw.CameraPhotoIntervalS
	}
	return nil
}

func cameraActionFromString(s string) CameraAction {
	for _, action := range []CameraAction{
		CameraActionNone,
		CameraActionTakePhoto,
		CameraActionStartPhotoInterval,
		CameraActionStopPhotoInterval,
		CameraActionStartVideo,
		CameraActionStopVideo,
	} {
		if action.String() == s {
			return action
		}
	}
	return CameraActionNone
}

func opt64(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func opt32(v float32) *float32 {
	if math.IsNaN(float64(v)) {
		return nil
	}
	return &v
}

func deref64(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

func deref32(v *float32) float32 {
	if v == nil {
		return nan32()
	}
	return *v
}
